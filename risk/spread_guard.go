package risk

import "fmt"

// BookSource 提供最优买卖价，market.OrderBook 满足该接口。
type BookSource interface {
	Best() (bid float64, ask float64)
}

// SpreadGuard 在盘口价差过宽时拒单。
type SpreadGuard struct {
	MaxSpreadRatio float64 // (ask-bid)/mid
	Books          func(symbol string) (BookSource, bool)
}

func (g *SpreadGuard) PreOrder(req OrderRequest) error {
	if g == nil || g.Books == nil || g.MaxSpreadRatio <= 0 {
		return nil
	}
	book, ok := g.Books(req.Symbol)
	if !ok || book == nil {
		return nil
	}
	bid, ask := book.Best()
	if bid == 0 || ask == 0 {
		return nil
	}
	mid := (bid + ask) / 2
	spread := (ask - bid) / mid
	if spread > g.MaxSpreadRatio {
		return fmt.Errorf("%w: %.6f > %.6f", ErrSpreadTooWide, spread, g.MaxSpreadRatio)
	}
	return nil
}
