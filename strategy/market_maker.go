package strategy

import (
	"errors"
	"math"
	"sync"

	"moneybot/market"
	"moneybot/order"
)

// MarketMakerParams 控制最小价差、目标仓位等核心参数。
type MarketMakerParams struct {
	Symbol         string  `yaml:"-"`
	MinSpreadBps   float64 `yaml:"minSpreadBps"`   // 最小价差（bps）
	BaseSize       float64 `yaml:"baseSize"`       // 报价基础数量
	TargetPosition float64 `yaml:"targetPosition"` // 目标仓位（正=多，负=空）
	MaxDrift       float64 `yaml:"maxDrift"`       // 可接受的仓位偏移
	MaxPosition    float64 `yaml:"maxPosition"`    // 单边最大持仓，达到后停止该方向报价
	SkewFactor     float64 `yaml:"skewFactor"`     // 库存倾斜因子（0-1之间）
	RequoteBps     float64 `yaml:"requoteBps"`     // mid 变动小于该值且仓位不变时不重新报价
	ImbalanceDepth int     `yaml:"imbalanceDepth"`
	ImbalanceSkew  float64 `yaml:"imbalanceSkew"`
	VolWindow      int     `yaml:"volWindow"`
	VolMultiplier  float64 `yaml:"volMultiplier"` // 价差 >= VolMultiplier * σ * mid
	TickSize       float64 `yaml:"tickSize"`
	StepSize       float64 `yaml:"stepSize"`
}

// MarketMaker 围绕 mid 对称双边报价，按库存偏移、盘口不平衡和波动率调整。
type MarketMaker struct {
	name   string
	params MarketMakerParams
	inv    Inventory
	cons   order.SymbolConstraints
	vol    *market.VolatilityCalculator

	mu      sync.Mutex
	lastMid float64
	lastPos float64
	quoted  bool

	buyFills  int
	sellFills int
	volume    float64
	trades    int
}

func NewMarketMaker(name string, p MarketMakerParams, inv Inventory) (*MarketMaker, error) {
	if p.Symbol == "" {
		return nil, errors.New("market maker: symbol required")
	}
	if p.MinSpreadBps <= 0 || p.BaseSize <= 0 {
		return nil, errors.New("market maker: minSpreadBps and baseSize must be > 0")
	}
	if p.SkewFactor < 0 || p.SkewFactor > 1 {
		return nil, errors.New("market maker: skewFactor must be within [0,1]")
	}
	if p.VolWindow <= 0 {
		p.VolWindow = 30
	}
	if p.ImbalanceDepth <= 0 {
		p.ImbalanceDepth = 5
	}
	return &MarketMaker{
		name:   name,
		params: p,
		inv:    inv,
		cons:   order.SymbolConstraints{TickSize: p.TickSize, StepSize: p.StepSize},
		vol:    market.NewVolatilityCalculator(p.VolWindow),
	}, nil
}

func (s *MarketMaker) Name() string   { return s.name }
func (s *MarketMaker) Symbol() string { return s.params.Symbol }

func (s *MarketMaker) Params() MarketMakerParams { return s.params }

// OnOrderBookUpdate 生成新报价，mid 变化不足且仓位不变时返回 nil。
func (s *MarketMaker) OnOrderBookUpdate(book *market.OrderBook) []Quote {
	if book == nil || book.Symbol() != s.params.Symbol {
		return nil
	}
	mid := book.Mid()
	if mid <= 0 {
		return nil
	}
	s.vol.AddPrice(mid)
	pos := 0.0
	if s.inv != nil {
		pos = s.inv.Position(s.params.Symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quoted && s.params.RequoteBps > 0 && pos == s.lastPos &&
		math.Abs(mid-s.lastMid)/s.lastMid*1e4 < s.params.RequoteBps {
		return nil
	}

	quotes := s.quote(book, mid, pos)
	s.lastMid = mid
	s.lastPos = pos
	s.quoted = true
	return quotes
}

func (s *MarketMaker) quote(book *market.OrderBook, mid, pos float64) []Quote {
	p := s.params
	spread := p.MinSpreadBps / 1e4 * mid
	if p.VolMultiplier > 0 && s.vol.IsReady() {
		spread = math.Max(spread, p.VolMultiplier*s.vol.StdDev()*mid)
	}

	// 按仓位偏移调整：如果多头过多，下移 bid/ask，反之上移。
	drift := 0.0
	diff := pos - p.TargetPosition
	if diff > p.MaxDrift {
		drift = spread * 0.25
	} else if diff < -p.MaxDrift {
		drift = -spread * 0.25
	}
	if p.MaxPosition > 0 && p.SkewFactor > 0 {
		ratio := math.Max(-1, math.Min(1, pos/p.MaxPosition))
		drift += ratio * p.SkewFactor * spread
	}
	if p.ImbalanceSkew > 0 {
		// 买盘厚 -> 价格倾向上行 -> 报价上移
		drift -= book.Imbalance(p.ImbalanceDepth) * p.ImbalanceSkew * spread
	}

	bid := s.cons.FloorPrice(mid - spread/2 - drift)
	ask := s.cons.CeilPrice(mid + spread/2 - drift)
	tick := p.TickSize
	// 只做 maker：不穿越对手最优价
	if bestAsk, ok := book.BestAsk(); ok && bid >= bestAsk.Price {
		bid = s.cons.FloorPrice(bestAsk.Price - math.Max(tick, bestAsk.Price*1e-6))
	}
	if bestBid, ok := book.BestBid(); ok && ask <= bestBid.Price {
		ask = s.cons.CeilPrice(bestBid.Price + math.Max(tick, bestBid.Price*1e-6))
	}

	buySize, sellSize := p.BaseSize, p.BaseSize
	if p.MaxPosition > 0 {
		buySize = math.Min(buySize, p.MaxPosition-pos)
		sellSize = math.Min(sellSize, p.MaxPosition+pos)
	}
	buySize = s.cons.FloorQty(buySize)
	sellSize = s.cons.FloorQty(sellSize)

	quotes := make([]Quote, 0, 2)
	if buySize > 0 && bid > 0 {
		quotes = append(quotes, Quote{Side: order.SideBuy, Price: bid, Size: buySize})
	}
	if sellSize > 0 && ask > 0 {
		quotes = append(quotes, Quote{Side: order.SideSell, Price: ask, Size: sellSize})
	}
	return quotes
}

func (s *MarketMaker) OnTrade(t market.Trade) {
	if t.Symbol != s.params.Symbol {
		return
	}
	s.mu.Lock()
	s.trades++
	s.mu.Unlock()
}

// OnOrderFill 记录成交统计，并强制下一次盘口更新重新报价。
func (s *MarketMaker) OnOrderFill(f order.Fill) []Quote {
	if f.Symbol != s.params.Symbol {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Side {
	case order.SideBuy:
		s.buyFills++
	case order.SideSell:
		s.sellFills++
	}
	s.volume += f.Quantity
	s.quoted = false
	return nil
}

// Reset 清除上次报价记录，下一次盘口更新必定重新报价。
func (s *MarketMaker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoted = false
}

// Statistics 获取策略统计信息
func (s *MarketMaker) Statistics() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"buy_fills":     s.buyFills,
		"sell_fills":    s.sellFills,
		"fill_volume":   s.volume,
		"market_trades": s.trades,
		"last_mid":      s.lastMid,
		"volatility":    s.vol.StdDev(),
	}
}
