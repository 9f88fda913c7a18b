package strategy

import (
	"errors"
	"fmt"

	"moneybot/market"
	"moneybot/order"
)

var ErrUnsupportedStrategy = errors.New("unsupported strategy type")

// Quote 报价
type Quote struct {
	Side  string  `json:"side"` // "BUY" or "SELL"
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Strategy 策略接口。返回 nil 表示维持当前挂单；返回非 nil（可为空切片）表示用新报价替换全部挂单。
type Strategy interface {
	Name() string
	Symbol() string
	OnOrderBookUpdate(book *market.OrderBook) []Quote
	OnTrade(t market.Trade)
	OnOrderFill(f order.Fill) []Quote
}

// Inventory 提供当前净仓位。
type Inventory interface {
	Position(symbol string) float64
}

// Config 是配置文件中单个策略的描述。
type Config struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Symbol string            `yaml:"symbol"`
	Params MarketMakerParams `yaml:"params"`
}

// New 按类型构建策略，目前只支持 market_maker。
func New(cfg Config, inv Inventory) (Strategy, error) {
	switch cfg.Type {
	case "market_maker", "":
		p := cfg.Params
		p.Symbol = cfg.Symbol
		name := cfg.Name
		if name == "" {
			name = "mm-" + cfg.Symbol
		}
		return NewMarketMaker(name, p, inv)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStrategy, cfg.Type)
	}
}
