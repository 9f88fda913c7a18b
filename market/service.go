package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tick 是一次盘口更新后的顶档快照，用于持久化。
type Tick struct {
	Symbol string
	Bid    float64
	BidQty float64
	Ask    float64
	AskQty float64
	Ts     time.Time
}

// TickStore 持久化行情数据，由 storage 包的 SQLite 实现。
type TickStore interface {
	SaveTick(ctx context.Context, t Tick) error
	SaveTrade(ctx context.Context, t Trade) error
	SaveCandle(ctx context.Context, k Kline) error
}

// ServiceConfig 控制发布深度和 K 线周期。
type ServiceConfig struct {
	PublishDepth   int
	CandleInterval time.Duration
}

// Service 维护各交易对的 OrderBook，向订阅者广播并落库。
type Service struct {
	cfg   ServiceConfig
	pub   *Publisher
	store TickStore

	mu      sync.RWMutex
	books   map[string]*OrderBook
	candles map[string]*KlineAggregator
}

func NewService(pub *Publisher, store TickStore, cfg ServiceConfig) *Service {
	if pub == nil {
		pub = NewPublisher()
	}
	if cfg.PublishDepth <= 0 {
		cfg.PublishDepth = 20
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = time.Minute
	}
	return &Service{
		cfg:     cfg,
		pub:     pub,
		store:   store,
		books:   make(map[string]*OrderBook),
		candles: make(map[string]*KlineAggregator),
	}
}

func (s *Service) Publisher() *Publisher { return s.pub }

// Book 返回交易对的 OrderBook，不存在时创建。
func (s *Service) Book(symbol string) *OrderBook {
	s.mu.RLock()
	ob, ok := s.books[symbol]
	s.mu.RUnlock()
	if ok {
		return ob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ob, ok = s.books[symbol]; ok {
		return ob
	}
	ob = NewOrderBook(symbol)
	s.books[symbol] = ob
	return ob
}

// Lookup 仅查询，不创建。
func (s *Service) Lookup(symbol string) (*OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ob, ok := s.books[symbol]
	return ob, ok
}

func (s *Service) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]string, 0, len(s.books))
	for sym := range s.books {
		res = append(res, sym)
	}
	sort.Strings(res)
	return res
}

// ApplySnapshot 替换盘口、广播并记录顶档 tick。
// 落库失败时盘口已更新，错误仅返回给调用方记录。
func (s *Service) ApplySnapshot(ctx context.Context, symbol string, bids, asks []Level, ts time.Time) error {
	ob := s.Book(symbol)
	if err := ob.ApplySnapshot(bids, asks); err != nil {
		return fmt.Errorf("apply snapshot %s: %w", symbol, err)
	}
	return s.afterUpdate(ctx, ob, ts)
}

// ApplyDelta 应用增量更新。
func (s *Service) ApplyDelta(ctx context.Context, symbol string, bidDelta, askDelta map[float64]float64, ts time.Time) error {
	ob := s.Book(symbol)
	if err := ob.ApplyDelta(bidDelta, askDelta); err != nil {
		return fmt.Errorf("apply delta %s: %w", symbol, err)
	}
	return s.afterUpdate(ctx, ob, ts)
}

func (s *Service) afterUpdate(ctx context.Context, ob *OrderBook, ts time.Time) error {
	snap := ob.Snapshot(s.cfg.PublishDepth)
	if !ts.IsZero() {
		snap.Ts = ts
	}
	s.pub.PublishBook(snap)
	if s.store == nil {
		return nil
	}
	tick := Tick{Symbol: ob.Symbol(), Ts: snap.Ts}
	if len(snap.Bids) > 0 {
		tick.Bid, tick.BidQty = snap.Bids[0].Price, snap.Bids[0].Quantity
	}
	if len(snap.Asks) > 0 {
		tick.Ask, tick.AskQty = snap.Asks[0].Price, snap.Asks[0].Quantity
	}
	if err := s.store.SaveTick(ctx, tick); err != nil {
		return fmt.Errorf("save tick %s: %w", ob.Symbol(), err)
	}
	return nil
}

// OnTrade 记录成交、聚合 K 线并广播。
func (s *Service) OnTrade(ctx context.Context, t Trade) error {
	s.Book(t.Symbol).AddTrade(t)
	s.pub.PublishTrade(t)
	closed := s.aggregator(t.Symbol).OnTrade(t)
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveTrade(ctx, t); err != nil {
		return fmt.Errorf("save trade %s: %w", t.Symbol, err)
	}
	if closed != nil {
		if err := s.store.SaveCandle(ctx, *closed); err != nil {
			return fmt.Errorf("save candle %s: %w", t.Symbol, err)
		}
	}
	return nil
}

func (s *Service) aggregator(symbol string) *KlineAggregator {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.candles[symbol]
	if !ok {
		agg = NewKlineAggregator(symbol, s.cfg.CandleInterval)
		s.candles[symbol] = agg
	}
	return agg
}

// Mid 返回当前中间价；若缺失则返回 0。
func (s *Service) Mid(symbol string) float64 {
	ob, ok := s.Lookup(symbol)
	if !ok {
		return 0
	}
	return ob.Mid()
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (s *Service) Staleness(symbol string) time.Duration {
	ob, ok := s.Lookup(symbol)
	if !ok || ob.LastUpdate().IsZero() {
		return time.Hour * 24 * 365
	}
	return time.Since(ob.LastUpdate())
}
