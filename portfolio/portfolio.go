package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moneybot/order"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrInvalidFill   = errors.New("invalid fill")
)

const defaultHistorySize = 1000

// Position 是单个交易对的持仓视图。
type Position struct {
	Symbol        string    `json:"symbol"`
	Base          string    `json:"base"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avgPrice"`
	RealizedPnL   float64   `json:"realizedPnl"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	Fees          float64   `json:"fees"`
	LastPrice     float64   `json:"lastPrice"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type position struct {
	symbol   string
	base     string
	qty      decimal.Decimal
	avg      decimal.Decimal
	realized decimal.Decimal
	fees     decimal.Decimal
	last     decimal.Decimal
	updated  time.Time
}

func (p *position) unrealized() decimal.Decimal {
	if p.last.IsZero() || p.qty.IsZero() {
		return decimal.Zero
	}
	return p.last.Sub(p.avg).Mul(p.qty)
}

func (p *position) view() Position {
	return Position{
		Symbol:        p.symbol,
		Base:          p.base,
		Quantity:      p.qty.InexactFloat64(),
		AvgPrice:      p.avg.InexactFloat64(),
		RealizedPnL:   p.realized.InexactFloat64(),
		UnrealizedPnL: p.unrealized().InexactFloat64(),
		Fees:          p.fees.InexactFloat64(),
		LastPrice:     p.last.InexactFloat64(),
		UpdatedAt:     p.updated,
	}
}

// Option 配置 Manager。
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithStore(s SnapshotStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyCap = n
		}
	}
}

// Manager 维护各资产余额和按交易对的持仓，余额内部使用十进制精确计算。
// 以 quoteAsset 计价：余额允许为负（类保证金），不在此处拦截。
type Manager struct {
	quote  string
	logger *zap.Logger
	store  SnapshotStore
	now    func() time.Time

	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	positions map[string]*position
	bases     map[string]string // symbol -> base asset

	history    []Snapshot
	historyCap int
}

func NewManager(quoteAsset string, initialBalances map[string]float64, opts ...Option) *Manager {
	m := &Manager{
		quote:      strings.ToUpper(quoteAsset),
		logger:     zap.NewNop(),
		now:        time.Now,
		balances:   make(map[string]decimal.Decimal),
		positions:  make(map[string]*position),
		bases:      make(map[string]string),
		historyCap: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(m)
	}
	for asset, v := range initialBalances {
		m.balances[strings.ToUpper(asset)] = decimal.NewFromFloat(v)
	}
	return m
}

func (m *Manager) QuoteAsset() string { return m.quote }

// RegisterSymbol 显式声明交易对的基础资产，未注册时按计价资产后缀或分隔符推断。
func (m *Manager) RegisterSymbol(symbol, base string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bases[symbol] = strings.ToUpper(base)
}

func (m *Manager) baseOfLocked(symbol string) (string, error) {
	if b, ok := m.bases[symbol]; ok {
		return b, nil
	}
	upper := strings.ToUpper(symbol)
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(upper, sep, 2); len(parts) == 2 && parts[1] == m.quote && parts[0] != "" {
			m.bases[symbol] = parts[0]
			return parts[0], nil
		}
	}
	if strings.HasSuffix(upper, m.quote) && len(upper) > len(m.quote) {
		base := strings.TrimSuffix(upper, m.quote)
		m.bases[symbol] = base
		return base, nil
	}
	return "", fmt.Errorf("%w: %s (quote %s)", ErrUnknownSymbol, symbol, m.quote)
}

// ApplyFill 记账一笔成交，返回扣除手续费后的已实现盈亏（计价资产）。
// 同向加仓按加权平均成本；反向成交先平仓并实现盈亏，穿越零点时剩余部分以成交价开新仓。
func (m *Manager) ApplyFill(f order.Fill) (float64, error) {
	if f.Quantity <= 0 || f.Price <= 0 {
		return 0, fmt.Errorf("%w: price %.8f qty %.8f", ErrInvalidFill, f.Price, f.Quantity)
	}
	if f.Side != order.SideBuy && f.Side != order.SideSell {
		return 0, fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	base, err := m.baseOfLocked(f.Symbol)
	if err != nil {
		return 0, err
	}

	price := decimal.NewFromFloat(f.Price)
	qty := decimal.NewFromFloat(f.Quantity)
	notional := price.Mul(qty)
	signed := qty
	if f.Side == order.SideSell {
		signed = qty.Neg()
		m.balances[m.quote] = m.balances[m.quote].Add(notional)
	} else {
		m.balances[m.quote] = m.balances[m.quote].Sub(notional)
	}
	m.balances[base] = m.balances[base].Add(signed)

	fee := decimal.NewFromFloat(f.Fee)
	feeQuote, baseFee := decimal.Zero, decimal.Zero
	if !fee.IsZero() {
		feeAsset := strings.ToUpper(f.FeeAsset)
		if feeAsset == "" {
			feeAsset = m.quote
		}
		m.balances[feeAsset] = m.balances[feeAsset].Sub(fee)
		switch feeAsset {
		case m.quote:
			feeQuote = fee
		case base:
			feeQuote = fee.Mul(price)
			baseFee = fee
		}
	}

	p, ok := m.positions[f.Symbol]
	if !ok {
		p = &position{symbol: f.Symbol, base: base}
		m.positions[f.Symbol] = p
	}
	realized := decimal.Zero
	switch {
	case p.qty.IsZero() || p.qty.Sign() == signed.Sign():
		total := p.qty.Abs().Add(qty)
		p.avg = p.avg.Mul(p.qty.Abs()).Add(price.Mul(qty)).Div(total)
		p.qty = p.qty.Add(signed)
	default:
		closeQty := decimal.Min(p.qty.Abs(), qty)
		dir := decimal.NewFromInt(int64(p.qty.Sign()))
		realized = price.Sub(p.avg).Mul(closeQty).Mul(dir)
		prevSign := p.qty.Sign()
		p.qty = p.qty.Add(signed)
		switch {
		case p.qty.IsZero():
			p.avg = decimal.Zero
		case p.qty.Sign() != prevSign:
			p.avg = price
		}
	}
	// 以基础资产支付的手续费同样减少持仓，保持与余额一致
	if !baseFee.IsZero() {
		prev := p.qty
		p.qty = p.qty.Sub(baseFee)
		switch {
		case p.qty.IsZero():
			p.avg = decimal.Zero
		case prev.IsZero() || prev.Sign() != p.qty.Sign():
			p.avg = price
		}
	}
	realized = realized.Sub(feeQuote)
	p.realized = p.realized.Add(realized)
	p.fees = p.fees.Add(feeQuote)
	if p.last.IsZero() {
		p.last = price
	}
	p.updated = f.Ts
	if p.updated.IsZero() {
		p.updated = m.now()
	}
	return realized.InexactFloat64(), nil
}

// MarkPrice 更新最新价格，用于未实现盈亏与权益估值。
func (m *Manager) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		base, err := m.baseOfLocked(symbol)
		if err != nil {
			return
		}
		p = &position{symbol: symbol, base: base}
		m.positions[symbol] = p
	}
	p.last = decimal.NewFromFloat(price)
}

func (m *Manager) Balance(asset string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[strings.ToUpper(asset)].InexactFloat64()
}

func (m *Manager) Balances() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balancesLocked()
}

func (m *Manager) balancesLocked() map[string]float64 {
	res := make(map[string]float64, len(m.balances))
	for asset, v := range m.balances {
		res[asset] = v.InexactFloat64()
	}
	return res
}

// Position 返回净持仓数量，满足 risk.Exposure。
func (m *Manager) Position(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[symbol]; ok {
		return p.qty.InexactFloat64()
	}
	return 0
}

// PositionDetail 返回持仓明细。
func (m *Manager) PositionDetail(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return p.view(), true
}

// Positions 按交易对排序返回。
func (m *Manager) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positionsLocked()
}

func (m *Manager) positionsLocked() []Position {
	res := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p.view())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Symbol < res[j].Symbol })
	return res
}

// Equity = 计价资产余额 + Σ 其他资产余额 × 最新价；无价格的资产不计入。
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equityLocked().InexactFloat64()
}

func (m *Manager) equityLocked() decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	for _, p := range m.positions {
		if !p.last.IsZero() {
			prices[p.base] = p.last
		}
	}
	eq := m.balances[m.quote]
	for asset, bal := range m.balances {
		if asset == m.quote {
			continue
		}
		if px, ok := prices[asset]; ok {
			eq = eq.Add(bal.Mul(px))
		}
	}
	return eq
}

func (m *Manager) RealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realizedLocked().InexactFloat64()
}

func (m *Manager) realizedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.realized)
	}
	return total
}

func (m *Manager) UnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unrealizedLocked().InexactFloat64()
}

func (m *Manager) unrealizedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.unrealized())
	}
	return total
}

func (m *Manager) TotalPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realizedLocked().Add(m.unrealizedLocked()).InexactFloat64()
}
