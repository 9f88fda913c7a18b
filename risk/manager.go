package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits 是 Manager 的阈值配置，0 表示不限制。
type Limits struct {
	MaxOrderSize       float64 `yaml:"maxOrderSize" json:"maxOrderSize"`
	MaxOrderValue      float64 `yaml:"maxOrderValue" json:"maxOrderValue"`
	MaxPositionSize    float64 `yaml:"maxPositionSize" json:"maxPositionSize"`
	MaxDailyLoss       float64 `yaml:"maxDailyLoss" json:"maxDailyLoss"`
	MaxDrawdown        float64 `yaml:"maxDrawdown" json:"maxDrawdown"` // 相对峰值权益的比例，如 0.1
	MaxOrdersPerSecond float64 `yaml:"maxOrdersPerSecond" json:"maxOrdersPerSecond"`
	OrderBurst         int     `yaml:"orderBurst" json:"orderBurst"`
}

// Status 是风控当前状态的只读视图。
type Status struct {
	TradingEnabled bool             `json:"tradingEnabled"`
	HaltReason     string           `json:"haltReason,omitempty"`
	DailyPnL       float64          `json:"dailyPnl"`
	Day            time.Time        `json:"day"`
	Equity         float64          `json:"equity"`
	PeakEquity     float64          `json:"peakEquity"`
	Drawdown       float64          `json:"drawdown"`
	MaxDrawdown    float64          `json:"maxDrawdown"`
	Rejections     map[string]int64 `json:"rejections"`
	Limits         Limits           `json:"limits"`
}

type haltKind int

const (
	haltNone haltKind = iota
	haltManual
	haltDailyLoss
	haltDrawdown
)

// Option 配置 Manager。
type Option func(*Manager)

// WithClock 注入时钟，测试用。
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager 负责下单前的阈值检查，并跟踪日内盈亏与权益回撤。
type Manager struct {
	mu       sync.RWMutex
	limits   Limits
	exposure Exposure
	clock    Clock
	limiter  *rate.Limiter

	halt       haltKind
	haltReason string

	day        time.Time
	dailyPnL   float64
	equity     float64
	peakEquity float64
	drawdown   float64
	maxDD      float64

	rejections map[string]int64
	onHalt     []func(reason string)
}

func NewManager(limits Limits, exposure Exposure, opts ...Option) *Manager {
	m := &Manager{
		exposure:   exposure,
		clock:      NowUTC,
		rejections: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.day = utcDay(m.clock.Now())
	m.setLimitsLocked(limits)
	return m
}

func (m *Manager) setLimitsLocked(l Limits) {
	m.limits = l
	if l.MaxOrdersPerSecond <= 0 {
		m.limiter = nil
		return
	}
	burst := l.OrderBurst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(l.MaxOrdersPerSecond)))
	}
	m.limiter = rate.NewLimiter(rate.Limit(l.MaxOrdersPerSecond), burst)
}

// SetLimits 热更新阈值并重建限速器。
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLimitsLocked(l)
}

func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// OnHalt 注册停止交易回调，回调在锁外执行。
func (m *Manager) OnHalt(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHalt = append(m.onHalt, fn)
}

// PreOrder 使 Manager 可以作为 Guard 组合。
func (m *Manager) PreOrder(req OrderRequest) error {
	return m.CheckOrder(req)
}

// CheckOrder 按顺序检查：停机、单笔数量、单笔价值、持仓、日亏损、回撤、频率。
// 限速是最后一项，被前面规则拒绝的订单不消耗令牌。
func (m *Manager) CheckOrder(req OrderRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	err := m.checkLocked(req)
	if err != nil {
		m.rejections[RejectReason(err)]++
	}
	return err
}

func (m *Manager) checkLocked(req OrderRequest) error {
	l := m.limits
	if m.halt != haltNone {
		return fmt.Errorf("%w: %s", ErrTradingHalted, m.haltReason)
	}
	if l.MaxOrderSize > 0 && req.Quantity > l.MaxOrderSize {
		return fmt.Errorf("%w: %.8f > %.8f", ErrOrderSizeExceeded, req.Quantity, l.MaxOrderSize)
	}
	if l.MaxOrderValue > 0 && req.Notional() > l.MaxOrderValue {
		return fmt.Errorf("%w: %.2f > %.2f", ErrOrderValueExceeded, req.Notional(), l.MaxOrderValue)
	}
	if l.MaxPositionSize > 0 && m.exposure != nil {
		cur := m.exposure.Position(req.Symbol)
		next := cur + req.SignedQty()
		// 减仓单始终放行
		if abs(next) > l.MaxPositionSize && abs(next) > abs(cur) {
			return fmt.Errorf("%w: %s %.8f > %.8f", ErrPositionLimitExceeded, req.Symbol, abs(next), l.MaxPositionSize)
		}
	}
	if l.MaxDailyLoss > 0 && m.dailyPnL <= -l.MaxDailyLoss {
		return fmt.Errorf("%w: %.2f <= -%.2f", ErrDailyLossExceeded, m.dailyPnL, l.MaxDailyLoss)
	}
	if l.MaxDrawdown > 0 && m.drawdown >= l.MaxDrawdown {
		return fmt.Errorf("%w: %.4f >= %.4f", ErrDrawdownExceeded, m.drawdown, l.MaxDrawdown)
	}
	if m.limiter != nil && !m.limiter.AllowN(m.clock.Now(), 1) {
		return fmt.Errorf("%w: %.2f/s burst %d", ErrRateLimited, l.MaxOrdersPerSecond, m.limiter.Burst())
	}
	return nil
}

// RecordRealized 累加已实现盈亏，日亏损触线时停止交易。
func (m *Manager) RecordRealized(pnl float64) {
	m.mu.Lock()
	m.rollDayLocked()
	m.dailyPnL += pnl
	var fire []func(string)
	reason := ""
	if m.limits.MaxDailyLoss > 0 && m.dailyPnL <= -m.limits.MaxDailyLoss && m.halt == haltNone {
		reason = fmt.Sprintf("daily loss %.2f reached limit %.2f", -m.dailyPnL, m.limits.MaxDailyLoss)
		fire = m.haltLocked(haltDailyLoss, reason)
	}
	m.mu.Unlock()
	notify(fire, reason)
}

// UpdateEquity 更新权益、峰值与回撤（相对峰值的比例），回撤触线时停止交易。
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	m.equity = equity
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	if m.peakEquity > 0 {
		m.drawdown = math.Max(0, (m.peakEquity-equity)/m.peakEquity)
	}
	if m.drawdown > m.maxDD {
		m.maxDD = m.drawdown
	}
	var fire []func(string)
	reason := ""
	if m.limits.MaxDrawdown > 0 && m.drawdown >= m.limits.MaxDrawdown && m.halt == haltNone {
		reason = fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", m.drawdown*100, m.limits.MaxDrawdown*100)
		fire = m.haltLocked(haltDrawdown, reason)
	}
	m.mu.Unlock()
	notify(fire, reason)
}

// Halt 手动停止交易。
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	if m.halt != haltNone {
		m.mu.Unlock()
		return
	}
	if reason == "" {
		reason = "manual halt"
	}
	fire := m.haltLocked(haltManual, reason)
	m.mu.Unlock()
	notify(fire, reason)
}

// Resume 恢复交易；回撤基准重置为当前权益，避免立即再次触发。
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halt = haltNone
	m.haltReason = ""
	if m.equity > 0 {
		m.peakEquity = m.equity
		m.drawdown = 0
	}
}

func (m *Manager) TradingEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.halt == haltNone
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	rej := make(map[string]int64, len(m.rejections))
	for k, v := range m.rejections {
		rej[k] = v
	}
	return Status{
		TradingEnabled: m.halt == haltNone,
		HaltReason:     m.haltReason,
		DailyPnL:       m.dailyPnL,
		Day:            m.day,
		Equity:         m.equity,
		PeakEquity:     m.peakEquity,
		Drawdown:       m.drawdown,
		MaxDrawdown:    m.maxDD,
		Rejections:     rej,
		Limits:         m.limits,
	}
}

func (m *Manager) haltLocked(kind haltKind, reason string) []func(string) {
	m.halt = kind
	m.haltReason = reason
	fns := make([]func(string), len(m.onHalt))
	copy(fns, m.onHalt)
	return fns
}

// rollDayLocked 在 UTC 日期变化时清零日内盈亏；由日亏损触发的停机随之解除。
func (m *Manager) rollDayLocked() {
	today := utcDay(m.clock.Now())
	if !today.After(m.day) {
		return
	}
	m.day = today
	m.dailyPnL = 0
	if m.halt == haltDailyLoss {
		m.halt = haltNone
		m.haltReason = ""
	}
}

func notify(fns []func(string), reason string) {
	for _, fn := range fns {
		fn(reason)
	}
}
