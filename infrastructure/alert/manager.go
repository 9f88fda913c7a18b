package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level                  `json:"level"`
	Kind      string                 `json:"kind"` // halt / circuit / drawdown_reduce ...
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// key 限流维度：同一类事件在同一交易对上只报一次。
func (a Alert) key() string {
	return fmt.Sprintf("%s:%s:%s", a.Level, a.Kind, a.Symbol)
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器；interval<=0 表示不限流。
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查 key 在 now 时刻是否允许发送
func (t *Throttler) Allow(key string, now time.Time) bool {
	if t.interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSent[key]
	if ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Manager 告警管理器：限流后扇出到各通道，并保留最近的告警供查询。
type Manager struct {
	channels []Channel
	throttle *Throttler
	history  int

	mu         sync.RWMutex
	recent     []Alert
	suppressed int64
}

// NewManager 创建告警管理器；history 为保留的最近告警条数。
func NewManager(channels []Channel, throttleInterval time.Duration, history int) *Manager {
	if history <= 0 {
		history = 100
	}
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
		history:  history,
	}
}

// Send 发送告警。被限流时返回 false, nil；
// 仅当所有通道都失败时返回错误。
func (m *Manager) Send(a Alert) (bool, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if !m.throttle.Allow(a.key(), a.Timestamp) {
		m.mu.Lock()
		m.suppressed++
		m.mu.Unlock()
		return false, nil
	}

	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > m.history {
		m.recent = m.recent[len(m.recent)-m.history:]
	}
	channels := m.channels
	m.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Send(a); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	if len(channels) > 0 && len(errs) == len(channels) {
		return true, errors.Join(errs...)
	}
	return true, nil
}

// Warn 发送 WARNING 级别告警
func (m *Manager) Warn(kind, symbol, message string, fields map[string]interface{}) error {
	_, err := m.Send(Alert{Level: LevelWarning, Kind: kind, Symbol: symbol, Message: message, Fields: fields})
	return err
}

// Critical 发送 CRITICAL 级别告警
func (m *Manager) Critical(kind, symbol, message string, fields map[string]interface{}) error {
	_, err := m.Send(Alert{Level: LevelCritical, Kind: kind, Symbol: symbol, Message: message, Fields: fields})
	return err
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Channels 返回通道名称
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Recent 返回最近的告警，新的在前；limit<=0 返回全部。
func (m *Manager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// Suppressed 被限流丢弃的告警数
func (m *Manager) Suppressed() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suppressed
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
