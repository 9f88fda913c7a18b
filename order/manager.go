package order

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrConstraint        = errors.New("order violates symbol constraints")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOverfill          = errors.New("fill exceeds order quantity")
)

// Gateway 提供基础下单/撤单抽象；模拟交易所实现该接口。
type Gateway interface {
	Place(o Order) (string, error)
	Cancel(orderID string) error
}

// Manager 维护订单状态并通过 Gateway 下发。
type Manager struct {
	gw          Gateway
	mu          sync.RWMutex
	orders      map[string]*Order
	constraints map[string]SymbolConstraints
	now         func() time.Time
}

func NewManager(gw Gateway) *Manager {
	return &Manager{
		gw:          gw,
		orders:      make(map[string]*Order),
		constraints: make(map[string]SymbolConstraints),
		now:         time.Now,
	}
}

// Submit 同步调用 Gateway 下单并登记状态。
func (m *Manager) Submit(o Order) (Order, error) {
	if o.Type == "" {
		o.Type = TypeLimit
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return Order{}, fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if o.Quantity <= 0 || (o.Type == TypeLimit && o.Price <= 0) {
		return Order{}, fmt.Errorf("%w: price %.8f qty %.8f", ErrInvalidOrder, o.Price, o.Quantity)
	}
	if err := m.validateConstraint(o); err != nil {
		return Order{}, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := m.now()
	o.Status = StatusNew
	o.FilledQty = 0
	o.CreatedAt = now
	o.UpdatedAt = now
	m.mu.Lock()
	stored := o
	m.orders[o.ID] = &stored
	m.mu.Unlock()

	if m.gw != nil {
		if _, err := m.gw.Place(o); err != nil {
			_ = m.transition(o.ID, StatusRejected, err)
			return m.mustGet(o.ID), err
		}
		// 交易所可能在 Place 返回前就推送了成交，此时状态已越过 ACK。
		if cur := m.mustGet(o.ID); cur.Status == StatusNew {
			_ = m.transition(o.ID, StatusAck, nil)
		}
	}
	return m.mustGet(o.ID), nil
}

// Update 收到回报后更新状态。
func (m *Manager) Update(id string, st Status) error {
	return m.transition(id, st, nil)
}

// Cancel 调用 Gateway 撤单并标记状态。
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	o, ok := m.orders[id]
	active := ok && IsActive(o.Status)
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownOrder
	}
	if !active {
		return nil
	}
	if m.gw != nil {
		if err := m.gw.Cancel(id); err != nil {
			return err
		}
	}
	return m.transition(id, StatusCanceled, nil)
}

// CancelAll 撤销全部活跃订单，symbol 为空表示所有交易对。返回成功撤销的数量。
func (m *Manager) CancelAll(symbol string) (int, error) {
	var errs []error
	canceled := 0
	for _, o := range m.ActiveOrders(symbol) {
		if err := m.Cancel(o.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
			continue
		}
		canceled++
	}
	return canceled, errors.Join(errs...)
}

// ApplyFill 累加成交数量并推进状态到 PARTIAL/FILLED。
func (m *Manager) ApplyFill(f Fill) (Order, error) {
	if f.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: fill qty %.8f", ErrInvalidOrder, f.Quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[f.OrderID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if !IsActive(o.Status) {
		return *o, fmt.Errorf("%w: %s -> fill on %s order", ErrIllegalTransition, o.Status, o.ID)
	}
	filled := o.FilledQty + f.Quantity
	if filled > o.Quantity*(1+1e-9) {
		return *o, fmt.Errorf("%w: %.8f > %.8f", ErrOverfill, filled, o.Quantity)
	}
	next := StatusPartial
	if filled >= o.Quantity*(1-1e-9) {
		next = StatusFilled
		filled = o.Quantity
	}
	if err := ValidateTransition(o.Status, next); err != nil {
		return *o, err
	}
	o.AvgPrice = (o.AvgPrice*o.FilledQty + f.Price*f.Quantity) / (o.FilledQty + f.Quantity)
	o.FilledQty = filled
	o.Status = next
	o.UpdatedAt = m.now()
	return *o, nil
}

// Get 返回订单拷贝。
func (m *Manager) Get(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Status 返回订单当前状态，如不存在则第二个返回值为 false。
func (m *Manager) Status(id string) (Status, bool) {
	o, ok := m.Get(id)
	return o.Status, ok
}

// ActiveOrders 返回活跃订单（按创建时间排序），symbol 为空表示全部。
func (m *Manager) ActiveOrders(symbol string) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !IsActive(o.Status) {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}

// PruneFinal 删除更新时间早于 before 的终态订单，返回删除数量。
func (m *Manager) PruneFinal(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.orders {
		if IsFinal(o.Status) && o.UpdatedAt.Before(before) {
			delete(m.orders, id)
			n++
		}
	}
	return n
}

func (m *Manager) mustGet(id string) Order {
	o, _ := m.Get(id)
	return o
}

func (m *Manager) transition(id string, st Status, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrUnknownOrder
	}
	if err := ValidateTransition(o.Status, st); err != nil {
		return err
	}
	o.Status = st
	o.UpdatedAt = m.now()
	if cause != nil {
		o.LastError = cause.Error()
	}
	return nil
}

// SetConstraints 设置各交易对的精度/名义限制。
func (m *Manager) SetConstraints(c map[string]SymbolConstraints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = make(map[string]SymbolConstraints, len(c))
	for sym, sc := range c {
		m.constraints[sym] = sc
	}
}

// Constraints 返回交易对限制。
func (m *Manager) Constraints(symbol string) (SymbolConstraints, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.constraints[symbol]
	return c, ok
}

func (m *Manager) validateConstraint(o Order) error {
	c, ok := m.Constraints(o.Symbol)
	if !ok {
		return nil
	}
	if o.Type == TypeMarket {
		// 市价单没有价格，名义金额无法校验
		c.MinNotional = 0
		return c.Validate(0, o.Quantity)
	}
	return c.Validate(o.Price, o.Quantity)
}
