package risk

// OrderRequest 是风控视角下的一笔待下单请求。
type OrderRequest struct {
	Symbol   string
	Side     string // BUY/SELL
	Price    float64
	Quantity float64
}

// SignedQty 买为正、卖为负。
func (r OrderRequest) SignedQty() float64 {
	if r.Side == "SELL" {
		return -r.Quantity
	}
	return r.Quantity
}

// Notional 返回名义价值。
func (r OrderRequest) Notional() float64 {
	return r.Price * r.Quantity
}

// Guard 是通用接口，Manager、限量、频率、价差检查都实现它。
type Guard interface {
	PreOrder(req OrderRequest) error
}

// GuardFunc 允许用普通函数实现 Guard。
type GuardFunc func(req OrderRequest) error

func (f GuardFunc) PreOrder(req OrderRequest) error { return f(req) }

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreOrder(req OrderRequest) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreOrder(req); err != nil {
			return err
		}
	}
	return nil
}
