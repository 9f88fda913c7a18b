package order

import "time"

// Status represents order lifecycle.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusAck      Status = "ACK"
	StatusPartial  Status = "PARTIAL"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"
)

// Order holds a simplified order view.
type Order struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY/SELL
	Type      string    `json:"type"` // LIMIT/MARKET
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	FilledQty float64   `json:"filledQty"`
	AvgPrice  float64   `json:"avgPrice"`
	Status    Status    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Remaining 返回未成交数量。
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// SignedQty 买为正、卖为负。
func (o Order) SignedQty() float64 {
	if o.Side == SideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Fill 成交回报，由交易所（或模拟交易所）推送。
type Fill struct {
	OrderID  string    `json:"orderId"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Fee      float64   `json:"fee"`
	FeeAsset string    `json:"feeAsset,omitempty"`
	Ts       time.Time `json:"ts"`
}

// SignedQty 买为正、卖为负。
func (f Fill) SignedQty() float64 {
	if f.Side == SideSell {
		return -f.Quantity
	}
	return f.Quantity
}
