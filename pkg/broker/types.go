package broker

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the execution core submits.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus is the broker-side view of an order, normalized into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// ClosedUnfilled reports whether the order ended without a fill. Its client
// id may be submitted again.
func (s OrderStatus) ClosedUnfilled() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

var (
	// ErrOrderNotFound is returned when the broker has no record of an order id.
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrNoPrice is returned when no quote is available for a symbol.
	ErrNoPrice = errors.New("broker: no price available")
)

// OrderRequest captures an order intent to be sent to a broker.
type OrderRequest struct {
	Symbol     string
	Qty        decimal.Decimal
	Side       Side
	Type       OrderType
	LimitPrice decimal.NullDecimal // required for limit / stop_limit
	StopPrice  decimal.NullDecimal // required for stop / stop_limit
	// ClientID makes submission idempotent: resubmitting an id whose order
	// is still open or filled returns that order instead of a new one.
	ClientID string
}

// OrderSnapshot is the broker's authoritative state of one order.
type OrderSnapshot struct {
	BrokerOrderID  string
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
}

// Account summarizes the buying power available to the execution core.
type Account struct {
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
	PortfolioValue decimal.Decimal
}
