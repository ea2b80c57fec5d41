// Package broker defines the broker capability consumed by the execution core
// and the concrete implementations selected at startup.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker abstracts a trading venue. Every call is network-latent and fallible.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderSnapshot, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAccount(ctx context.Context) (Account, error)
}
