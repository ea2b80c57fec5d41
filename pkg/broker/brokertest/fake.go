// Package brokertest provides a scriptable broker for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"execution-core/pkg/broker"
)

// ErrInjected is the default error returned by scripted failures.
var ErrInjected = errors.New("brokertest: injected failure")

// Fake is an in-memory broker whose responses are set by the test.
type Fake struct {
	mu sync.Mutex

	Prices   map[string]decimal.Decimal
	Account  broker.Account
	Statuses map[string]broker.OrderSnapshot

	// SubmitErrs are consumed one per SubmitOrder call; a nil entry succeeds.
	SubmitErrs []error
	// FailSubmitFor makes every submission of the given client id fail.
	FailSubmitFor map[string]bool
	CancelErr     error
	StatusErr     error
	PriceErr      error
	AccountErr    error

	Submitted []broker.OrderRequest
	Canceled  []string
	seq       int
	byClient  map[string]string
}

// New returns a fake with a funded account.
func New() *Fake {
	return &Fake{
		Prices:        make(map[string]decimal.Decimal),
		Statuses:      make(map[string]broker.OrderSnapshot),
		FailSubmitFor: make(map[string]bool),
		byClient:      make(map[string]string),
		Account: broker.Account{
			Cash:           decimal.NewFromInt(100000),
			BuyingPower:    decimal.NewFromInt(100000),
			PortfolioValue: decimal.NewFromInt(100000),
		},
	}
}

// SetPrice sets the latest price for a symbol.
func (f *Fake) SetPrice(symbol string, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prices[symbol] = decimal.RequireFromString(price)
}

// SetStatus scripts the snapshot returned for a broker order id.
func (f *Fake) SetStatus(brokerOrderID string, status broker.OrderStatus, filledQty, avgPrice string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := broker.OrderSnapshot{BrokerOrderID: brokerOrderID, Status: status}
	if filledQty != "" {
		snap.FilledQty = decimal.RequireFromString(filledQty)
	}
	if avgPrice != "" {
		snap.FilledAvgPrice = decimal.RequireFromString(avgPrice)
	}
	f.Statuses[brokerOrderID] = snap
}

// SubmitCount returns the number of SubmitOrder calls seen.
func (f *Fake) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submitted)
}

// CanceledIDs returns a copy of the canceled broker ids.
func (f *Fake) CanceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Canceled...)
}

func (f *Fake) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submitted = append(f.Submitted, req)

	if f.FailSubmitFor[req.ClientID] {
		return "", ErrInjected
	}
	if id, ok := f.byClient[req.ClientID]; ok && !f.Statuses[id].Status.ClosedUnfilled() {
		return id, nil
	}
	if len(f.SubmitErrs) > 0 {
		err := f.SubmitErrs[0]
		f.SubmitErrs = f.SubmitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.seq++
	id := fmt.Sprintf("B-%d", f.seq)
	f.Statuses[id] = broker.OrderSnapshot{BrokerOrderID: id, Status: broker.StatusAccepted}
	if req.ClientID != "" {
		f.byClient[req.ClientID] = id
	}
	return id, nil
}

func (f *Fake) CancelOrder(ctx context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Canceled = append(f.Canceled, brokerOrderID)
	snap := f.Statuses[brokerOrderID]
	snap.BrokerOrderID = brokerOrderID
	snap.Status = broker.StatusCanceled
	f.Statuses[brokerOrderID] = snap
	return nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, brokerOrderID string) (broker.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return broker.OrderSnapshot{}, f.StatusErr
	}
	snap, ok := f.Statuses[brokerOrderID]
	if !ok {
		return broker.OrderSnapshot{}, broker.ErrOrderNotFound
	}
	return snap, nil
}

func (f *Fake) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PriceErr != nil {
		return decimal.Zero, f.PriceErr
	}
	p, ok := f.Prices[symbol]
	if !ok {
		return decimal.Zero, broker.ErrNoPrice
	}
	return p, nil
}

func (f *Fake) GetAccount(ctx context.Context) (broker.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AccountErr != nil {
		return broker.Account{}, f.AccountErr
	}
	return f.Account, nil
}
