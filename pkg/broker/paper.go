package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Paper simulates a broker in memory. Market orders fill immediately at the
// last set price; resting stop and limit orders fill when the price crosses
// their trigger, evaluated lazily on status queries.
type Paper struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	orders    map[string]*paperOrder
	byClient  map[string]string
	cash      decimal.Decimal
	positions map[string]decimal.Decimal // signed quantity per symbol
}

type paperOrder struct {
	req      OrderRequest
	status   OrderStatus
	filled   decimal.Decimal
	avgPrice decimal.Decimal
}

// NewPaper creates a paper broker funded with cash.
func NewPaper(cash decimal.Decimal) *Paper {
	return &Paper{
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]string),
		cash:      cash,
		positions: make(map[string]decimal.Decimal),
	}
}

// SetPrice sets the simulated last trade price for a symbol.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !req.Qty.IsPositive() {
		return "", fmt.Errorf("paper: quantity must be positive, got %s", req.Qty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[req.ClientID]; ok && !p.orders[id].status.ClosedUnfilled() {
		return id, nil
	}

	price, ok := p.prices[req.Symbol]
	if !ok {
		return "", fmt.Errorf("paper: %w for %s", ErrNoPrice, req.Symbol)
	}

	switch req.Type {
	case OrderTypeLimit:
		if !req.LimitPrice.Valid {
			return "", fmt.Errorf("paper: limit order requires limit price")
		}
	case OrderTypeStop:
		if !req.StopPrice.Valid {
			return "", fmt.Errorf("paper: stop order requires stop price")
		}
	case OrderTypeStopLimit:
		if !req.StopPrice.Valid || !req.LimitPrice.Valid {
			return "", fmt.Errorf("paper: stop_limit order requires stop and limit prices")
		}
	}

	if req.Type == OrderTypeMarket && req.Side == SideBuy {
		need := req.Qty.Mul(price)
		if need.GreaterThan(p.cash) {
			return "", fmt.Errorf("paper: insufficient buying power: need %s, have %s", need.StringFixed(2), p.cash.StringFixed(2))
		}
	}

	id := "paper-" + uuid.NewString()
	o := &paperOrder{req: req, status: StatusAccepted}
	p.orders[id] = o
	if req.ClientID != "" {
		p.byClient[req.ClientID] = id
	}
	if req.Type == OrderTypeMarket {
		p.fill(o, price)
	}
	return id, nil
}

func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	switch o.status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return fmt.Errorf("paper: order %s already %s", brokerOrderID, o.status)
	}
	o.status = StatusCanceled
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return OrderSnapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderSnapshot{}, ErrOrderNotFound
	}
	if o.status == StatusAccepted {
		if price, ok := p.prices[o.req.Symbol]; ok && triggered(o.req, price) {
			p.fill(o, price)
		}
	}
	return OrderSnapshot{
		BrokerOrderID:  brokerOrderID,
		Status:         o.status,
		FilledQty:      o.filled,
		FilledAvgPrice: o.avgPrice,
	}, nil
}

func (p *Paper) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper: %w for %s", ErrNoPrice, symbol)
	}
	return price, nil
}

func (p *Paper) GetAccount(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.cash
	for sym, qty := range p.positions {
		if price, ok := p.prices[sym]; ok {
			value = value.Add(qty.Mul(price))
		}
	}
	return Account{Cash: p.cash, BuyingPower: p.cash, PortfolioValue: value}, nil
}

// fill must be called with p.mu held.
func (p *Paper) fill(o *paperOrder, price decimal.Decimal) {
	fillPrice := price
	if o.req.Type == OrderTypeLimit && o.req.LimitPrice.Valid {
		fillPrice = o.req.LimitPrice.Decimal
	}
	notional := o.req.Qty.Mul(fillPrice)
	if o.req.Side == SideBuy {
		p.cash = p.cash.Sub(notional)
		p.positions[o.req.Symbol] = p.positions[o.req.Symbol].Add(o.req.Qty)
	} else {
		p.cash = p.cash.Add(notional)
		p.positions[o.req.Symbol] = p.positions[o.req.Symbol].Sub(o.req.Qty)
	}
	o.status = StatusFilled
	o.filled = o.req.Qty
	o.avgPrice = fillPrice
}

func triggered(req OrderRequest, price decimal.Decimal) bool {
	switch req.Type {
	case OrderTypeLimit:
		if req.Side == SideBuy {
			return price.LessThanOrEqual(req.LimitPrice.Decimal)
		}
		return price.GreaterThanOrEqual(req.LimitPrice.Decimal)
	case OrderTypeStop, OrderTypeStopLimit:
		if req.Side == SideBuy {
			return price.GreaterThanOrEqual(req.StopPrice.Decimal)
		}
		return price.LessThanOrEqual(req.StopPrice.Decimal)
	}
	return false
}
