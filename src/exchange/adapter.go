// Package exchange defines the capability contract the engine consumes to
// talk to the venue that is the sole authority on what happened to an order.
package exchange

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/shopspring/decimal"

	"ordersync/src/fault"
	"ordersync/src/model"
)

// OrderSpec is the submission request for one order intent.
type OrderSpec struct {
	OrderID   string
	Symbol    string
	Side      string
	OrderType string
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
}

// RemoteOrder is the exchange's authoritative view of one order.
type RemoteOrder struct {
	ExchangeOrderID string
	Symbol          string
	Side            string
	OrderType       string
	Quantity        decimal.Decimal
	Price           *decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          model.OrderStatus
}

// Adapter is the exchange capability. Calls are at-least-once delivered to
// the exchange but their responses may be lost; callers must tolerate
// "submitted but response never received".
type Adapter interface {
	// SubmitOrder places the order and returns the exchange-assigned id.
	SubmitOrder(ctx context.Context, spec OrderSpec) (string, error)

	// CancelOrder cancels by exchange order id.
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error

	// GetOrderStatus returns the authoritative status, or (nil, nil) when
	// the exchange has no knowledge of the order.
	GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*RemoteOrder, error)

	// ListOpenOrders returns every order the exchange still considers open.
	ListOpenOrders(ctx context.Context, symbol string) ([]RemoteOrder, error)
}

// classify wraps a transport error into the closed fault taxonomy. Network
// reachability and timeout problems are Transient; anything the venue
// actively answered with is a Rejection.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.New(fault.Transient, op, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fault.New(fault.Transient, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.New(fault.Transient, op, err)
	}

	return fault.New(fault.Rejection, op, err)
}
