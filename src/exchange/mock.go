package exchange

import (
	"context"
	"strconv"
	"sync"

	"ordersync/src/fault"
	"ordersync/src/model"
)

// MockAdapter is an in-memory Adapter for tests. Error injection fields let
// scenarios script lost responses, rejections and vanished orders.
type MockAdapter struct {
	mu sync.Mutex

	// orders is the exchange-side book, keyed by exchange order id.
	orders map[string]RemoteOrder

	// nextID assigns exchange order ids E1, E2, ...
	nextID int

	SubmitErr error
	CancelErr error
	StatusErr error
	ListErr   error

	// SubmitCalls counts SubmitOrder invocations, including failed ones.
	SubmitCalls int
	CancelCalls int
}

// NewMockAdapter creates an empty mock exchange.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{orders: make(map[string]RemoteOrder)}
}

func (m *MockAdapter) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubmitCalls++
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}

	m.nextID++
	id := "E" + strconv.Itoa(m.nextID)
	m.orders[id] = RemoteOrder{
		ExchangeOrderID: id,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		OrderType:       spec.OrderType,
		Quantity:        spec.Quantity,
		Price:           spec.Price,
		Status:          model.OrderStatusSubmitted,
	}
	return id, nil
}

func (m *MockAdapter) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	if m.CancelErr != nil {
		return m.CancelErr
	}

	ord, ok := m.orders[exchangeOrderID]
	if !ok {
		return fault.Errorf(fault.Rejection, "mock.CancelOrder", "order %s unknown", exchangeOrderID)
	}
	if ord.Status.Terminal() {
		return fault.Errorf(fault.Rejection, "mock.CancelOrder", "order %s already %s", exchangeOrderID, ord.Status)
	}

	ord.Status = model.OrderStatusCancelled
	m.orders[exchangeOrderID] = ord
	return nil
}

func (m *MockAdapter) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*RemoteOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatusErr != nil {
		return nil, m.StatusErr
	}

	ord, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil, nil
	}
	return &ord, nil
}

func (m *MockAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]RemoteOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	var open []RemoteOrder
	for _, ord := range m.orders {
		if !ord.Status.Terminal() {
			open = append(open, ord)
		}
	}
	return open, nil
}

// SetRemoteStatus scripts the exchange-side status of an order.
func (m *MockAdapter) SetRemoteStatus(exchangeOrderID string, status model.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord := m.orders[exchangeOrderID]
	ord.ExchangeOrderID = exchangeOrderID
	ord.Status = status
	m.orders[exchangeOrderID] = ord
}

// SeedRemote places an order on the exchange side that the ledger does not
// know about.
func (m *MockAdapter) SeedRemote(ord RemoteOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[ord.ExchangeOrderID] = ord
}

// DropRemote removes all exchange-side knowledge of the order.
func (m *MockAdapter) DropRemote(exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, exchangeOrderID)
}

