package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order in the ledger.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusStuck           OrderStatus = "STUCK"
	OrderStatusError           OrderStatus = "ERROR"
)

const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Terminal reports whether the status is final. Terminal orders are immutable.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusError:
		return true
	}
	return false
}

// RequiresExchangeOrderID reports whether an order in this status must carry
// the identifier assigned by the exchange.
func (s OrderStatus) RequiresExchangeOrderID() bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled:
		return true
	}
	return false
}

// transitions is the directed order state machine. Forward edges only, no
// resurrecting a terminal order.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusRejected},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusStuck},
	OrderStatusPartiallyFilled: {OrderStatusFilled},
	OrderStatusStuck:           {OrderStatusCancelled, OrderStatusFilled},
}

// CanTransition reports whether from -> to is a legal edge of the state
// machine. Every non-terminal status may move to ERROR on an unrecoverable
// fault.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == OrderStatusError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the current-state ledger record for a single trade order.
// History lives in OrderLog, one append per transition.
type Order struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// OrderID is the locally generated identity used for idempotency.
	// It never changes once assigned.
	OrderID string `gorm:"size:64;uniqueIndex;not null" json:"order_id"`

	// ExchangeOrderID is assigned by the exchange once the order is
	// accepted. Empty until submission succeeds.
	ExchangeOrderID string `gorm:"size:255;index" json:"exchange_order_id,omitempty"`

	Symbol    string           `gorm:"size:100;index;not null" json:"symbol"`
	Side      string           `gorm:"size:10;not null" json:"side"`
	OrderType string           `gorm:"size:20;not null" json:"order_type"`
	Quantity  decimal.Decimal  `gorm:"type:numeric" json:"quantity"`
	Price     *decimal.Decimal `gorm:"type:numeric" json:"price,omitempty"`

	// FilledQuantity is the last observed cumulative fill from the exchange.
	FilledQuantity decimal.Decimal `gorm:"type:numeric" json:"filled_quantity"`

	// DedupToken is the caller-supplied token forming the natural key
	// (symbol, side, token) that guards against duplicate submissions.
	DedupToken string `gorm:"size:128;index" json:"dedup_token,omitempty"`

	Status OrderStatus `gorm:"size:32;not null;default:PENDING;index" json:"status"`

	RetryCount int     `json:"retry_count"`
	LastError  *string `gorm:"size:1024" json:"last_error,omitempty"`

	// ReviewRequired marks orders inserted by reconciliation with
	// best-effort reconstructed fields (orphaned remote).
	ReviewRequired bool `json:"review_required"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// One-to-many relation: one order can have many audit log entries.
	Logs []OrderLog `gorm:"foreignKey:OrderRef;references:OrderID" json:"order_logs,omitempty"`
}

// TableName allows you to control the exact table name for orders.
func (Order) TableName() string {
	return "orders"
}

// ArchivedOrder is a terminal order moved out of the live ledger by the
// retention policy.
type ArchivedOrder struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	OrderID         string           `gorm:"size:64;uniqueIndex;not null" json:"order_id"`
	ExchangeOrderID string           `gorm:"size:255;index" json:"exchange_order_id,omitempty"`
	Symbol          string           `gorm:"size:100;index" json:"symbol"`
	Side            string           `gorm:"size:10" json:"side"`
	OrderType       string           `gorm:"size:20" json:"order_type"`
	Quantity        decimal.Decimal  `gorm:"type:numeric" json:"quantity"`
	Price           *decimal.Decimal `gorm:"type:numeric" json:"price,omitempty"`
	FilledQuantity  decimal.Decimal  `gorm:"type:numeric" json:"filled_quantity"`
	Status          OrderStatus      `gorm:"size:32" json:"status"`
	LastError       *string          `gorm:"size:1024" json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ArchivedAt      time.Time        `json:"archived_at"`
}

// TableName allows you to control the exact table name for archived orders.
func (ArchivedOrder) TableName() string {
	return "orders_archive"
}
