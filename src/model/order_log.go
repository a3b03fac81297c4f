package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLog stores the append-only audit trail of order transitions. One row
// per transition, never updated, so operators can reconstruct history even
// though the orders table only holds current state.
type OrderLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// OrderRef is the local order identity (orders.order_id).
	OrderRef string `gorm:"size:64;index;not null" json:"order_ref"`

	// Snapshot of the order at the moment of this log entry
	Symbol          string           `gorm:"size:100" json:"symbol"`
	Side            string           `gorm:"size:10" json:"side"`
	OrderType       string           `gorm:"size:20" json:"order_type"`
	Quantity        decimal.Decimal  `gorm:"type:numeric" json:"quantity"`
	Price           *decimal.Decimal `gorm:"type:numeric" json:"price,omitempty"`
	FilledQuantity  decimal.Decimal  `gorm:"type:numeric" json:"filled_quantity"`
	ExchangeOrderID string           `gorm:"size:255" json:"exchange_order_id,omitempty"`

	FromStatus OrderStatus `gorm:"size:32" json:"from_status"`
	ToStatus   OrderStatus `gorm:"size:32;not null" json:"to_status"`

	// Reason is a human-readable explanation of the transition
	// (e.g. "submission accepted", "remote reported FILLED").
	Reason string `gorm:"size:255" json:"reason"`

	// Actor is the component that drove the transition
	// (executor, watchdog, syncengine).
	Actor string `gorm:"size:32" json:"actor"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for order logs.
func (OrderLog) TableName() string {
	return "order_logs"
}
