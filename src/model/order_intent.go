package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent lifecycle within the executor batch loop.
const (
	IntentStatusNew       = "new"
	IntentStatusProcessed = "processed"
	IntentStatusFailed    = "failed"
)

// OrderIntent is a request to buy/sell written by the signal side, prior to
// exchange acceptance. The executor drains new intents each batch and turns
// them into ledger orders.
type OrderIntent struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Symbol    string           `gorm:"size:100;index;not null" json:"symbol"`
	Side      string           `gorm:"size:10;not null" json:"side"`
	OrderType string           `gorm:"size:20;not null" json:"order_type"`
	Quantity  decimal.Decimal  `gorm:"type:numeric" json:"quantity"`
	Price     *decimal.Decimal `gorm:"type:numeric" json:"price,omitempty"`

	// DedupToken carries through to the order and keys idempotent
	// submission. The signal side must reuse the same token when it
	// re-emits an intent after a crash.
	DedupToken string `gorm:"size:128;index;not null" json:"dedup_token"`

	Status string `gorm:"size:20;not null;default:new;index" json:"status"`

	// OrderRef is set once the intent produced (or matched) a ledger order.
	OrderRef string `gorm:"size:64;index" json:"order_ref,omitempty"`

	Detail string `gorm:"size:1024" json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName allows you to control the exact table name for intents.
func (OrderIntent) TableName() string {
	return "order_intents"
}
