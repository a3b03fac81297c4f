package model

import "time"

// WatchdogAction is the command carried by a request over the inter-process
// channel.
type WatchdogAction string

const (
	WatchdogActionCancelOrder WatchdogAction = "CANCEL_ORDER"
	WatchdogActionForceSync   WatchdogAction = "FORCE_SYNC"
	WatchdogActionQueryStatus WatchdogAction = "QUERY_STATUS"
)

// WatchdogResult is the outcome reported back for a request.
type WatchdogResult string

const (
	WatchdogResultOK      WatchdogResult = "OK"
	WatchdogResultFailed  WatchdogResult = "FAILED"
	WatchdogResultUnknown WatchdogResult = "UNKNOWN"
)

// WatchdogRequest is one durable queue record on the request side of the
// inter-process channel. A row becomes visible to consumers as a whole or
// not at all.
type WatchdogRequest struct {
	ID uint `gorm:"primaryKey" json:"id"`

	RequestID string         `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	Action    WatchdogAction `gorm:"size:32;not null" json:"action"`

	// OrderRef targets a specific order. Empty for FORCE_SYNC.
	OrderRef string `gorm:"size:64;index" json:"order_ref,omitempty"`

	IssuedBy string    `gorm:"size:64" json:"issued_by"`
	IssuedAt time.Time `json:"issued_at"`

	// ConsumedAt is set after the consumer finished handling the request.
	// Delivery is at-least-once: a consumer crash before setting it means
	// redelivery, which is safe because corrective actions are idempotent.
	ConsumedAt *time.Time `gorm:"index" json:"consumed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for requests.
func (WatchdogRequest) TableName() string {
	return "watchdog_requests"
}

// WatchdogResponse is one durable queue record on the response side,
// correlated to its request strictly by RequestID.
type WatchdogResponse struct {
	ID uint `gorm:"primaryKey" json:"id"`

	RequestID string         `gorm:"size:64;index;not null" json:"request_id"`
	Result    WatchdogResult `gorm:"size:16;not null" json:"result"`
	Detail    string         `gorm:"size:1024" json:"detail,omitempty"`

	RespondedBy string    `gorm:"size:64" json:"responded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for responses.
func (WatchdogResponse) TableName() string {
	return "watchdog_responses"
}
