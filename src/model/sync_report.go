package model

import "time"

// Discrepancy kinds recorded in a SyncReport.
const (
	DiscrepancyStatusCorrected = "status_corrected"
	DiscrepancyOrphanedRemote  = "orphaned_remote"
	DiscrepancyOrphanedLocal   = "orphaned_local"
	DiscrepancyParamMismatch   = "param_mismatch"
	DiscrepancyStuck           = "stuck"
)

// SyncReport is the immutable output of one reconciliation pass between the
// ledger and the exchange. One report per pass.
type SyncReport struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Trigger records what started the pass: startup, forced or watchdog.
	Trigger string    `gorm:"size:32;index" json:"trigger"`
	RanAt   time.Time `gorm:"index" json:"ran_at"`

	Matched        int `json:"matched"`
	Corrected      int `json:"corrected"`
	OrphanedRemote int `json:"orphaned_remote"`
	OrphanedLocal  int `json:"orphaned_local"`

	// IntegrityFaults counts discrepancies that could not be auto-resolved
	// and were left in ERROR for operator review.
	IntegrityFaults int `json:"integrity_faults"`

	Discrepancies []SyncDiscrepancy `gorm:"foreignKey:SyncReportID" json:"discrepancies,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for sync reports.
func (SyncReport) TableName() string {
	return "sync_reports"
}

// SyncDiscrepancy is one local/remote disagreement found during a pass,
// with the status before and after resolution.
type SyncDiscrepancy struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	SyncReportID uint `gorm:"index" json:"sync_report_id"`

	OrderRef        string `gorm:"size:64;index" json:"order_ref"`
	ExchangeOrderID string `gorm:"size:255" json:"exchange_order_id,omitempty"`

	Kind string `gorm:"size:32;not null" json:"kind"`

	LocalStatus  OrderStatus `gorm:"size:32" json:"local_status"`
	RemoteStatus OrderStatus `gorm:"size:32" json:"remote_status"`
	BeforeStatus OrderStatus `gorm:"size:32" json:"before_status"`
	AfterStatus  OrderStatus `gorm:"size:32" json:"after_status"`

	Detail string `gorm:"size:1024" json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for discrepancies.
func (SyncDiscrepancy) TableName() string {
	return "sync_discrepancies"
}
