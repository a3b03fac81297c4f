package model

import "time"

// ProcessHeartbeat records the last time a long-running process completed a
// cycle. One row per process, upserted in place.
type ProcessHeartbeat struct {
	// Process is "executor" or "watchdog".
	Process string    `gorm:"primaryKey;size:32" json:"process"`
	BeatAt  time.Time `json:"beat_at"`
	Detail  string    `gorm:"size:255" json:"detail,omitempty"`
}

// TableName allows you to control the exact table name for heartbeats.
func (ProcessHeartbeat) TableName() string {
	return "process_heartbeats"
}
