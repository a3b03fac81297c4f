package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ordersync/src/database"
	"ordersync/src/model"
)

// HeartbeatRepository upserts per-process liveness records.
type HeartbeatRepository struct {
	db *gorm.DB
}

// NewHeartbeatRepository creates a new repository instance using the main
// read/write database.
func NewHeartbeatRepository() *HeartbeatRepository {
	return &HeartbeatRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *HeartbeatRepository) WithDB(db *gorm.DB) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

// Beat upserts the heartbeat row for the given process.
func (r *HeartbeatRepository) Beat(ctx context.Context, process, detail string) error {
	hb := model.ProcessHeartbeat{
		Process: process,
		BeatAt:  time.Now().UTC(),
		Detail:  detail,
	}

	// Upsert: on conflict on (process) do update
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "process"}},
		DoUpdates: clause.AssignmentColumns([]string{"beat_at", "detail"}),
	}).Create(&hb).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "HeartbeatRepository",
			"op":      "Beat",
			"process": process,
		}).WithError(err).Error("Failed to persist heartbeat")
		return err
	}

	return nil
}

// FindAll returns every recorded heartbeat.
func (r *HeartbeatRepository) FindAll(ctx context.Context) ([]model.ProcessHeartbeat, error) {
	var beats []model.ProcessHeartbeat

	if err := r.db.WithContext(ctx).Find(&beats).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "HeartbeatRepository",
			"op":   "FindAll",
		}).WithError(err).Error("Failed to fetch heartbeats")
		return nil, err
	}

	return beats, nil
}
