package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ordersync/src/database"
	"ordersync/src/model"
)

// SyncReportRepository persists reconciliation reports. Reports are immutable
// once written.
type SyncReportRepository struct {
	db *gorm.DB
}

// NewSyncReportRepository creates a new repository instance using the main
// read/write database.
func NewSyncReportRepository() *SyncReportRepository {
	logger.WithField("component", "SyncReportRepository").
		Info("Creating new SyncReportRepository with MainDB")

	return &SyncReportRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SyncReportRepository) WithDB(db *gorm.DB) *SyncReportRepository {
	return &SyncReportRepository{db: db}
}

// Create persists the report and its discrepancies in one transaction.
func (r *SyncReportRepository) Create(ctx context.Context, report *model.SyncReport) error {
	logger.WithFields(map[string]interface{}{
		"repo":            "SyncReportRepository",
		"op":              "Create",
		"trigger":         report.Trigger,
		"matched":         report.Matched,
		"corrected":       report.Corrected,
		"orphaned_remote": report.OrphanedRemote,
		"orphaned_local":  report.OrphanedLocal,
	}).Debug("Persisting sync report")

	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SyncReportRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to persist sync report")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "SyncReportRepository",
		"op":        "Create",
		"report_id": report.ID,
	}).Info("Sync report persisted")

	return nil
}

// FindLatest returns the most recent report with its discrepancies.
// Returns (nil, nil) when no pass ever ran.
func (r *SyncReportRepository) FindLatest(ctx context.Context) (*model.SyncReport, error) {
	var report model.SyncReport

	err := r.db.WithContext(ctx).
		Preload("Discrepancies").
		Order("id DESC").
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "SyncReportRepository",
			"op":   "FindLatest",
		}).WithError(err).Error("Failed to fetch latest sync report")
		return nil, err
	}

	return &report, nil
}
