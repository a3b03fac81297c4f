package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ordersync/src/database"
	"ordersync/src/model"
)

// IntentRepository reads the order intents written by the signal side and
// records their outcome.
type IntentRepository struct {
	db *gorm.DB
}

// NewIntentRepository creates a new repository instance using the main
// read/write database.
func NewIntentRepository() *IntentRepository {
	logger.WithField("component", "IntentRepository").
		Info("Creating new IntentRepository with MainDB")

	return &IntentRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *IntentRepository) WithDB(db *gorm.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

// FindNew returns up to limit unprocessed intents, oldest first.
func (r *IntentRepository) FindNew(ctx context.Context, limit int) ([]model.OrderIntent, error) {
	if limit <= 0 {
		limit = 10
	}

	var intents []model.OrderIntent

	err := r.db.WithContext(ctx).
		Where("status = ?", model.IntentStatusNew).
		Order("id ASC").
		Limit(limit).
		Find(&intents).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "IntentRepository",
			"op":    "FindNew",
			"limit": limit,
		}).WithError(err).Error("Failed to fetch new intents")
		return nil, err
	}

	return intents, nil
}

// MarkProcessed records that an intent produced (or matched) a ledger order.
func (r *IntentRepository) MarkProcessed(ctx context.Context, id uint, orderRef string) error {
	return r.update(ctx, id, model.IntentStatusProcessed, orderRef, "")
}

// MarkFailed records that the intent could not be turned into an order.
func (r *IntentRepository) MarkFailed(ctx context.Context, id uint, orderRef, detail string) error {
	return r.update(ctx, id, model.IntentStatusFailed, orderRef, detail)
}

func (r *IntentRepository) update(ctx context.Context, id uint, status, orderRef, detail string) error {
	err := r.db.WithContext(ctx).
		Model(&model.OrderIntent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    status,
			"order_ref": orderRef,
			"detail":    detail,
		}).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "IntentRepository",
			"op":     "update",
			"id":     id,
			"status": status,
		}).WithError(err).Error("Failed to update intent")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "IntentRepository",
		"op":        "update",
		"id":        id,
		"status":    status,
		"order_ref": orderRef,
	}).Info("Intent updated")

	return nil
}
