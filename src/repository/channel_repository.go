package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ordersync/src/database"
	"ordersync/src/model"
)

// ChannelRepository persists the two durable queues of the inter-process
// channel. Appends are transactional, so a reader never observes a partial
// record. Consumption is at-least-once: requests are marked consumed only
// after the handler finished.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a new repository instance using the main
// read/write database.
func NewChannelRepository() *ChannelRepository {
	logger.WithField("component", "ChannelRepository").
		Info("Creating new ChannelRepository with MainDB")

	return &ChannelRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ChannelRepository) WithDB(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// AppendRequest appends one request record atomically.
func (r *ChannelRepository) AppendRequest(ctx context.Context, req *model.WatchdogRequest) error {
	logger.WithFields(map[string]interface{}{
		"repo":       "ChannelRepository",
		"op":         "AppendRequest",
		"request_id": req.RequestID,
		"action":     req.Action,
		"order_ref":  req.OrderRef,
	}).Debug("Appending channel request")

	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "ChannelRepository",
			"op":         "AppendRequest",
			"request_id": req.RequestID,
		}).WithError(err).Error("Failed to append channel request")
		return err
	}

	return nil
}

// NextPending returns the oldest request not yet marked consumed.
// Returns (nil, nil) when the queue is drained.
func (r *ChannelRepository) NextPending(ctx context.Context) (*model.WatchdogRequest, error) {
	var req model.WatchdogRequest

	err := r.db.WithContext(ctx).
		Where("consumed_at IS NULL").
		Order("id ASC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "ChannelRepository",
			"op":   "NextPending",
		}).WithError(err).Error("Failed to read request queue")
		return nil, err
	}

	return &req, nil
}

// MarkConsumed records that the request was fully handled. Crashing before
// this call means the request is redelivered; handlers must stay idempotent.
func (r *ChannelRepository) MarkConsumed(ctx context.Context, requestID string) error {
	now := time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&model.WatchdogRequest{}).
		Where("request_id = ? AND consumed_at IS NULL", requestID).
		Update("consumed_at", now)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "ChannelRepository",
			"op":         "MarkConsumed",
			"request_id": requestID,
		}).WithError(res.Error).Error("Failed to mark request consumed")
		return res.Error
	}

	if res.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo":       "ChannelRepository",
			"op":         "MarkConsumed",
			"request_id": requestID,
		}).Debug("Request already marked consumed")
	}

	return nil
}

// AppendResponse appends one response record atomically.
func (r *ChannelRepository) AppendResponse(ctx context.Context, resp *model.WatchdogResponse) error {
	logger.WithFields(map[string]interface{}{
		"repo":       "ChannelRepository",
		"op":         "AppendResponse",
		"request_id": resp.RequestID,
		"result":     resp.Result,
	}).Debug("Appending channel response")

	if err := r.db.WithContext(ctx).Create(resp).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "ChannelRepository",
			"op":         "AppendResponse",
			"request_id": resp.RequestID,
		}).WithError(err).Error("Failed to append channel response")
		return err
	}

	return nil
}

// FindResponse returns the first response recorded for the request.
// Returns (nil, nil) while no response exists. Duplicate responses for one
// request id are ignored: first one wins.
func (r *ChannelRepository) FindResponse(ctx context.Context, requestID string) (*model.WatchdogResponse, error) {
	var resp model.WatchdogResponse

	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id ASC").
		First(&resp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":       "ChannelRepository",
			"op":         "FindResponse",
			"request_id": requestID,
		}).WithError(err).Error("Failed to read response queue")
		return nil, err
	}

	return &resp, nil
}
