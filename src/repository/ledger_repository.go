package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ordersync/src/database"
	"ordersync/src/model"
)

// LedgerRepository is the single source of local truth for order records.
// All status mutation goes through CompareAndSwapStatus; unconditional
// overwrite of an order record is forbidden.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new repository instance using the main
// read/write database.
func NewLedgerRepository() *LedgerRepository {
	logger.WithField("component", "LedgerRepository").
		Info("Creating new LedgerRepository with MainDB")

	return &LedgerRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *LedgerRepository) WithDB(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// StatusChange carries the optional field updates applied together with a
// successful status swap.
type StatusChange struct {
	ExchangeOrderID *string
	FilledQuantity  *decimal.Decimal
	LastError       *string
	Reason          string
	Actor           string
	RefreshSyncedAt bool
}

// Create inserts a new order and its first audit row in one transaction.
func (r *LedgerRepository) Create(ctx context.Context, order *model.Order) error {
	logger.WithFields(map[string]interface{}{
		"repo":     "LedgerRepository",
		"op":       "Create",
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"qty":      order.Quantity,
	}).Debug("Creating new ledger order")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			logger.WithError(err).Error("Failed to create order inside transaction")
			return err
		}

		logEntry := auditRow(order, "", order.Status, "order created", "executor")
		if err := tx.Create(logEntry).Error; err != nil {
			logger.WithError(err).Error("Failed to create audit row for new order")
			return err
		}

		return nil
	})
}

// FindByOrderID fetches a single order by its local identity.
// Returns (nil, nil) if the order is not found.
func (r *LedgerRepository) FindByOrderID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order

	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo":     "LedgerRepository",
				"op":       "FindByOrderID",
				"order_id": orderID,
			}).Info("Order not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":     "LedgerRepository",
			"op":       "FindByOrderID",
			"order_id": orderID,
		}).WithError(err).Error("Failed to fetch order")
		return nil, err
	}

	return &order, nil
}

// FindByExchangeOrderID fetches a single order by the identifier assigned by
// the exchange. Returns (nil, nil) if the order is not found.
func (r *LedgerRepository) FindByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*model.Order, error) {
	var order model.Order

	err := r.db.WithContext(ctx).
		Where("exchange_order_id = ?", exchangeOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":              "LedgerRepository",
			"op":                "FindByExchangeOrderID",
			"exchange_order_id": exchangeOrderID,
		}).WithError(err).Error("Failed to fetch order by exchange order id")
		return nil, err
	}

	return &order, nil
}

// FindNonTerminal lists every order still in flight, oldest first.
func (r *LedgerRepository) FindNonTerminal(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "LedgerRepository",
			"op":   "FindNonTerminal",
		}).WithError(err).Error("Failed to list non-terminal orders")
		return nil, err
	}

	return orders, nil
}

// FindOpenByDedup fetches a non-terminal order with the same natural key
// (symbol, side, dedup token). Returns (nil, nil) if none exists. This is the
// primary defense against duplicate market orders after a crash-restart.
func (r *LedgerRepository) FindOpenByDedup(ctx context.Context, symbol, side, token string) (*model.Order, error) {
	if token == "" {
		return nil, nil
	}

	var order model.Order

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND dedup_token = ? AND status NOT IN ?",
			symbol, side, token, terminalStatuses()).
		Order("created_at DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "LedgerRepository",
			"op":     "FindOpenByDedup",
			"symbol": symbol,
			"side":   side,
			"token":  token,
		}).WithError(err).Error("Failed to search for duplicate order")
		return nil, err
	}

	return &order, nil
}

// CompareAndSwapStatus atomically moves the order from expected to next and
// appends an audit row, all in one transaction. It returns false when the
// current status is not expected, so concurrent mutation attempts from the
// executor and the watchdog never both succeed against a stale expectation.
//
// Attempts against a terminal order, or along an edge the state machine does
// not define, fail and are recorded as anomalies, never silently applied.
func (r *LedgerRepository) CompareAndSwapStatus(
	ctx context.Context,
	orderID string,
	expected model.OrderStatus,
	next model.OrderStatus,
	change StatusChange,
) (bool, error) {

	logger.WithFields(map[string]interface{}{
		"repo":     "LedgerRepository",
		"op":       "CompareAndSwapStatus",
		"order_id": orderID,
		"expected": expected,
		"next":     next,
		"actor":    change.Actor,
	}).Debug("Attempting status swap")

	if !model.CanTransition(expected, next) {
		r.recordAnomaly(ctx, orderID, expected, next, change.Actor)
		return false, nil
	}

	swapped := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     next,
			"updated_at": time.Now().UTC(),
		}
		if change.ExchangeOrderID != nil {
			updates["exchange_order_id"] = *change.ExchangeOrderID
		}
		if change.FilledQuantity != nil {
			updates["filled_quantity"] = *change.FilledQuantity
		}
		if change.LastError != nil {
			updates["last_error"] = *change.LastError
		}
		if change.RefreshSyncedAt {
			updates["last_synced_at"] = time.Now().UTC()
		}

		res := tx.Model(&model.Order{}).
			Where("order_id = ? AND status = ?", orderID, expected).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race: someone moved the order first. The caller
			// re-reads and reconsiders.
			return nil
		}

		var order model.Order
		if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
			return err
		}

		logEntry := auditRow(&order, expected, next, change.Reason, change.Actor)
		if err := tx.Create(logEntry).Error; err != nil {
			return err
		}

		swapped = true
		return nil
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "LedgerRepository",
			"op":       "CompareAndSwapStatus",
			"order_id": orderID,
		}).WithError(err).Error("Status swap transaction failed")
		return false, err
	}

	if swapped {
		logger.WithFields(map[string]interface{}{
			"repo":     "LedgerRepository",
			"op":       "CompareAndSwapStatus",
			"order_id": orderID,
			"from":     expected,
			"to":       next,
			"actor":    change.Actor,
		}).Info("Order status swapped")
	} else {
		logger.WithFields(map[string]interface{}{
			"repo":     "LedgerRepository",
			"op":       "CompareAndSwapStatus",
			"order_id": orderID,
			"expected": expected,
			"next":     next,
		}).Warn("Status swap lost the race, current status differs from expected")
	}

	return swapped, nil
}

// TouchSynced refreshes last_synced_at without a status transition. Used when
// local and remote agree and there is nothing to correct.
func (r *LedgerRepository) TouchSynced(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("order_id = ?", orderID).
		Update("last_synced_at", time.Now().UTC()).Error
}

// IncrementRetry bumps the retry counter and stores the latest error without
// changing status.
func (r *LedgerRepository) IncrementRetry(ctx context.Context, orderID string, lastErr string) error {
	return r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  lastErr,
		}).Error
}

// InsertOrphan inserts an order reconstructed from remote state during
// reconciliation, flagged for operator review.
func (r *LedgerRepository) InsertOrphan(ctx context.Context, order *model.Order) error {
	order.ReviewRequired = true

	logger.WithFields(map[string]interface{}{
		"repo":              "LedgerRepository",
		"op":                "InsertOrphan",
		"order_id":          order.OrderID,
		"exchange_order_id": order.ExchangeOrderID,
		"symbol":            order.Symbol,
	}).Warn("Inserting orphaned remote order into ledger")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		logEntry := auditRow(order, "", order.Status,
			"orphaned remote order inserted by reconciliation", "syncengine")
		return tx.Create(logEntry).Error
	})
}

// FlagForReview marks an existing order for operator review.
func (r *LedgerRepository) FlagForReview(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("order_id = ?", orderID).
		Update("review_required", true).Error
}

// ArchiveTerminalBefore moves terminal orders whose last update predates the
// cutoff into the archive table. Returns the number of orders moved.
func (r *LedgerRepository) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	moved := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []model.Order
		if err := tx.
			Where("status IN ? AND updated_at < ?", terminalStatuses(), cutoff).
			Find(&stale).Error; err != nil {
			return err
		}

		for i := range stale {
			o := stale[i]
			archived := model.ArchivedOrder{
				OrderID:         o.OrderID,
				ExchangeOrderID: o.ExchangeOrderID,
				Symbol:          o.Symbol,
				Side:            o.Side,
				OrderType:       o.OrderType,
				Quantity:        o.Quantity,
				Price:           o.Price,
				FilledQuantity:  o.FilledQuantity,
				Status:          o.Status,
				LastError:       o.LastError,
				CreatedAt:       o.CreatedAt,
				UpdatedAt:       o.UpdatedAt,
				ArchivedAt:      time.Now().UTC(),
			}
			if err := tx.Create(&archived).Error; err != nil {
				return err
			}
			if err := tx.Delete(&model.Order{}, o.ID).Error; err != nil {
				return err
			}
			moved++
		}

		return nil
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "LedgerRepository",
			"op":     "ArchiveTerminalBefore",
			"cutoff": cutoff,
		}).WithError(err).Error("Failed to archive terminal orders")
		return 0, err
	}

	if moved > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":   "LedgerRepository",
			"op":     "ArchiveTerminalBefore",
			"moved":  moved,
			"cutoff": cutoff,
		}).Info("Terminal orders archived")
	}

	return moved, nil
}

// recordAnomaly persists an exception for a mutation attempt the state
// machine forbids, typically a write against a terminal order.
func (r *LedgerRepository) recordAnomaly(ctx context.Context, orderID string, expected, next model.OrderStatus, actor string) {
	logger.WithFields(map[string]interface{}{
		"repo":     "LedgerRepository",
		"op":       "CompareAndSwapStatus",
		"order_id": orderID,
		"expected": expected,
		"next":     next,
		"actor":    actor,
	}).Error("Illegal status transition attempted")

	exc := &model.Exception{
		Service:   actor,
		Module:    "ledger",
		Method:    "CompareAndSwapStatus",
		Message:   "illegal status transition " + string(expected) + " -> " + string(next) + " for order " + orderID,
		Level:     "error",
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(exc).Error; err != nil {
		logger.WithError(err).Error("Failed to persist transition anomaly")
	}
}

func auditRow(order *model.Order, from, to model.OrderStatus, reason, actor string) *model.OrderLog {
	return &model.OrderLog{
		OrderRef:        order.OrderID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		OrderType:       order.OrderType,
		Quantity:        order.Quantity,
		Price:           order.Price,
		FilledQuantity:  order.FilledQuantity,
		ExchangeOrderID: order.ExchangeOrderID,
		FromStatus:      from,
		ToStatus:        to,
		Reason:          reason,
		Actor:           actor,
		CreatedAt:       time.Now(),
	}
}

func terminalStatuses() []model.OrderStatus {
	return []model.OrderStatus{
		model.OrderStatusFilled,
		model.OrderStatusCancelled,
		model.OrderStatusRejected,
		model.OrderStatusError,
	}
}
