// Package executor turns order intents into exchange submissions recorded in
// the durable ledger. Submission is idempotent across crashes: the dedup
// token is checked before any exchange call, and the PENDING row is written
// before the order leaves the process.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"ordersync/src/config"
	"ordersync/src/exchange"
	"ordersync/src/fault"
	"ordersync/src/model"
	"ordersync/src/notify"
	"ordersync/src/repository"
)

var (
	errEmptyDedupToken = errors.New("intent has no dedup token")
	errBadQuantity     = errors.New("intent quantity must be positive")
)

// Executor submits orders and records every lifecycle step in the ledger.
type Executor struct {
	ledger   *repository.LedgerRepository
	adapter  exchange.Adapter
	notifier notify.Notifier
}

func New(ledger *repository.LedgerRepository, adapter exchange.Adapter, notifier notify.Notifier) *Executor {
	return &Executor{ledger: ledger, adapter: adapter, notifier: notifier}
}

// Submit executes one intent against the exchange. Re-submitting an intent
// whose dedup token already has a non-terminal order returns that order
// without touching the exchange.
//
// The returned order reflects the terminal outcome of the attempt:
// SUBMITTED on success, REJECTED when the venue refused, ERROR when
// transient retries ran out.
func (e *Executor) Submit(ctx context.Context, intent *model.OrderIntent, snap *config.Snapshot) (*model.Order, error) {
	if intent.DedupToken == "" {
		return nil, fault.New(fault.Rejection, "executor.Submit", errEmptyDedupToken)
	}
	if !intent.Quantity.IsPositive() {
		return nil, fault.New(fault.Rejection, "executor.Submit", errBadQuantity)
	}

	existing, err := e.ledger.FindOpenByDedup(ctx, intent.Symbol, intent.Side, intent.DedupToken)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.WithFields(map[string]interface{}{
			"component":   "Executor",
			"op":          "Submit",
			"order_id":    existing.OrderID,
			"dedup_token": intent.DedupToken,
		}).Info("Duplicate intent, returning existing order")
		return existing, nil
	}

	order := &model.Order{
		OrderID:    uuid.New().String(),
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		OrderType:  intent.OrderType,
		Quantity:   intent.Quantity,
		Price:      intent.Price,
		DedupToken: intent.DedupToken,
		Status:     model.OrderStatusPending,
	}
	if err := e.ledger.Create(ctx, order); err != nil {
		return nil, err
	}

	exchangeID, submitErr := e.submitWithRetry(ctx, order, snap)
	if submitErr == nil {
		swapped, err := e.ledger.CompareAndSwapStatus(ctx, order.OrderID,
			model.OrderStatusPending, model.OrderStatusSubmitted,
			repository.StatusChange{
				ExchangeOrderID: &exchangeID,
				Reason:          "exchange accepted order",
				Actor:           "executor",
				RefreshSyncedAt: true,
			})
		if err != nil {
			return nil, err
		}
		if !swapped {
			// Somebody moved the order while we were on the wire. The
			// ledger row is authoritative, return what it says now.
			logger.WithFields(map[string]interface{}{
				"component": "Executor",
				"op":        "Submit",
				"order_id":  order.OrderID,
			}).Warn("Order advanced concurrently during submission")
		}
		return e.ledger.FindByOrderID(ctx, order.OrderID)
	}

	msg := submitErr.Error()
	next := model.OrderStatusRejected
	reason := "exchange rejected order"
	if fault.KindOf(submitErr) == fault.Transient {
		next = model.OrderStatusError
		reason = "submission retries exhausted"
		e.notifier.Notify(notify.Event{
			Level:   notify.LevelCritical,
			Kind:    "submit_retries_exhausted",
			OrderID: order.OrderID,
			Message: "order submission kept failing transiently, outcome unknown",
			Fields:  map[string]interface{}{"error": msg},
		})
	}

	if _, err := e.ledger.CompareAndSwapStatus(ctx, order.OrderID,
		model.OrderStatusPending, next,
		repository.StatusChange{
			LastError: &msg,
			Reason:    reason,
			Actor:     "executor",
		}); err != nil {
		return nil, err
	}

	updated, err := e.ledger.FindByOrderID(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	return updated, submitErr
}

// submitWithRetry calls the adapter with bounded exponential backoff on
// transient failures. Rejections return immediately.
func (e *Executor) submitWithRetry(ctx context.Context, order *model.Order, snap *config.Snapshot) (string, error) {
	spec := exchange.OrderSpec{
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.OrderType,
		Quantity:  order.Quantity,
		Price:     order.Price,
	}

	var lastErr error
	for attempt := 0; attempt <= snap.MaxSubmitRetries; attempt++ {
		if attempt > 0 {
			delay := snap.RetryBaseDelay << (attempt - 1)
			logger.WithFields(map[string]interface{}{
				"component": "Executor",
				"op":        "submitWithRetry",
				"order_id":  order.OrderID,
				"attempt":   attempt,
				"delay":     delay.String(),
			}).Info("Retrying order submission")

			select {
			case <-ctx.Done():
				return "", fault.New(fault.Transient, "executor.submitWithRetry", ctx.Err())
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
		exchangeID, err := e.adapter.SubmitOrder(callCtx, spec)
		cancel()

		if err == nil {
			return exchangeID, nil
		}
		if fault.KindOf(err) != fault.Transient {
			return "", err
		}

		lastErr = err
		if rerr := e.ledger.IncrementRetry(ctx, order.OrderID, err.Error()); rerr != nil {
			logger.WithField("order_id", order.OrderID).
				WithError(rerr).Warn("Failed to record retry count")
		}
	}

	return "", lastErr
}
