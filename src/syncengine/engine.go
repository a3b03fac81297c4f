// Package syncengine performs the full two-way reconciliation between the
// ledger and the exchange. It runs blocking at startup, on demand when
// forced by an operator, and its output is one immutable sync report per
// pass.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"ordersync/src/config"
	"ordersync/src/exchange"
	"ordersync/src/model"
	"ordersync/src/notify"
	"ordersync/src/repository"
)

// Triggers recorded on a sync report.
const (
	TriggerStartup = "startup"
	TriggerForced  = "forced"
)

// Engine diffs the full set of non-terminal ledger orders against the full
// set of open exchange orders.
type Engine struct {
	ledger   *repository.LedgerRepository
	reports  *repository.SyncReportRepository
	adapter  exchange.Adapter
	notifier notify.Notifier

	// symbols is the set of markets this deployment trades. The remote
	// side of the diff is the union of open orders across them.
	symbols []string
}

func New(
	ledger *repository.LedgerRepository,
	reports *repository.SyncReportRepository,
	adapter exchange.Adapter,
	notifier notify.Notifier,
	symbols []string,
) *Engine {
	return &Engine{
		ledger:   ledger,
		reports:  reports,
		adapter:  adapter,
		notifier: notifier,
		symbols:  symbols,
	}
}

// Run executes one full reconciliation pass and persists its report. A
// failure to read either side aborts the pass with no partial corrections;
// startup callers must treat that as fatal and not begin trading.
func (e *Engine) Run(ctx context.Context, trigger string, snap *config.Snapshot) (*model.SyncReport, error) {
	logger.WithFields(map[string]interface{}{
		"component": "SyncEngine",
		"op":        "Run",
		"trigger":   trigger,
	}).Info("Starting full reconciliation pass")

	remote, err := e.listRemote(ctx, snap)
	if err != nil {
		return nil, err
	}

	locals, err := e.ledger.FindNonTerminal(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.SyncReport{Trigger: trigger, RanAt: time.Now().UTC()}
	claimed := make(map[string]bool, len(locals))

	for i := range locals {
		local := &locals[i]
		if local.ExchangeOrderID == "" {
			// Never reached the exchange under any id we could match on.
			// The watchdog owns the PENDING timeout.
			continue
		}

		if ro, ok := remote[local.ExchangeOrderID]; ok {
			claimed[local.ExchangeOrderID] = true
			e.reconcileMatched(ctx, local, &ro, snap, report)
			continue
		}

		e.reconcileLocalOnly(ctx, local, snap, report)
	}

	for id, ro := range remote {
		if claimed[id] {
			continue
		}
		e.adoptOrphan(ctx, &ro, report)
	}

	if err := e.reports.Create(ctx, report); err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"component":        "SyncEngine",
		"op":               "Run",
		"trigger":          trigger,
		"matched":          report.Matched,
		"corrected":        report.Corrected,
		"orphaned_remote":  report.OrphanedRemote,
		"orphaned_local":   report.OrphanedLocal,
		"integrity_faults": report.IntegrityFaults,
	}).Info("Reconciliation pass finished")

	if report.IntegrityFaults > 0 {
		e.notifier.Notify(notify.Event{
			Level:   notify.LevelCritical,
			Kind:    "sync_integrity_faults",
			Message: fmt.Sprintf("reconciliation pass left %d orders in ERROR for review", report.IntegrityFaults),
			Fields:  map[string]interface{}{"trigger": trigger},
		})
	}

	return report, nil
}

func (e *Engine) listRemote(ctx context.Context, snap *config.Snapshot) (map[string]exchange.RemoteOrder, error) {
	remote := make(map[string]exchange.RemoteOrder)
	for _, symbol := range e.symbols {
		callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
		open, err := e.adapter.ListOpenOrders(callCtx, symbol)
		cancel()
		if err != nil {
			return nil, err
		}
		for _, ro := range open {
			remote[ro.ExchangeOrderID] = ro
		}
	}
	return remote, nil
}

// reconcileMatched handles an order both sides know about. Remote wins on
// status; immutable submission parameters drifting apart is an integrity
// fault because neither side is allowed to have changed them.
func (e *Engine) reconcileMatched(ctx context.Context, local *model.Order, ro *exchange.RemoteOrder, snap *config.Snapshot, report *model.SyncReport) {
	if detail, ok := e.paramsMatch(local, ro, snap); !ok {
		report.IntegrityFaults++
		report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
			OrderRef:        local.OrderID,
			ExchangeOrderID: local.ExchangeOrderID,
			Kind:            model.DiscrepancyParamMismatch,
			LocalStatus:     local.Status,
			RemoteStatus:    ro.Status,
			BeforeStatus:    local.Status,
			AfterStatus:     local.Status,
			Detail:          detail,
		})
		if err := e.ledger.FlagForReview(ctx, local.OrderID); err != nil {
			logger.WithField("order_id", local.OrderID).
				WithError(err).Warn("Failed to flag order for review")
		}
		e.notifier.Notify(notify.Event{
			Level:   notify.LevelCritical,
			Kind:    "param_mismatch",
			OrderID: local.OrderID,
			Message: detail,
		})
		return
	}

	if ro.Status == local.Status {
		report.Matched++
		if err := e.ledger.TouchSynced(ctx, local.OrderID); err != nil {
			logger.WithField("order_id", local.OrderID).
				WithError(err).Warn("Failed to refresh sync timestamp")
		}
		return
	}

	e.converge(ctx, local, ro.Status, ro.FilledQuantity, report)
}

// reconcileLocalOnly handles a local open order absent from the remote open
// set. Absence from the open list is not proof of loss: the order may have
// completed. Only an order the exchange cannot account for at all becomes an
// integrity fault.
func (e *Engine) reconcileLocalOnly(ctx context.Context, local *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
	ro, err := e.adapter.GetOrderStatus(callCtx, local.ExchangeOrderID, local.Symbol)
	cancel()
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "SyncEngine",
			"order_id":  local.OrderID,
		}).WithError(err).Warn("Could not query missing order, leaving untouched")
		return
	}

	if ro != nil {
		e.converge(ctx, local, ro.Status, ro.FilledQuantity, report)
		return
	}

	msg := "exchange has no knowledge of order " + local.ExchangeOrderID
	swapped, err := e.ledger.CompareAndSwapStatus(ctx, local.OrderID, local.Status, model.OrderStatusError,
		repository.StatusChange{
			LastError: &msg,
			Reason:    "order vanished from exchange",
			Actor:     "syncengine",
		})
	if err != nil || !swapped {
		return
	}
	e.ledger.FlagForReview(ctx, local.OrderID)

	report.OrphanedLocal++
	report.IntegrityFaults++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        local.OrderID,
		ExchangeOrderID: local.ExchangeOrderID,
		Kind:            model.DiscrepancyOrphanedLocal,
		LocalStatus:     local.Status,
		BeforeStatus:    local.Status,
		AfterStatus:     model.OrderStatusError,
		Detail:          msg,
	})
	e.notifier.Notify(notify.Event{
		Level:   notify.LevelCritical,
		Kind:    "orphaned_local",
		OrderID: local.OrderID,
		Message: msg,
	})
}

// adoptOrphan records a remote open order the ledger has never heard of.
// The position is real, so it is adopted into the ledger flagged for review
// rather than ignored or cancelled.
func (e *Engine) adoptOrphan(ctx context.Context, ro *exchange.RemoteOrder, report *model.SyncReport) {
	existing, err := e.ledger.FindByExchangeOrderID(ctx, ro.ExchangeOrderID)
	if err != nil {
		return
	}
	if existing != nil {
		// Known after all, just terminal locally while still open remotely.
		// Leave it for operator review rather than resurrecting a closed row.
		logger.WithFields(map[string]interface{}{
			"component":         "SyncEngine",
			"exchange_order_id": ro.ExchangeOrderID,
			"local_status":      existing.Status,
		}).Warn("Remote-open order is terminal locally")
		e.ledger.FlagForReview(ctx, existing.OrderID)
		report.IntegrityFaults++
		report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
			OrderRef:        existing.OrderID,
			ExchangeOrderID: ro.ExchangeOrderID,
			Kind:            model.DiscrepancyOrphanedRemote,
			LocalStatus:     existing.Status,
			RemoteStatus:    ro.Status,
			BeforeStatus:    existing.Status,
			AfterStatus:     existing.Status,
			Detail:          "exchange still reports open after local terminal status",
		})
		return
	}

	orphan := &model.Order{
		OrderID:         uuid.New().String(),
		ExchangeOrderID: ro.ExchangeOrderID,
		Symbol:          ro.Symbol,
		Side:            ro.Side,
		OrderType:       ro.OrderType,
		Quantity:        ro.Quantity,
		Price:           ro.Price,
		FilledQuantity:  ro.FilledQuantity,
		Status:          ro.Status,
	}
	if err := e.ledger.InsertOrphan(ctx, orphan); err != nil {
		logger.WithField("exchange_order_id", ro.ExchangeOrderID).
			WithError(err).Error("Failed to adopt orphaned remote order")
		return
	}

	report.OrphanedRemote++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        orphan.OrderID,
		ExchangeOrderID: ro.ExchangeOrderID,
		Kind:            model.DiscrepancyOrphanedRemote,
		RemoteStatus:    ro.Status,
		AfterStatus:     ro.Status,
		Detail:          "open on exchange with no ledger record",
	})
	e.notifier.Notify(notify.Event{
		Level:   notify.LevelWarning,
		Kind:    "orphaned_remote",
		OrderID: orphan.OrderID,
		Message: "adopted order open on exchange with no ledger record",
	})
}

func (e *Engine) converge(ctx context.Context, local *model.Order, next model.OrderStatus, filled decimal.Decimal, report *model.SyncReport) {
	if !model.CanTransition(local.Status, next) {
		msg := fmt.Sprintf("exchange reports %s, unreachable from local %s", next, local.Status)
		e.ledger.CompareAndSwapStatus(ctx, local.OrderID, local.Status, model.OrderStatusError,
			repository.StatusChange{
				LastError: &msg,
				Reason:    "remote status unreachable from local state",
				Actor:     "syncengine",
			})
		e.ledger.FlagForReview(ctx, local.OrderID)

		report.IntegrityFaults++
		report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
			OrderRef:        local.OrderID,
			ExchangeOrderID: local.ExchangeOrderID,
			Kind:            model.DiscrepancyStatusCorrected,
			LocalStatus:     local.Status,
			RemoteStatus:    next,
			BeforeStatus:    local.Status,
			AfterStatus:     model.OrderStatusError,
			Detail:          msg,
		})
		return
	}

	swapped, err := e.ledger.CompareAndSwapStatus(ctx, local.OrderID, local.Status, next,
		repository.StatusChange{
			FilledQuantity:  &filled,
			Reason:          "converged to exchange status",
			Actor:           "syncengine",
			RefreshSyncedAt: true,
		})
	if err != nil || !swapped {
		return
	}

	report.Corrected++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        local.OrderID,
		ExchangeOrderID: local.ExchangeOrderID,
		Kind:            model.DiscrepancyStatusCorrected,
		LocalStatus:     local.Status,
		RemoteStatus:    next,
		BeforeStatus:    local.Status,
		AfterStatus:     next,
	})
}

// paramsMatch verifies the immutable submission parameters still agree
// within tolerance.
func (e *Engine) paramsMatch(local *model.Order, ro *exchange.RemoteOrder, snap *config.Snapshot) (string, bool) {
	if ro.Side != "" && ro.Side != local.Side {
		return fmt.Sprintf("side mismatch: local %s, remote %s", local.Side, ro.Side), false
	}
	if !withinTolerance(local.Quantity, ro.Quantity, snap.Tolerance) {
		return fmt.Sprintf("quantity mismatch: local %s, remote %s", local.Quantity, ro.Quantity), false
	}
	if local.Price != nil && ro.Price != nil && !withinTolerance(*local.Price, *ro.Price, snap.Tolerance) {
		return fmt.Sprintf("price mismatch: local %s, remote %s", local.Price, ro.Price), false
	}
	return "", true
}

// withinTolerance reports whether b deviates from a by at most tol,
// relative to a.
func withinTolerance(a, b, tol decimal.Decimal) bool {
	if a.Equal(b) {
		return true
	}
	if a.IsZero() {
		return b.IsZero()
	}
	dev := a.Sub(b).Abs().Div(a.Abs())
	return dev.LessThanOrEqual(tol)
}
