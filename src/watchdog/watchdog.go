// Package watchdog runs the periodic reconciliation loop. Each cycle it
// polls the exchange for every non-terminal order and converges the ledger
// toward the exchange's view. The exchange is authoritative for execution
// facts; the watchdog never invents a fill it did not observe remotely.
package watchdog

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"ordersync/src/channel"
	"ordersync/src/config"
	"ordersync/src/exchange"
	"ordersync/src/fault"
	"ordersync/src/model"
	"ordersync/src/notify"
	"ordersync/src/repository"
)

const processName = "watchdog"

// Watchdog reconciles the ledger against the exchange.
type Watchdog struct {
	ledger     *repository.LedgerRepository
	reports    *repository.SyncReportRepository
	heartbeats *repository.HeartbeatRepository
	adapter    exchange.Adapter
	channel    *channel.Channel
	notifier   notify.Notifier

	// failures tracks consecutive transient adapter failures per order so
	// escalation only fires on a sustained outage, not one dropped packet.
	failures map[string]int
}

func New(
	ledger *repository.LedgerRepository,
	reports *repository.SyncReportRepository,
	heartbeats *repository.HeartbeatRepository,
	adapter exchange.Adapter,
	ch *channel.Channel,
	notifier notify.Notifier,
) *Watchdog {
	return &Watchdog{
		ledger:     ledger,
		reports:    reports,
		heartbeats: heartbeats,
		adapter:    adapter,
		channel:    ch,
		notifier:   notifier,
		failures:   make(map[string]int),
	}
}

// Run ticks RunCycle every poll interval until the context is cancelled. The
// snapshot source is re-read each cycle; a failing reload keeps the previous
// snapshot.
func (w *Watchdog) Run(ctx context.Context, source config.Source) error {
	snap, err := source.LoadSnapshot()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(snap.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunCycle(ctx, snap); err != nil {
			logger.WithField("component", "Watchdog").
				WithError(err).Error("Reconciliation cycle failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if next, err := source.LoadSnapshot(); err == nil {
			if next.PollInterval != snap.PollInterval {
				ticker.Reset(next.PollInterval)
			}
			snap = next
		}
	}
}

// RunCycle performs one reconciliation pass over all non-terminal orders and
// persists a sync report when anything was found. Per-order failures do not
// abort the pass.
func (w *Watchdog) RunCycle(ctx context.Context, snap *config.Snapshot) (*model.SyncReport, error) {
	if err := w.heartbeats.Beat(ctx, processName, ""); err != nil {
		logger.WithField("component", "Watchdog").
			WithError(err).Warn("Failed to record heartbeat")
	}

	orders, err := w.ledger.FindNonTerminal(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.SyncReport{Trigger: "watchdog", RanAt: time.Now().UTC()}
	for i := range orders {
		w.reconcile(ctx, &orders[i], snap, report)
	}

	logger.WithFields(map[string]interface{}{
		"component":        "Watchdog",
		"op":               "RunCycle",
		"orders":           len(orders),
		"matched":          report.Matched,
		"corrected":        report.Corrected,
		"integrity_faults": report.IntegrityFaults,
	}).Info("Reconciliation cycle finished")

	if len(report.Discrepancies) == 0 {
		return report, nil
	}
	if err := w.reports.Create(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (w *Watchdog) reconcile(ctx context.Context, order *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	switch order.Status {
	case model.OrderStatusPending:
		w.reconcilePending(ctx, order, snap, report)
	case model.OrderStatusSubmitted, model.OrderStatusPartiallyFilled:
		w.reconcileOpen(ctx, order, snap, report)
	case model.OrderStatusStuck:
		w.resolveStuck(ctx, order, snap, report)
	}
}

// reconcilePending escalates orders that never left PENDING. A PENDING row
// older than the stuck timeout means the submitting process died mid-flight;
// whether the exchange accepted the order is unknowable without an exchange
// order id, so it goes to ERROR for review.
func (w *Watchdog) reconcilePending(ctx context.Context, order *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	if time.Since(order.UpdatedAt) < snap.StuckTimeout {
		return
	}

	msg := "order never progressed past PENDING within stuck timeout"
	swapped, err := w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
		model.OrderStatusPending, model.OrderStatusError,
		repository.StatusChange{
			LastError: &msg,
			Reason:    msg,
			Actor:     "watchdog",
		})
	if err != nil || !swapped {
		return
	}

	if err := w.ledger.FlagForReview(ctx, order.OrderID); err != nil {
		logger.WithField("order_id", order.OrderID).
			WithError(err).Warn("Failed to flag order for review")
	}

	report.IntegrityFaults++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:     order.OrderID,
		Kind:         model.DiscrepancyStuck,
		LocalStatus:  model.OrderStatusPending,
		BeforeStatus: model.OrderStatusPending,
		AfterStatus:  model.OrderStatusError,
		Detail:       msg,
	})
	w.notifier.Notify(notify.Event{
		Level:   notify.LevelCritical,
		Kind:    "pending_timeout",
		OrderID: order.OrderID,
		Message: msg,
	})
}

func (w *Watchdog) reconcileOpen(ctx context.Context, order *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
	remote, err := w.adapter.GetOrderStatus(callCtx, order.ExchangeOrderID, order.Symbol)
	cancel()

	if err != nil {
		w.recordAdapterFailure(order.OrderID, err, snap)
		if w.failures[order.OrderID] >= snap.FailureEscalation {
			w.escalateUnobservable(ctx, order, report, err)
		}
		return
	}
	w.failures[order.OrderID] = 0

	if remote == nil {
		w.handleVanished(ctx, order, snap, report)
		return
	}

	if remote.Status == order.Status {
		if order.Status == model.OrderStatusSubmitted && time.Since(order.UpdatedAt) >= snap.StuckTimeout {
			w.markStuck(ctx, order, snap, report)
			return
		}
		report.Matched++
		if err := w.ledger.TouchSynced(ctx, order.OrderID); err != nil {
			logger.WithField("order_id", order.OrderID).
				WithError(err).Warn("Failed to refresh sync timestamp")
		}
		return
	}

	w.applyRemote(ctx, order, remote, report)
}

// applyRemote converges the local row onto the remote status. Remote wins
// for execution facts; an unreachable transition is an integrity fault, not
// a correction.
func (w *Watchdog) applyRemote(ctx context.Context, order *model.Order, remote *exchange.RemoteOrder, report *model.SyncReport) {
	if !model.CanTransition(order.Status, remote.Status) {
		msg := fmt.Sprintf("exchange reports %s, unreachable from local %s", remote.Status, order.Status)
		w.ledger.CompareAndSwapStatus(ctx, order.OrderID, order.Status, model.OrderStatusError,
			repository.StatusChange{
				LastError: &msg,
				Reason:    "remote status unreachable from local state",
				Actor:     "watchdog",
			})
		w.ledger.FlagForReview(ctx, order.OrderID)

		report.IntegrityFaults++
		report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
			OrderRef:        order.OrderID,
			ExchangeOrderID: order.ExchangeOrderID,
			Kind:            model.DiscrepancyStatusCorrected,
			LocalStatus:     order.Status,
			RemoteStatus:    remote.Status,
			BeforeStatus:    order.Status,
			AfterStatus:     model.OrderStatusError,
			Detail:          msg,
		})
		w.notifier.Notify(notify.Event{
			Level:   notify.LevelCritical,
			Kind:    "status_unreachable",
			OrderID: order.OrderID,
			Message: msg,
		})
		return
	}

	filled := remote.FilledQuantity
	swapped, err := w.ledger.CompareAndSwapStatus(ctx, order.OrderID, order.Status, remote.Status,
		repository.StatusChange{
			FilledQuantity:  &filled,
			Reason:          "converged to exchange status",
			Actor:           "watchdog",
			RefreshSyncedAt: true,
		})
	if err != nil || !swapped {
		return
	}

	report.Corrected++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Kind:            model.DiscrepancyStatusCorrected,
		LocalStatus:     order.Status,
		RemoteStatus:    remote.Status,
		BeforeStatus:    order.Status,
		AfterStatus:     remote.Status,
	})
}

// handleVanished deals with an order the exchange claims to have never seen
// despite having assigned it an id. A freshly accepted order may not be
// visible on the query API yet, so a SUBMITTED order gets the stuck-timeout
// grace period and then the stuck resolution path. An order with recorded
// fills vanishing breaks the integrity baseline outright, so it goes to
// ERROR and an operator gets paged.
func (w *Watchdog) handleVanished(ctx context.Context, order *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	if order.Status == model.OrderStatusSubmitted {
		if time.Since(order.UpdatedAt) < snap.StuckTimeout {
			return
		}
		w.markStuck(ctx, order, snap, report)
		return
	}

	msg := "exchange has no knowledge of order " + order.ExchangeOrderID
	swapped, err := w.ledger.CompareAndSwapStatus(ctx, order.OrderID, order.Status, model.OrderStatusError,
		repository.StatusChange{
			LastError: &msg,
			Reason:    "order vanished from exchange",
			Actor:     "watchdog",
		})
	if err != nil || !swapped {
		return
	}
	w.ledger.FlagForReview(ctx, order.OrderID)

	report.IntegrityFaults++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Kind:            model.DiscrepancyOrphanedLocal,
		LocalStatus:     order.Status,
		BeforeStatus:    order.Status,
		AfterStatus:     model.OrderStatusError,
		Detail:          msg,
	})
	w.notifier.Notify(notify.Event{
		Level:   notify.LevelCritical,
		Kind:    "order_vanished",
		OrderID: order.OrderID,
		Message: msg,
	})
}

func (w *Watchdog) markStuck(ctx context.Context, order *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	swapped, err := w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
		model.OrderStatusSubmitted, model.OrderStatusStuck,
		repository.StatusChange{
			Reason: "no fill progress within stuck timeout",
			Actor:  "watchdog",
		})
	if err != nil || !swapped {
		return
	}

	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Kind:            model.DiscrepancyStuck,
		LocalStatus:     model.OrderStatusSubmitted,
		RemoteStatus:    model.OrderStatusSubmitted,
		BeforeStatus:    model.OrderStatusSubmitted,
		AfterStatus:     model.OrderStatusStuck,
		Detail:          "no fill progress within stuck timeout",
	})
	w.notifier.Notify(notify.Event{
		Level:   notify.LevelWarning,
		Kind:    "order_stuck",
		OrderID: order.OrderID,
		Message: "order stuck without fill progress, attempting cancel",
	})

	order.Status = model.OrderStatusStuck
	w.resolveStuck(ctx, order, snap, report)
}

// resolveStuck tries to get a STUCK order out of limbo. Direct cancel first;
// a venue refusal usually means the order completed, so the status is
// re-queried. Sustained transient failures are delegated to the executor
// process over the channel, and only when that also fails does the order
// land in ERROR.
func (w *Watchdog) resolveStuck(ctx context.Context, order *model.Order, snap *config.Snapshot, report *model.SyncReport) {
	callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
	err := w.adapter.CancelOrder(callCtx, order.ExchangeOrderID, order.Symbol)
	cancel()

	if err == nil {
		w.failures[order.OrderID] = 0
		w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
			model.OrderStatusStuck, model.OrderStatusCancelled,
			repository.StatusChange{
				Reason:          "stuck order cancelled on exchange",
				Actor:           "watchdog",
				RefreshSyncedAt: true,
			})
		return
	}

	if fault.KindOf(err) == fault.Rejection {
		// The venue refused the cancel, most likely because the order
		// already completed. Trust what it says now.
		w.failures[order.OrderID] = 0

		callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
		remote, qerr := w.adapter.GetOrderStatus(callCtx, order.ExchangeOrderID, order.Symbol)
		cancel()

		if qerr == nil && remote != nil && model.CanTransition(model.OrderStatusStuck, remote.Status) {
			filled := remote.FilledQuantity
			w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
				model.OrderStatusStuck, remote.Status,
				repository.StatusChange{
					FilledQuantity:  &filled,
					Reason:          "stuck order completed on exchange",
					Actor:           "watchdog",
					RefreshSyncedAt: true,
				})
			return
		}

		w.escalateStuck(ctx, order, report, "cancel refused and status irrecoverable")
		return
	}

	w.recordAdapterFailure(order.OrderID, err, snap)
	if w.failures[order.OrderID] < snap.FailureEscalation {
		return
	}

	// The exchange is unreachable from this process. Delegate the cancel to
	// the executor process, which may still have a working connection.
	requestID, serr := w.channel.Send(ctx, model.WatchdogActionCancelOrder, order.OrderID)
	if serr != nil {
		w.escalateStuck(ctx, order, report, "channel send failed: "+serr.Error())
		return
	}

	resp, aerr := w.channel.Await(ctx, requestID, snap.ChannelWait)
	if aerr == nil && resp.Result == model.WatchdogResultOK {
		w.failures[order.OrderID] = 0
		w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
			model.OrderStatusStuck, model.OrderStatusCancelled,
			repository.StatusChange{
				Reason:          "stuck order cancelled via delegated request",
				Actor:           "watchdog",
				RefreshSyncedAt: true,
			})
		return
	}

	detail := "delegated cancel failed"
	if aerr != nil {
		detail = "delegated cancel unanswered: " + aerr.Error()
	} else if resp.Detail != "" {
		detail = "delegated cancel failed: " + resp.Detail
	}
	w.escalateStuck(ctx, order, report, detail)
}

func (w *Watchdog) escalateStuck(ctx context.Context, order *model.Order, report *model.SyncReport, detail string) {
	swapped, err := w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
		model.OrderStatusStuck, model.OrderStatusError,
		repository.StatusChange{
			LastError: &detail,
			Reason:    "stuck order could not be resolved",
			Actor:     "watchdog",
		})
	if err != nil || !swapped {
		return
	}
	w.ledger.FlagForReview(ctx, order.OrderID)
	delete(w.failures, order.OrderID)

	report.IntegrityFaults++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Kind:            model.DiscrepancyStuck,
		LocalStatus:     model.OrderStatusStuck,
		BeforeStatus:    model.OrderStatusStuck,
		AfterStatus:     model.OrderStatusError,
		Detail:          detail,
	})
	w.notifier.Notify(notify.Event{
		Level:   notify.LevelCritical,
		Kind:    "stuck_unresolved",
		OrderID: order.OrderID,
		Message: detail,
	})
}

// escalateUnobservable terminates an open order whose status could not be
// read for FailureEscalation consecutive cycles. The ledger can no longer
// honor its convergence guarantee for that order, so it goes to ERROR for
// review rather than silently drifting.
func (w *Watchdog) escalateUnobservable(ctx context.Context, order *model.Order, report *model.SyncReport, cause error) {
	detail := "order status unobservable after repeated exchange failures: " + cause.Error()
	swapped, err := w.ledger.CompareAndSwapStatus(ctx, order.OrderID,
		order.Status, model.OrderStatusError,
		repository.StatusChange{
			LastError: &detail,
			Reason:    "exchange unreachable beyond escalation threshold",
			Actor:     "watchdog",
		})
	if err != nil || !swapped {
		return
	}
	w.ledger.FlagForReview(ctx, order.OrderID)
	delete(w.failures, order.OrderID)

	report.IntegrityFaults++
	report.Discrepancies = append(report.Discrepancies, model.SyncDiscrepancy{
		OrderRef:        order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Kind:            model.DiscrepancyStuck,
		LocalStatus:     order.Status,
		BeforeStatus:    order.Status,
		AfterStatus:     model.OrderStatusError,
		Detail:          detail,
	})
	w.notifier.Notify(notify.Event{
		Level:   notify.LevelCritical,
		Kind:    "status_unobservable",
		OrderID: order.OrderID,
		Message: detail,
	})
}

func (w *Watchdog) recordAdapterFailure(orderID string, err error, snap *config.Snapshot) {
	w.failures[orderID]++
	logger.WithFields(map[string]interface{}{
		"component":            "Watchdog",
		"order_id":             orderID,
		"consecutive_failures": w.failures[orderID],
		"escalation_threshold": snap.FailureEscalation,
	}).WithError(err).Warn("Exchange call failed for order")
}
