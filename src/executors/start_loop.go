// Package executors wires the executor process: a blocking startup
// reconciliation followed by the periodic batch loop that drains channel
// requests and new order intents.
package executors

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"ordersync/src/channel"
	"ordersync/src/config"
	"ordersync/src/exchange"
	"ordersync/src/executor"
	"ordersync/src/model"
	"ordersync/src/notify"
	"ordersync/src/repository"
	"ordersync/src/syncengine"
)

const processName = "executor"

// Loop is the executor process. One instance owns intent submission,
// channel request consumption and terminal order archival.
type Loop struct {
	cfg        Config
	source     config.Source
	ledger     *repository.LedgerRepository
	intents    *repository.IntentRepository
	heart      *repository.HeartbeatRepository
	adapter    exchange.Adapter
	exec       *executor.Executor
	engine     *syncengine.Engine
	channel    *channel.Channel
	notifier   notify.Notifier
	exceptions *repository.ExceptionRepository

	lastArchive time.Time
}

// NewLoop assembles the executor process from the default repositories and
// the configured exchange adapter.
func NewLoop() (*Loop, error) {
	cfg := GetConfig()

	adapter, err := exchange.NewAdapter(exchange.GetConfig())
	if err != nil {
		return nil, err
	}

	ledger := repository.NewLedgerRepository()
	notifier := notify.NewLogNotifier()

	return &Loop{
		cfg:     cfg,
		source:  config.NewCachingSource(config.NewEnvSource()),
		ledger:  ledger,
		intents: repository.NewIntentRepository(),
		heart:   repository.NewHeartbeatRepository(),
		adapter: adapter,
		exec:    executor.New(ledger, adapter, notifier),
		engine: syncengine.New(ledger, repository.NewSyncReportRepository(),
			adapter, notifier, cfg.TargetSymbols),
		channel:    channel.New(repository.NewChannelRepository(), processName),
		notifier:   notifier,
		exceptions: repository.NewExceptionRepository(),
	}, nil
}

// StartLoop runs the executor process until the context is cancelled. The
// startup reconciliation is blocking: no intent is submitted before the
// ledger agrees with the exchange.
func StartLoop(ctx context.Context) error {
	loop, err := NewLoop()
	if err != nil {
		return err
	}
	return loop.Run(ctx)
}

func (l *Loop) Run(ctx context.Context) error {
	snap, err := l.source.LoadSnapshot()
	if err != nil {
		return err
	}

	report, err := l.engine.Run(ctx, syncengine.TriggerStartup, snap)
	if err != nil {
		logger.WithError(err).Error("Startup reconciliation failed, refusing to start")
		return err
	}
	logger.WithFields(map[string]interface{}{
		"matched":          report.Matched,
		"corrected":        report.Corrected,
		"integrity_faults": report.IntegrityFaults,
	}).Info("Startup reconciliation finished")

	ticker := time.NewTicker(l.cfg.LoopPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("executor loop stopped")
			return nil

		case <-ticker.C:
			logger.Info("executor loop tick")

			// The snapshot is loaded once per batch and applied to every
			// intent in it. A failing reload keeps the previous snapshot.
			if next, err := l.source.LoadSnapshot(); err == nil {
				snap = next
			} else {
				logger.WithError(err).Warn("Snapshot reload failed, keeping previous")
			}

			if err := l.heart.Beat(ctx, processName, ""); err != nil {
				logger.WithError(err).Warn("Failed to record heartbeat")
			}

			l.runBatch(ctx, snap)
		}
	}
}

func (l *Loop) runBatch(ctx context.Context, snap *config.Snapshot) {
	if handled, err := l.channel.Drain(ctx, l.handleRequest(snap)); err != nil {
		repository.Capture(ctx, l.exceptions, processName, "executors", "runBatch",
			"error", err, map[string]interface{}{"handled": handled})
	} else if handled > 0 {
		logger.WithField("handled", handled).Info("Drained channel requests")
	}

	l.drainIntents(ctx, snap)

	if time.Since(l.lastArchive) >= l.cfg.ArchiveEvery {
		cutoff := time.Now().UTC().Add(-snap.RetentionWindow)
		if archived, err := l.ledger.ArchiveTerminalBefore(ctx, cutoff); err != nil {
			logger.WithError(err).Error("Failed to archive terminal orders")
		} else if archived > 0 {
			logger.WithField("archived", archived).Info("Archived terminal orders")
		}
		l.lastArchive = time.Now()
	}
}

func (l *Loop) drainIntents(ctx context.Context, snap *config.Snapshot) {
	intents, err := l.intents.FindNew(ctx, snap.ConcurrencyLimit)
	if err != nil {
		logger.WithError(err).Error("Failed to load new intents")
		return
	}

	for i := range intents {
		intent := &intents[i]

		order, err := l.exec.Submit(ctx, intent, snap)
		if err != nil {
			orderRef := ""
			if order != nil {
				orderRef = order.OrderID
			}
			if merr := l.intents.MarkFailed(ctx, intent.ID, orderRef, err.Error()); merr != nil {
				logger.WithField("intent_id", intent.ID).
					WithError(merr).Error("Failed to mark intent failed")
			}
			continue
		}

		if err := l.intents.MarkProcessed(ctx, intent.ID, order.OrderID); err != nil {
			logger.WithField("intent_id", intent.ID).
				WithError(err).Error("Failed to mark intent processed")
		}
	}
}

// handleRequest is the executor side of the inter-process channel.
// Corrective actions stay idempotent so a redelivered request is harmless.
func (l *Loop) handleRequest(snap *config.Snapshot) channel.Handler {
	return func(ctx context.Context, req *model.WatchdogRequest) (model.WatchdogResult, string) {
		logger.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"action":     req.Action,
			"order_ref":  req.OrderRef,
		}).Info("Handling channel request")

		switch req.Action {
		case model.WatchdogActionCancelOrder:
			return l.handleCancel(ctx, req.OrderRef, snap)
		case model.WatchdogActionForceSync:
			report, err := l.engine.Run(ctx, syncengine.TriggerForced, snap)
			if err != nil {
				return model.WatchdogResultFailed, err.Error()
			}
			return model.WatchdogResultOK, fmt.Sprintf(
				"matched=%d corrected=%d integrity_faults=%d",
				report.Matched, report.Corrected, report.IntegrityFaults)
		case model.WatchdogActionQueryStatus:
			return l.handleQuery(ctx, req.OrderRef, snap)
		default:
			return model.WatchdogResultUnknown, "unsupported action " + string(req.Action)
		}
	}
}

func (l *Loop) handleCancel(ctx context.Context, orderRef string, snap *config.Snapshot) (model.WatchdogResult, string) {
	order, err := l.ledger.FindByOrderID(ctx, orderRef)
	if err != nil {
		return model.WatchdogResultFailed, err.Error()
	}
	if order == nil {
		return model.WatchdogResultUnknown, "order not found"
	}
	if order.Status.Terminal() {
		// Already settled; a redelivered cancel has nothing left to do.
		if order.Status == model.OrderStatusCancelled {
			return model.WatchdogResultOK, "already cancelled"
		}
		return model.WatchdogResultFailed, "order already terminal as " + string(order.Status)
	}
	if order.ExchangeOrderID == "" {
		return model.WatchdogResultFailed, "order has no exchange order id to cancel"
	}

	callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
	err = l.adapter.CancelOrder(callCtx, order.ExchangeOrderID, order.Symbol)
	cancel()
	if err != nil {
		return model.WatchdogResultFailed, err.Error()
	}

	swapped, err := l.ledger.CompareAndSwapStatus(ctx, order.OrderID,
		order.Status, model.OrderStatusCancelled,
		repository.StatusChange{
			Reason:          "cancelled on delegated request",
			Actor:           processName,
			RefreshSyncedAt: true,
		})
	if err != nil {
		return model.WatchdogResultFailed, err.Error()
	}
	if !swapped {
		// The row moved under us between the read and the swap. Report
		// what it says now instead of claiming the cancel applied.
		current, err := l.ledger.FindByOrderID(ctx, order.OrderID)
		if err != nil || current == nil {
			return model.WatchdogResultFailed, "cancel not applied, order state changed"
		}
		if current.Status == model.OrderStatusCancelled {
			return model.WatchdogResultOK, "already cancelled"
		}
		return model.WatchdogResultFailed, "cancel not applied, order now " + string(current.Status)
	}
	return model.WatchdogResultOK, "cancelled"
}

func (l *Loop) handleQuery(ctx context.Context, orderRef string, snap *config.Snapshot) (model.WatchdogResult, string) {
	order, err := l.ledger.FindByOrderID(ctx, orderRef)
	if err != nil {
		return model.WatchdogResultFailed, err.Error()
	}
	if order == nil {
		return model.WatchdogResultUnknown, "order not found"
	}

	detail := "local=" + string(order.Status)
	if order.ExchangeOrderID != "" {
		callCtx, cancel := context.WithTimeout(ctx, snap.CallTimeout)
		remote, err := l.adapter.GetOrderStatus(callCtx, order.ExchangeOrderID, order.Symbol)
		cancel()
		switch {
		case err != nil:
			detail += " remote=unavailable"
		case remote == nil:
			detail += " remote=unknown"
		default:
			detail += " remote=" + string(remote.Status)
		}
	}
	return model.WatchdogResultOK, detail
}
