package syncer

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"ordersync/src/config"
	"ordersync/src/database"
	"ordersync/src/exchange"
	"ordersync/src/executors"
	"ordersync/src/notify"
	"ordersync/src/repository"
	"ordersync/src/syncengine"
)

type Syncer struct {
}

// Start runs one forced reconciliation pass and returns an error when the
// pass left integrity faults behind, so the exit code can page whoever
// forced it.
func (t *Syncer) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	adapter, err := exchange.NewAdapter(exchange.GetConfig())
	if err != nil {
		logrus.WithError(err).Error("Failed to build exchange adapter")
		return err
	}

	snap, err := config.NewEnvSource().LoadSnapshot()
	if err != nil {
		return err
	}

	engine := syncengine.New(
		repository.NewLedgerRepository(),
		repository.NewSyncReportRepository(),
		adapter,
		notify.NewLogNotifier(),
		executors.GetConfig().TargetSymbols,
	)

	report, err := engine.Run(ctx, syncengine.TriggerForced, snap)
	if err != nil {
		logrus.WithError(err).Error("Forced reconciliation failed")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"matched":          report.Matched,
		"corrected":        report.Corrected,
		"orphaned_remote":  report.OrphanedRemote,
		"orphaned_local":   report.OrphanedLocal,
		"integrity_faults": report.IntegrityFaults,
	}).Info("Forced reconciliation finished")

	if report.IntegrityFaults > 0 {
		return fmt.Errorf("reconciliation left %d orders in ERROR for review", report.IntegrityFaults)
	}

	return nil
}
