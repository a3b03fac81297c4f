package watchdog

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"ordersync/src/channel"
	"ordersync/src/config"
	"ordersync/src/database"
	"ordersync/src/exchange"
	"ordersync/src/executors"
	"ordersync/src/notify"
	"ordersync/src/repository"
	"ordersync/src/syncengine"
	"ordersync/src/watchdog"
)

type Watchdog struct {
}

func (t *Watchdog) Start() error {
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

	notifier := notify.NewLogNotifier()
	ledger := repository.NewLedgerRepository()
	reports := repository.NewSyncReportRepository()
	source := config.NewCachingSource(config.NewEnvSource())

	snap, err := source.LoadSnapshot()
	if err != nil {
		return err
	}

	// The watchdog must not reconcile against an unreconciled ledger. The
	// startup pass is blocking and a failure refuses to start.
	engine := syncengine.New(ledger, reports, adapter, notifier,
		executors.GetConfig().TargetSymbols)
	if _, err := engine.Run(ctx, syncengine.TriggerStartup, snap); err != nil {
		logrus.WithError(err).Error("Startup reconciliation failed, refusing to start")
		return err
	}

	wd := watchdog.New(
		ledger,
		reports,
		repository.NewHeartbeatRepository(),
		adapter,
		channel.New(repository.NewChannelRepository(), "watchdog"),
		notifier,
	)

	if err := wd.Run(ctx, source); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("Watchdog loop failed")
		return err
	}

	return nil
}
