package executor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"ordersync/src/database"
	"ordersync/src/executors"
)

type Executor struct {
}

func (t *Executor) Start() error {
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

	if err := executors.StartLoop(ctx); err != nil {
		logrus.WithError(err).Error("Failed to run executor loop")
		return err
	}

	return nil
}
