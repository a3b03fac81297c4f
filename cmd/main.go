package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"ordersync/cmd/executor"
	"ordersync/cmd/status"
	"ordersync/cmd/syncer"
	"ordersync/cmd/watchdog"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Ordersync CMD"
	app.Usage = "The order lifecycle sync command line interface"

	app.Commands = []cli.Command{
		executorCMD,
		watchdogCMD,
		syncCMD,
		statusCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	executorCMD = cli.Command{
		Name:        "executor",
		Usage:       "run Executor",
		Action:      executorAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the order executor process`,
	}
	watchdogCMD = cli.Command{
		Name:        "watchdog",
		Usage:       "run Watchdog",
		Action:      watchdogAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the reconciliation watchdog process`,
	}
	syncCMD = cli.Command{
		Name:        "force-sync",
		Usage:       "run one forced reconciliation pass",
		Action:      syncAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run a single full reconciliation pass and exit`,
	}
	statusCMD = cli.Command{
		Name:        "status",
		Usage:       "run the status HTTP server",
		Action:      statusAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Serve the read-only status endpoints`,
	}
)

func executorAction(_ *cli.Context) error {

	logrus.Info("Starting executor CMD")
	logrus.WithField("cmd", "executor")

	exec := &executor.Executor{}
	err := exec.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func watchdogAction(_ *cli.Context) error {

	logrus.Info("Starting watchdog CMD")
	logrus.WithField("cmd", "watchdog")

	wd := &watchdog.Watchdog{}
	err := wd.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func syncAction(_ *cli.Context) error {

	logrus.Info("Starting forced sync CMD")
	logrus.WithField("cmd", "force-sync")

	sync := &syncer.Syncer{}
	err := sync.Start()
	if err != nil {
		logrus.WithError(err).Error("Forced sync unhealthy")
		return cli.NewExitError(err.Error(), 2)
	}

	return nil
}

func statusAction(_ *cli.Context) error {

	logrus.Info("Starting status CMD")
	logrus.WithField("cmd", "status")

	st := &status.Status{}
	err := st.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
