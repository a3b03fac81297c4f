package status

import (
	"github.com/sirupsen/logrus"

	"ordersync/src/database"
	"ordersync/src/server"
)

type Status struct {
}

func (t *Status) Start() error {
	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	server.StartServer(server.GetConfig().Port)
	return nil
}
