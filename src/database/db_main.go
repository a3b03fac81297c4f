package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ordersync/src/model"
)

// MainDB is the primary read/write database connection used by the
// application. The ledger, both channel queues, sync reports and heartbeats
// all live here, so a row committed by one process is immediately visible to
// the other.
var MainDB *gorm.DB

// InitMainDB initializes the main (read/write) database connection and runs
// migrations. This should be called once at process startup.
func InitMainDB() error {
	config := GetConfig()

	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
	}

	var (
		db  *gorm.DB
		err error
	)

	switch config.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(config.DatabaseURLMain), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(config.SQLitePath), gormCfg)
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", config.Driver)
	}
	if err != nil {
		logrus.WithError(err).
			WithField("driver", config.Driver).
			Error("Failed to connect to database")
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from GORM: %w", err)
	}

	if config.Driver == "postgres" {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(1 * time.Hour)
	} else {
		// A single writer connection keeps sqlite transactions serialized
		// across the executor and watchdog processes.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping MainDB: %w", err)
	}

	// Assign to the global variable only after a successful connection.
	MainDB = db

	logrus.WithField("driver", config.Driver).Info("[database] MainDB connection established")

	if err := MainDB.AutoMigrate(
		&model.Order{},
		&model.OrderLog{},
		&model.ArchivedOrder{},
		&model.OrderIntent{},
		&model.SyncReport{},
		&model.SyncDiscrepancy{},
		&model.WatchdogRequest{},
		&model.WatchdogResponse{},
		&model.ProcessHeartbeat{},
		&model.Exception{},
	); err != nil {
		return fmt.Errorf("failed to run migrations on MainDB: %w", err)
	}

	logrus.Info("[database] MainDB migrations completed")

	return nil
}
