package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	TargetSymbols []string      `envconfig:"TARGET_SYMBOLS" default:"BTCUSDT"`
	LoopPeriod    time.Duration `envconfig:"LOOP_PERIOD" default:"30s"`
	ArchiveEvery  time.Duration `envconfig:"ARCHIVE_EVERY" default:"1h"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
