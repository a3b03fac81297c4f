package exchange

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"ordersync/src/security"
)

type Config struct {
	Venue        string        `envconfig:"EXCHANGE_VENUE" default:"binance"`
	BaseURL      string        `envconfig:"EXCHANGE_BASE_URL" default:""`
	APIKey       string        `envconfig:"EXCHANGE_API_KEY" default:""`
	APISecretEnc string        `envconfig:"EXCHANGE_API_SECRET_ENC" default:""`
	CallTimeout  time.Duration `envconfig:"EXCHANGE_CALL_TIMEOUT" default:"15s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// NewAdapter builds the Adapter for the configured venue. The API secret is
// stored encrypted in the environment and decrypted here.
func NewAdapter(cfg Config) (Adapter, error) {
	secret := ""
	if cfg.APISecretEnc != "" {
		var err error
		secret, err = security.DecryptString(cfg.APISecretEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypting exchange api secret: %w", err)
		}
	}

	switch cfg.Venue {
	case "binance":
		return NewBinanceAdapter(cfg.APIKey, secret, cfg.BaseURL, cfg.CallTimeout), nil
	case "rest":
		return NewRESTAdapter(cfg.APIKey, secret, cfg.BaseURL, cfg.CallTimeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown exchange venue %q", cfg.Venue)
	}
}
