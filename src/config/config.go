// Package config provides the immutable trading-parameter snapshot consumed
// once per processing batch. A snapshot never changes mid-batch; reload
// happens only at the next batch boundary.
package config

import (
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Snapshot is an immutable set of trading parameters captured at a batch
// boundary. Callers must not mutate it.
type Snapshot struct {
	RiskPercent decimal.Decimal
	Leverage    int

	// ConcurrencyLimit bounds how many intents one batch drains.
	ConcurrencyLimit int

	// Tolerance is the maximum relative quantity/price deviation accepted
	// before a matched pair counts as a parameter mismatch.
	Tolerance decimal.Decimal

	// StuckTimeout is how long a SUBMITTED order may sit without remote
	// progress before the watchdog declares it stuck.
	StuckTimeout time.Duration

	// PollInterval is the watchdog cycle period.
	PollInterval time.Duration

	// CallTimeout bounds a single exchange adapter call. Independent of
	// StuckTimeout: a slow network response is not evidence the order is
	// stuck.
	CallTimeout time.Duration

	MaxSubmitRetries int
	RetryBaseDelay   time.Duration

	// ChannelWait bounds how long the issuer waits for a channel response
	// before treating the request as failed.
	ChannelWait time.Duration

	// FailureEscalation is the number of consecutive adapter failures for
	// the same order before the watchdog escalates it to ERROR.
	FailureEscalation int

	// RetentionWindow is how long terminal orders stay in the live ledger
	// before archival.
	RetentionWindow time.Duration

	LoadedAt time.Time
}

// Source is the capability the engine consumes to obtain snapshots. A failing
// load must not crash a running batch; callers keep the previous snapshot.
type Source interface {
	LoadSnapshot() (*Snapshot, error)
}

// envSnapshot is the raw envconfig view of a snapshot.
type envSnapshot struct {
	RiskPercent       float64       `envconfig:"RISK_PERCENT" default:"1.0"`
	Leverage          int           `envconfig:"LEVERAGE" default:"1"`
	ConcurrencyLimit  int           `envconfig:"CONCURRENCY_LIMIT" default:"10"`
	Tolerance         float64       `envconfig:"TOLERANCE" default:"0.0001"`
	StuckTimeout      time.Duration `envconfig:"STUCK_TIMEOUT" default:"120s"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"15s"`
	MaxSubmitRetries  int           `envconfig:"MAX_SUBMIT_RETRIES" default:"3"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"500ms"`
	ChannelWait       time.Duration `envconfig:"CHANNEL_WAIT" default:"20s"`
	FailureEscalation int           `envconfig:"FAILURE_ESCALATION" default:"5"`
	RetentionWindow   time.Duration `envconfig:"RETENTION_WINDOW" default:"168h"`
}

// EnvSource loads snapshots from the process environment.
type EnvSource struct{}

// NewEnvSource creates an environment-backed snapshot source.
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

// LoadSnapshot reads the current environment into a fresh snapshot.
func (s *EnvSource) LoadSnapshot() (*Snapshot, error) {
	var raw envSnapshot
	if err := envconfig.Process("", &raw); err != nil {
		return nil, err
	}

	return &Snapshot{
		RiskPercent:       decimal.NewFromFloat(raw.RiskPercent),
		Leverage:          raw.Leverage,
		ConcurrencyLimit:  raw.ConcurrencyLimit,
		Tolerance:         decimal.NewFromFloat(raw.Tolerance),
		StuckTimeout:      raw.StuckTimeout,
		PollInterval:      raw.PollInterval,
		CallTimeout:       raw.CallTimeout,
		MaxSubmitRetries:  raw.MaxSubmitRetries,
		RetryBaseDelay:    raw.RetryBaseDelay,
		ChannelWait:       raw.ChannelWait,
		FailureEscalation: raw.FailureEscalation,
		RetentionWindow:   raw.RetentionWindow,
		LoadedAt:          time.Now().UTC(),
	}, nil
}

// CachingSource wraps another source and retains the last good snapshot when
// a reload fails, so one broken reload cannot take down a running loop.
type CachingSource struct {
	src Source

	mu   sync.Mutex
	last *Snapshot
}

// NewCachingSource wraps src with last-good-snapshot retention.
func NewCachingSource(src Source) *CachingSource {
	return &CachingSource{src: src}
}

// LoadSnapshot returns a fresh snapshot, or the previous one when the reload
// fails. It errors only when no snapshot was ever loaded.
func (c *CachingSource) LoadSnapshot() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.src.LoadSnapshot()
	if err != nil {
		if c.last != nil {
			logger.WithError(err).
				WithField("loaded_at", c.last.LoadedAt).
				Warn("Config reload failed, retaining previous snapshot")
			return c.last, nil
		}
		return nil, err
	}

	c.last = snap
	return snap, nil
}
