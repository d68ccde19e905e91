package coordinator

import (
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/toml"
)

const (
	// DefaultTransactionTimeout bounds a cross-shard commit or rollback.
	DefaultTransactionTimeout = 30 * time.Second

	// DefaultCommitRetries is the number of post-decision delivery retries
	// per participant.
	DefaultCommitRetries = 3

	// DefaultRetryBackoff is the initial delay between delivery retries; it
	// doubles per attempt up to DefaultMaxRetryBackoff.
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultMaxRetryBackoff = 5 * time.Second
)

// Config holds the transaction coordinator settings.
type Config struct {
	TransactionTimeout toml.Duration `toml:"transaction-timeout"`
	CommitRetries      int           `toml:"commit-retries"`
	RetryBackoff       toml.Duration `toml:"retry-backoff"`
	MaxRetryBackoff    toml.Duration `toml:"max-retry-backoff"`

	// RecoveryEnabled persists commit decisions to the decision log so
	// in-doubt transactions survive a coordinator crash.
	RecoveryEnabled bool   `toml:"recovery-enabled"`
	DecisionLogPath string `toml:"decision-log-path"`
}

// NewConfig builds a new configuration with default values.
func NewConfig() Config {
	return Config{
		TransactionTimeout: toml.Duration(DefaultTransactionTimeout),
		CommitRetries:      DefaultCommitRetries,
		RetryBackoff:       toml.Duration(DefaultRetryBackoff),
		MaxRetryBackoff:    toml.Duration(DefaultMaxRetryBackoff),
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.TransactionTimeout <= 0 {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  "transaction-timeout must be a positive duration",
		}
	}
	if c.CommitRetries < 0 {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  "commit-retries must not be negative",
		}
	}
	if c.RecoveryEnabled && c.DecisionLogPath == "" {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  "recovery-enabled requires decision-log-path",
		}
	}
	return nil
}
