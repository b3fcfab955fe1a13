/*
Package config holds the engine's runtime options.

PURPOSE:

	One struct, flag-bound in cmd/, with the documented defaults. Packages
	take the values they need at construction; nothing reads config
	globally.
*/
package config

import (
	"flag"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full option set.
type Config struct {
	// Outbox worker.
	OutboxBatchSize    int
	OutboxLockDuration time.Duration
	OutboxPollInterval time.Duration
	OutboxMaxAttempts  int

	// Sagas.
	SagaDefaultTimeout time.Duration

	// Epsilons.
	BalanceVarianceEpsilon decimal.Decimal
	TrustIntegrityEpsilon  decimal.Decimal
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		OutboxBatchSize:        10,
		OutboxLockDuration:     5 * time.Minute,
		OutboxPollInterval:     1000 * time.Millisecond,
		OutboxMaxAttempts:      5,
		SagaDefaultTimeout:     30 * time.Minute,
		BalanceVarianceEpsilon: decimal.New(1, -4),
		TrustIntegrityEpsilon:  decimal.New(1, -2),
	}
}

// Bind registers flags for the tunable options on the given FlagSet.
// Call fs.Parse, then Resolve.
func Bind(fs *flag.FlagSet) *flagValues {
	return &flagValues{
		batchSize:   fs.Int("outbox-batch-size", 10, "outbox events claimed per poll"),
		lockMinutes: fs.Int("outbox-lock-minutes", 5, "outbox claim lock duration in minutes"),
		pollMillis:  fs.Int("outbox-poll-ms", 1000, "outbox poll interval in milliseconds"),
		maxAttempts: fs.Int("outbox-max-attempts", 5, "outbox delivery attempts before dead-letter"),
		sagaTimeout: fs.Int("saga-timeout-minutes", 30, "default saga timeout in minutes"),
		balanceEps:  fs.String("balance-epsilon", "0.0001", "entry balance tolerance"),
		trustEps:    fs.String("trust-epsilon", "0.01", "trust integrity tolerance"),
	}
}

type flagValues struct {
	batchSize   *int
	lockMinutes *int
	pollMillis  *int
	maxAttempts *int
	sagaTimeout *int
	balanceEps  *string
	trustEps    *string
}

// Resolve builds the Config from parsed flags.
func (f *flagValues) Resolve() Config {
	cfg := Default()
	cfg.OutboxBatchSize = *f.batchSize
	cfg.OutboxLockDuration = time.Duration(*f.lockMinutes) * time.Minute
	cfg.OutboxPollInterval = time.Duration(*f.pollMillis) * time.Millisecond
	cfg.OutboxMaxAttempts = *f.maxAttempts
	cfg.SagaDefaultTimeout = time.Duration(*f.sagaTimeout) * time.Minute
	if d, err := decimal.NewFromString(*f.balanceEps); err == nil {
		cfg.BalanceVarianceEpsilon = d
	}
	if d, err := decimal.NewFromString(*f.trustEps); err == nil {
		cfg.TrustIntegrityEpsilon = d
	}
	return cfg
}
