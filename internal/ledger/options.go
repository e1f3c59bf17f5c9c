package ledger

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithGenesisTime fixes the genesis timestamp. Nodes that share a genesis time
// and difficulty mine byte-identical genesis blocks.
func WithGenesisTime(ts time.Time) Option {
	return func(l *Ledger) { l.genesisTime = ts }
}

// WithClock replaces time.Now as the source of block timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}
