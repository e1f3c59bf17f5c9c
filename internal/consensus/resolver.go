// Package consensus implements the longest-valid-chain fork-choice rule and
// the gathering of peer chains it is applied to.
//
// Chain length is the only score. A peer that can cheaply produce a longer
// valid chain wins; there is no cumulative-difficulty weighting.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/ledger"
	"github.com/jmerrifield20/powledger/pkg/block"
)

// ChainFetcher retrieves the full chain held by a peer.
type ChainFetcher interface {
	FetchChain(ctx context.Context, peer string) ([]block.Block, error)
}

// Snapshot is one peer's chain as reported during a resolution round.
type Snapshot struct {
	Peer   string
	Blocks []block.Block
}

// Result describes the outcome of a resolution round.
type Result struct {
	Replaced       bool   `json:"replaced"`
	Peer           string `json:"peer,omitempty"`
	Length         int    `json:"length"`
	PreviousLength int    `json:"previous_length"`
	Candidates     int    `json:"candidates"`
}

// Config holds resolver configuration.
type Config struct {
	PeerTimeout    time.Duration
	MaxConcurrency int
}

// FetchRecordFunc is an optional callback invoked after every peer fetch.
type FetchRecordFunc func(peer string, err error)

// OutcomeRecordFunc is an optional callback invoked after every Resolve.
type OutcomeRecordFunc func(replaced bool)

// Resolver gathers peer chains and applies Choose to a ledger.
type Resolver struct {
	fetcher   ChainFetcher
	cfg       Config
	onFetch   FetchRecordFunc
	onOutcome OutcomeRecordFunc
	logger    *zap.Logger
}

// New creates a Resolver.
func New(fetcher ChainFetcher, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fetcher: fetcher, cfg: cfg, logger: logger}
}

// SetFetchRecord configures the per-fetch metrics callback.
func (r *Resolver) SetFetchRecord(fn FetchRecordFunc) {
	r.onFetch = fn
}

// SetOutcomeRecord configures the per-round metrics callback.
func (r *Resolver) SetOutcomeRecord(fn OutcomeRecordFunc) {
	r.onOutcome = fn
}

// Choose applies the fork-choice rule. A candidate becomes the best only if it
// is strictly longer than the best so far (initially the local chain) and
// passes ledger.Validate. Invalid candidates are skipped. It reports false
// when no candidate beats the local chain.
func Choose(localLen int, candidates []Snapshot, difficulty int) (Snapshot, bool) {
	var best Snapshot
	bestLen := localLen
	found := false
	for _, c := range candidates {
		if len(c.Blocks) <= bestLen {
			continue
		}
		if err := ledger.Validate(c.Blocks, difficulty); err != nil {
			continue
		}
		best, bestLen, found = c, len(c.Blocks), true
	}
	return best, found
}

// Gather fetches every peer's chain concurrently, each under its own timeout.
// Peers that fail or time out contribute no snapshot. The result is ordered by
// peer address.
func (r *Resolver) Gather(ctx context.Context, peers []string) []Snapshot {
	p := pool.NewWithResults[Snapshot]().WithMaxGoroutines(r.cfg.MaxConcurrency)
	for _, peer := range peers {
		p.Go(func() Snapshot {
			fctx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
			defer cancel()

			blocks, err := r.fetcher.FetchChain(fctx, peer)
			if r.onFetch != nil {
				r.onFetch(peer, err)
			}
			if err != nil {
				r.logger.Warn("consensus: fetch peer chain",
					zap.String("peer", peer),
					zap.Error(err),
				)
				return Snapshot{Peer: peer}
			}
			return Snapshot{Peer: peer, Blocks: blocks}
		})
	}

	var out []Snapshot
	for _, s := range p.Wait() {
		if s.Blocks != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Resolve gathers peer chains without holding the ledger lock, chooses the
// longest valid one and swaps it into l. It never shortens l: the swap is
// skipped if l grew past the winner while peers were being fetched.
func (r *Resolver) Resolve(ctx context.Context, l *ledger.Ledger, peers []string) (Result, error) {
	snapshots := r.Gather(ctx, peers)
	before := l.Len()
	res := Result{Length: before, PreviousLength: before, Candidates: len(snapshots)}

	best, ok := Choose(before, snapshots, l.Difficulty())
	if ok {
		replaced, err := l.Replace(best.Blocks)
		if err != nil {
			return res, fmt.Errorf("replace chain from %s: %w", best.Peer, err)
		}
		if replaced {
			res.Replaced = true
			res.Peer = best.Peer
			r.logger.Info("consensus: adopted longer chain",
				zap.String("peer", best.Peer),
				zap.Int("previous_length", before),
				zap.Int("length", len(best.Blocks)),
			)
		}
	}
	res.Length = l.Len()

	if r.onOutcome != nil {
		r.onOutcome(res.Replaced)
	}
	return res, nil
}
