// Package ledger implements the node's in-memory, hash-chained block ledger.
//
// The chain begins with a mined genesis block whose previous hash is the
// sentinel block.GenesisPrevHash. Every later block records the hash of its
// predecessor and carries a proof of work, so any tampering is detectable with
// Validate. Records wait in a pending queue until Mine seals them into a block.
//
// A chain is only ever replaced wholesale: Replace and Adopt validate a private
// copy of the candidate and then swap it in under the write lock, so readers
// see either the old chain or the new one.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/pkg/block"
)

// Ledger is a thread-safe chain of sealed blocks plus a queue of pending
// records.
type Ledger struct {
	mu      sync.RWMutex
	blocks  []block.Block
	pending []block.Record
	// abort cancels the in-flight mining search, if any. Guarded by mu.
	abort context.CancelCauseFunc

	// mining is held for the whole of Mine; only one search runs at a time.
	mining sync.Mutex

	difficulty  int
	genesisTime time.Time
	now         func() time.Time
	logger      *zap.Logger
}

// New creates a Ledger holding a freshly mined genesis block.
func New(difficulty int, opts ...Option) (*Ledger, error) {
	l, err := newLedger(difficulty, opts)
	if err != nil {
		return nil, err
	}

	ts := l.genesisTime
	if ts.IsZero() {
		ts = l.now()
	}
	genesis, err := block.Genesis(context.Background(), ts, difficulty)
	if err != nil {
		return nil, err
	}
	l.blocks = []block.Block{genesis}

	l.logger.Info("ledger initialised",
		zap.Int("difficulty", difficulty),
		zap.String("genesis_hash", genesis.Hash),
	)
	return l, nil
}

// FromBlocks creates a Ledger from an existing chain, typically a dump received
// from a peer. The chain is validated and copied.
func FromBlocks(blocks []block.Block, difficulty int, opts ...Option) (*Ledger, error) {
	l, err := newLedger(difficulty, opts)
	if err != nil {
		return nil, err
	}
	cp := cloneBlocks(blocks)
	if err := Validate(cp, difficulty); err != nil {
		return nil, fmt.Errorf("build ledger from blocks: %w", err)
	}
	l.blocks = cp
	return l, nil
}

func newLedger(difficulty int, opts []Option) (*Ledger, error) {
	if difficulty < 0 {
		return nil, fmt.Errorf("difficulty must not be negative, got %d", difficulty)
	}
	l := &Ledger{
		difficulty: difficulty,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Submit appends a record to the pending queue. The record is copied.
func (l *Ledger) Submit(rec block.Record) error {
	if len(rec) == 0 {
		return ErrEmptyRecord
	}
	if !json.Valid(rec) {
		return ErrMalformedRecord
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, append(block.Record(nil), rec...))
	return nil
}

// Mine seals the pending records into a new block and appends it to the chain.
//
// It returns ErrNothingToMine when nothing is pending and ErrMiningInProgress
// when another Mine call is running. The nonce search holds no ledger lock. If
// a block is accepted or the chain is replaced while searching, the search is
// abandoned and ErrStaleCandidate is returned with the pending queue intact.
// Records submitted during the search stay pending for the next block.
func (l *Ledger) Mine(ctx context.Context) (block.Block, error) {
	if !l.mining.TryLock() {
		return block.Block{}, ErrMiningInProgress
	}
	defer l.mining.Unlock()

	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return block.Block{}, ErrNothingToMine
	}
	tip := l.blocks[len(l.blocks)-1]
	n := len(l.pending)
	c := block.NewCandidate(tip.Index+1, l.pending[:n], tip.ComputeHash(), l.now())
	mctx, cancel := context.WithCancelCause(ctx)
	l.abort = cancel
	l.mu.Unlock()
	defer cancel(nil)

	start := time.Now()
	sealed, err := block.Seal(mctx, c, l.difficulty)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.abort = nil

	if err != nil {
		if errors.Is(context.Cause(mctx), ErrStaleCandidate) {
			l.logger.Info("mining abandoned, chain tip moved", zap.Uint64("index", c.Index()))
			return block.Block{}, ErrStaleCandidate
		}
		return block.Block{}, fmt.Errorf("mine block %d: %w", c.Index(), err)
	}

	if err := l.acceptLocked(sealed); err != nil {
		if errors.Is(err, ErrPrevHashMismatch) {
			return block.Block{}, ErrStaleCandidate
		}
		return block.Block{}, fmt.Errorf("accept mined block %d: %w", sealed.Index, err)
	}

	// Only Mine removes from pending and Mine is exclusive, so the first n
	// records are still the ones that were sealed.
	l.pending = append([]block.Record(nil), l.pending[n:]...)

	l.logger.Info("block mined",
		zap.Uint64("index", sealed.Index),
		zap.String("hash", sealed.Hash),
		zap.Int("records", n),
		zap.Uint64("nonce", sealed.Nonce),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sealed.Clone(), nil
}

// Accept appends a block proposed by a peer. The block must link to the
// current tip, carry the next index and hold a valid proof of work; otherwise
// the ledger is left unchanged.
func (l *Ledger) Accept(b block.Block) error {
	b = b.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.acceptLocked(b); err != nil {
		return err
	}
	l.abortMiningLocked()

	l.logger.Debug("block accepted",
		zap.Uint64("index", b.Index),
		zap.String("hash", b.Hash),
	)
	return nil
}

// acceptLocked links b to the tip's recomputed hash, as Validate does. Only a
// genesis block can carry a stored hash that differs from it.
func (l *Ledger) acceptLocked(b block.Block) error {
	tip := l.blocks[len(l.blocks)-1]
	if b.PrevHash != tip.ComputeHash() {
		return fmt.Errorf("block %d: %w", b.Index, ErrPrevHashMismatch)
	}
	if b.Index != tip.Index+1 {
		return fmt.Errorf("block %d, want %d: %w", b.Index, tip.Index+1, ErrIndexMismatch)
	}
	if !block.Verify(b, b.Hash, l.difficulty) {
		return fmt.Errorf("block %d: %w", b.Index, ErrInvalidProof)
	}
	l.blocks = append(l.blocks, b)
	return nil
}

// abortMiningLocked cancels an in-flight search whose candidate no longer
// extends the tip. mu must be held.
func (l *Ledger) abortMiningLocked() {
	if l.abort != nil {
		l.abort(ErrStaleCandidate)
		l.abort = nil
	}
}

// Replace swaps in blocks as the whole chain if they are valid and strictly
// longer than the current chain at the moment of the swap. It reports whether
// the chain was replaced. Pending records are kept.
func (l *Ledger) Replace(blocks []block.Block) (bool, error) {
	return l.swap(blocks, false)
}

// Adopt is Replace for a node joining a network: an equally long chain is also
// accepted, so a fresh node can drop its own genesis for the network's.
func (l *Ledger) Adopt(blocks []block.Block) (bool, error) {
	return l.swap(blocks, true)
}

func (l *Ledger) swap(blocks []block.Block, allowEqual bool) (bool, error) {
	cp := cloneBlocks(blocks)
	if err := Validate(cp, l.difficulty); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := len(l.blocks)
	if len(cp) < current || (len(cp) == current && !allowEqual) {
		return false, nil
	}
	l.blocks = cp
	l.abortMiningLocked()

	l.logger.Info("chain replaced",
		zap.Int("previous_length", current),
		zap.Int("length", len(cp)),
		zap.String("tip", cp[len(cp)-1].Hash),
	)
	return true, nil
}

// Verify validates the ledger's own chain.
func (l *Ledger) Verify() error {
	return Validate(l.Blocks(), l.difficulty)
}

// Len returns the number of blocks, including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Last returns a copy of the tip block.
func (l *Ledger) Last() block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1].Clone()
}

// Blocks returns a deep copy of the chain.
func (l *Ledger) Blocks() []block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneBlocks(l.blocks)
}

// Block returns a copy of the block at index.
func (l *Ledger) Block(index uint64) (block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.blocks)) {
		return block.Block{}, fmt.Errorf("index %d: %w", index, ErrBlockNotFound)
	}
	return l.blocks[index].Clone(), nil
}

// Pending returns a copy of the unmined records in submission order.
func (l *Ledger) Pending() []block.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]block.Record, len(l.pending))
	for i, r := range l.pending {
		out[i] = append(block.Record(nil), r...)
	}
	return out
}

// Difficulty returns the proof-of-work difficulty this ledger enforces.
func (l *Ledger) Difficulty() int {
	return l.difficulty
}

func cloneBlocks(blocks []block.Block) []block.Block {
	out := make([]block.Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}
