package peers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/pkg/block"
	"github.com/jmerrifield20/powledger/pkg/client"
)

// AnnounceConfig holds block announcement configuration.
type AnnounceConfig struct {
	// Timeout bounds the whole delivery to one peer, retries included.
	Timeout         time.Duration
	MaxRetries      int
	MaxConcurrency  int
	InitialInterval time.Duration
}

// DeliveryRecordFunc is an optional callback for recording delivery outcomes.
type DeliveryRecordFunc func(peer string, success bool)

// Delivery is the outcome of announcing a block to one peer.
type Delivery struct {
	Peer     string
	Attempts int
	Err      error
}

// Announcer pushes newly mined blocks to peers. Transient failures are
// retried with exponential backoff; a peer that rejects the block is not
// retried, since its chain has moved on and consensus will reconcile it.
type Announcer struct {
	dialer     *Dialer
	cfg        AnnounceConfig
	onDelivery DeliveryRecordFunc
	logger     *zap.Logger

	// ctx is cancelled when Shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAnnouncer creates an Announcer that reaches peers through d.
func NewAnnouncer(d *Dialer, cfg AnnounceConfig, logger *zap.Logger) *Announcer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Announcer{
		dialer: d,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetDeliveryRecord configures the metrics callback.
func (a *Announcer) SetDeliveryRecord(fn DeliveryRecordFunc) {
	a.onDelivery = fn
}

// Announce broadcasts b to peers in the background. It returns immediately;
// Shutdown waits for outstanding announcements. After Shutdown it is a no-op.
func (a *Announcer) Announce(b block.Block, peers []string) {
	if len(peers) == 0 {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	b = b.Clone()
	peers = append([]string(nil), peers...)
	go func() {
		defer a.wg.Done()
		a.Broadcast(a.ctx, b, peers)
	}()
}

// Broadcast delivers b to every peer with bounded concurrency and returns one
// Delivery per peer, in the order of peers.
func (a *Announcer) Broadcast(ctx context.Context, b block.Block, peers []string) []Delivery {
	out := make([]Delivery, len(peers))
	p := pool.New().WithMaxGoroutines(a.cfg.MaxConcurrency)
	for i, peer := range peers {
		p.Go(func() {
			out[i] = a.deliver(ctx, b, peer)
		})
	}
	p.Wait()

	delivered := 0
	for _, d := range out {
		if d.Err == nil {
			delivered++
		}
	}
	a.logger.Info("block announced",
		zap.Uint64("index", b.Index),
		zap.String("hash", b.Hash),
		zap.Int("peers", len(peers)),
		zap.Int("delivered", delivered),
	)
	return out
}

// deliver sends b to a single peer with retries.
func (a *Announcer) deliver(ctx context.Context, b block.Block, peer string) Delivery {
	d := Delivery{Peer: peer}

	c, err := a.dialer.Client(peer)
	if err != nil {
		d.Err = err
		a.record(peer, false)
		return d
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.InitialInterval
	eb.MaxElapsedTime = a.cfg.Timeout
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(a.cfg.MaxRetries)), ctx)

	op := func() error {
		d.Attempts++
		err := c.AnnounceBlock(ctx, b)
		if errors.Is(err, client.ErrRejected) || errors.Is(err, client.ErrConflict) || errors.Is(err, client.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("announce: delivery failed, retrying",
			zap.String("peer", peer),
			zap.Int("attempt", d.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	d.Err = backoff.RetryNotify(op, policy, notify)
	a.record(peer, d.Err == nil)
	if d.Err != nil {
		a.logger.Warn("announce: giving up on peer",
			zap.String("peer", peer),
			zap.Uint64("index", b.Index),
			zap.Int("attempts", d.Attempts),
			zap.Error(d.Err),
		)
	}
	return d
}

func (a *Announcer) record(peer string, success bool) {
	if a.onDelivery != nil {
		a.onDelivery(peer, success)
	}
}

// Shutdown stops accepting announcements and waits for outstanding ones. If
// ctx ends first, remaining deliveries are cancelled and ctx.Err() returned.
func (a *Announcer) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}
