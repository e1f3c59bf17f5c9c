// Package node ties a ledger to the network. A Node owns the ledger, the peer
// registry and the outbound machinery (consensus resolver, block announcer)
// for its whole lifetime, and is what the HTTP layer talks to.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/consensus"
	"github.com/jmerrifield20/powledger/internal/ledger"
	"github.com/jmerrifield20/powledger/internal/peers"
	"github.com/jmerrifield20/powledger/pkg/block"
	"github.com/jmerrifield20/powledger/pkg/client"
)

// Event identifies a ledger change reported to the metrics callback.
type Event string

const (
	EventSubmitted Event = "submitted"
	EventMined     Event = "mined"
	EventAccepted  Event = "accepted"
	EventRejected  Event = "rejected"
	EventReplaced  Event = "replaced"
)

// MetricsRecorder is an optional callback invoked after every ledger change
// with the resulting chain length and pending queue size.
type MetricsRecorder func(event Event, chainLength, pending int)

// ErrNoAdvertiseURL is returned by RegisterWith when the node has no address
// it can give to the remote.
var ErrNoAdvertiseURL = errors.New("node has no advertise URL")

// ChainView is a consistent snapshot of the chain plus the known peers.
type ChainView struct {
	Length int           `json:"length"`
	Chain  []block.Block `json:"chain"`
	Peers  []string      `json:"peers"`
}

// MineResult is the outcome of a mine request.
type MineResult struct {
	Mined     bool         `json:"mined"`
	Block     *block.Block `json:"-"`
	Announced bool         `json:"announced"`
}

// Node is the per-process context object.
type Node struct {
	cfg       Config
	ledger    *ledger.Ledger
	peers     *peers.Registry
	dialer    *peers.Dialer
	resolver  *consensus.Resolver
	announcer *peers.Announcer
	now       func() time.Time
	onMetrics MetricsRecorder
	onFetch   consensus.FetchRecordFunc
	logger    *zap.Logger
}

// New creates a Node with a freshly mined genesis block.
func New(cfg Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 5 * time.Second
	}
	if cfg.AnnounceTimeout == 0 {
		cfg.AnnounceTimeout = 30 * time.Second
	}
	if cfg.PeerMaxFailures == 0 {
		cfg.PeerMaxFailures = 3
	}
	if cfg.AdvertiseURL != "" {
		u, err := peers.NormalizeAddress(cfg.AdvertiseURL)
		if err != nil {
			return nil, fmt.Errorf("advertise url: %w", err)
		}
		cfg.AdvertiseURL = u
	}
	logger = logger.With(zap.String("node_id", cfg.ID))

	l, err := ledger.New(cfg.Difficulty,
		ledger.WithLogger(logger),
		ledger.WithGenesisTime(cfg.GenesisTime),
	)
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	dialer := peers.NewDialer(cfg.PeerTimeout, "powledger/"+cfg.ID)
	n := &Node{
		cfg:    cfg,
		ledger: l,
		peers:  peers.NewRegistry(cfg.AdvertiseURL, logger),
		dialer: dialer,
		resolver: consensus.New(dialer, consensus.Config{
			PeerTimeout:    cfg.PeerTimeout,
			MaxConcurrency: cfg.MaxConcurrency,
		}, logger),
		announcer: peers.NewAnnouncer(dialer, peers.AnnounceConfig{
			Timeout:        cfg.AnnounceTimeout,
			MaxRetries:     cfg.AnnounceMaxRetries,
			MaxConcurrency: cfg.MaxConcurrency,
		}, logger),
		now:    time.Now,
		logger: logger,
	}
	if cfg.PeerMaxFailures > 0 {
		n.peers.SetMaxFailures(cfg.PeerMaxFailures)
	}
	n.resolver.SetFetchRecord(n.observeFetch)
	return n, nil
}

// SetMetricsRecorder configures the ledger-change callback.
func (n *Node) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// SetFetchRecorder configures a callback invoked after every peer chain
// fetch made during consensus.
func (n *Node) SetFetchRecorder(fn consensus.FetchRecordFunc) {
	n.onFetch = fn
}

// observeFetch feeds fetch outcomes to the registry, which drops peers that
// keep failing. A round cut short by cancellation says nothing about the peer.
func (n *Node) observeFetch(peer string, err error) {
	if !errors.Is(err, context.Canceled) {
		n.peers.ObserveFetch(peer, err)
	}
	if n.onFetch != nil {
		n.onFetch(peer, err)
	}
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.cfg.ID }

// Ledger returns the node's ledger.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Peers returns the node's peer registry.
func (n *Node) Peers() *peers.Registry { return n.peers }

// Resolver returns the node's consensus resolver.
func (n *Node) Resolver() *consensus.Resolver { return n.resolver }

// Announcer returns the node's block announcer.
func (n *Node) Announcer() *peers.Announcer { return n.announcer }

// SubmitRecord validates raw, stamps it with an id and timestamp and queues
// it for mining. It returns the stored record.
func (n *Node) SubmitRecord(raw []byte) (block.Record, error) {
	rec, err := stampRecord(raw, n.now())
	if err != nil {
		return nil, err
	}
	if err := n.ledger.Submit(rec); err != nil {
		return nil, err
	}
	n.record(EventSubmitted)
	return rec, nil
}

// Mine seals the pending records into a block. With nothing pending it
// returns a result with Mined false and no error.
//
// After mining, the node runs a consensus round. The new block is announced
// to peers only if that round left the chain length unchanged; otherwise a
// longer chain replaced it and the block is no longer the tip.
func (n *Node) Mine(ctx context.Context) (MineResult, error) {
	b, err := n.ledger.Mine(ctx)
	if errors.Is(err, ledger.ErrNothingToMine) {
		return MineResult{}, nil
	}
	if err != nil {
		return MineResult{}, err
	}
	n.record(EventMined)

	res := MineResult{Mined: true, Block: &b}
	length := n.ledger.Len()
	rr, err := n.Resolve(ctx)
	if err != nil {
		n.logger.Warn("consensus after mining failed", zap.Error(err))
	}
	if !rr.Replaced && n.ledger.Len() == length {
		n.announcer.Announce(b, n.peers.List())
		res.Announced = true
	}
	return res, nil
}

// AcceptBlock admits a block announced by a peer.
func (n *Node) AcceptBlock(b block.Block) error {
	if err := n.ledger.Accept(b); err != nil {
		n.record(EventRejected)
		n.logger.Info("peer block rejected",
			zap.Uint64("index", b.Index),
			zap.String("hash", b.Hash),
			zap.Error(err),
		)
		return err
	}
	n.record(EventAccepted)
	return nil
}

// Chain returns a snapshot of the chain and the known peers.
func (n *Node) Chain() ChainView {
	blocks := n.ledger.Blocks()
	return ChainView{
		Length: len(blocks),
		Chain:  blocks,
		Peers:  n.peers.List(),
	}
}

// Pending returns the unmined records.
func (n *Node) Pending() []block.Record {
	return n.ledger.Pending()
}

// RegisterPeer records addr as a peer and returns the chain so the caller can
// sync to it.
func (n *Node) RegisterPeer(addr string) (ChainView, error) {
	if _, err := n.peers.Add(addr); err != nil {
		return ChainView{}, err
	}
	return n.Chain(), nil
}

// RegisterWith joins the network remote belongs to: it registers this node
// with remote, adopts remote's chain if it is at least as long as the local
// one, and learns remote's peers. The register call is retried with
// exponential backoff while remote is unreachable.
func (n *Node) RegisterWith(ctx context.Context, remote string) (ChainView, error) {
	self := n.peers.Self()
	if self == "" {
		return ChainView{}, ErrNoAdvertiseURL
	}
	addr, err := peers.NormalizeAddress(remote)
	if err != nil {
		return ChainView{}, err
	}
	c, err := n.dialer.Client(addr)
	if err != nil {
		return ChainView{}, err
	}

	var resp *client.ChainResponse
	op := func() error {
		var err error
		resp, err = c.Register(ctx, self)
		if errors.Is(err, client.ErrRejected) || errors.Is(err, client.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return ChainView{}, fmt.Errorf("register with %s: %w", addr, err)
	}

	adopted, err := n.ledger.Adopt(resp.Chain)
	if err != nil {
		return ChainView{}, fmt.Errorf("adopt chain from %s: %w", addr, err)
	}
	if adopted {
		n.record(EventReplaced)
	}
	if _, err := n.peers.Add(addr); err != nil {
		return ChainView{}, err
	}
	learned := n.peers.Merge(resp.Peers)

	n.logger.Info("registered with peer",
		zap.String("peer", addr),
		zap.Bool("adopted_chain", adopted),
		zap.Int("length", n.ledger.Len()),
		zap.Int("peers_learned", learned),
	)
	return n.Chain(), nil
}

// Resolve runs a consensus round against all known peers.
func (n *Node) Resolve(ctx context.Context) (consensus.Result, error) {
	res, err := n.resolver.Resolve(ctx, n.ledger, n.peers.List())
	if err != nil {
		return res, err
	}
	if res.Replaced {
		n.record(EventReplaced)
	}
	return res, nil
}

// Run drives the optional periodic mining and consensus loops until ctx is
// done. With both intervals disabled it returns immediately.
func (n *Node) Run(ctx context.Context) {
	if n.cfg.MineInterval <= 0 && n.cfg.SyncInterval <= 0 {
		return
	}

	var mineC, syncC <-chan time.Time
	if n.cfg.MineInterval > 0 {
		t := time.NewTicker(n.cfg.MineInterval)
		defer t.Stop()
		mineC = t.C
	}
	if n.cfg.SyncInterval > 0 {
		t := time.NewTicker(n.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}

	for {
		select {
		case <-mineC:
			if _, err := n.Mine(ctx); err != nil && !errors.Is(err, ledger.ErrMiningInProgress) && ctx.Err() == nil {
				n.logger.Warn("periodic mine failed", zap.Error(err))
			}
		case <-syncC:
			if _, err := n.Resolve(ctx); err != nil {
				n.logger.Warn("periodic consensus failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown waits for outstanding block announcements, cancelling them if ctx
// ends first.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.announcer.Shutdown(ctx)
}

func (n *Node) record(event Event) {
	if n.onMetrics != nil {
		n.onMetrics(event, n.ledger.Len(), len(n.ledger.Pending()))
	}
}
