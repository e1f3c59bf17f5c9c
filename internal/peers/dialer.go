package peers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmerrifield20/powledger/pkg/block"
	"github.com/jmerrifield20/powledger/pkg/client"
)

// Dialer builds API clients for peers. All clients share one http.Client so
// connections are pooled across rounds.
type Dialer struct {
	http      *http.Client
	userAgent string
}

// NewDialer creates a Dialer whose requests time out after timeout.
func NewDialer(timeout time.Duration, userAgent string) *Dialer {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Dialer{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Client returns an API client for peer.
func (d *Dialer) Client(peer string) (*client.Client, error) {
	return client.New(peer,
		client.WithHTTPClient(d.http),
		client.WithUserAgent(d.userAgent),
	)
}

// FetchChain implements consensus.ChainFetcher.
func (d *Dialer) FetchChain(ctx context.Context, peer string) ([]block.Block, error) {
	c, err := d.Client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.Chain(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Length != len(resp.Chain) {
		return nil, fmt.Errorf("peer %s reported length %d but sent %d blocks", peer, resp.Length, len(resp.Chain))
	}
	return resp.Chain, nil
}
