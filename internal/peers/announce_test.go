package peers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/peers"
	"github.com/jmerrifield20/powledger/pkg/block"
	"github.com/jmerrifield20/powledger/pkg/client"
)

var ctx = context.Background()

func sealedBlock(t *testing.T) block.Block {
	t.Helper()
	b, err := block.Seal(ctx, block.NewCandidate(1, nil, "prev", time.Now()), 1)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// peerServer answers POST /api/v1/blocks with the given statuses in turn,
// repeating the last one, and counts the requests it saw.
func peerServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/blocks" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var b block.Block
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("peer received undecodable block: %v", err)
		}
		n := int(atomic.AddInt32(&calls, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)}) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newAnnouncer(retries int) *peers.Announcer {
	return peers.NewAnnouncer(
		peers.NewDialer(time.Second, "test"),
		peers.AnnounceConfig{Timeout: 5 * time.Second, MaxRetries: retries, InitialInterval: time.Millisecond},
		zap.NewNop(),
	)
}

func TestBroadcast_retriesTransientFailures(t *testing.T) {
	srv, calls := peerServer(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusCreated)

	got := newAnnouncer(3).Broadcast(ctx, sealedBlock(t), []string{srv.URL})
	if got[0].Err != nil {
		t.Fatalf("delivery failed: %v", got[0].Err)
	}
	if got[0].Attempts != 3 || atomic.LoadInt32(calls) != 3 {
		t.Errorf("attempts: got %d (server saw %d), want 3", got[0].Attempts, atomic.LoadInt32(calls))
	}
}

func TestBroadcast_rejectionIsNotRetried(t *testing.T) {
	srv, calls := peerServer(t, http.StatusBadRequest)

	got := newAnnouncer(3).Broadcast(ctx, sealedBlock(t), []string{srv.URL})
	if !errors.Is(got[0].Err, client.ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", got[0].Err)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("rejected block was sent %d times", n)
	}
}

func TestBroadcast_givesUpAfterMaxRetries(t *testing.T) {
	srv, calls := peerServer(t, http.StatusServiceUnavailable)

	got := newAnnouncer(2).Broadcast(ctx, sealedBlock(t), []string{srv.URL})
	if got[0].Err == nil {
		t.Fatal("expected delivery to fail")
	}
	if n := atomic.LoadInt32(calls); n != 3 {
		t.Errorf("attempts: got %d, want 3 (1 + 2 retries)", n)
	}
}

func TestBroadcast_recordsEveryPeer(t *testing.T) {
	ok, _ := peerServer(t, http.StatusCreated)
	bad, _ := peerServer(t, http.StatusBadRequest)

	var mu sync.Mutex
	outcomes := map[string]bool{}
	a := newAnnouncer(0)
	a.SetDeliveryRecord(func(peer string, success bool) {
		mu.Lock()
		outcomes[peer] = success
		mu.Unlock()
	})

	got := a.Broadcast(ctx, sealedBlock(t), []string{ok.URL, bad.URL})
	if got[0].Peer != ok.URL || got[1].Peer != bad.URL {
		t.Errorf("deliveries not in peer order: %+v", got)
	}
	if !outcomes[ok.URL] || outcomes[bad.URL] || len(outcomes) != 2 {
		t.Errorf("outcomes: %v", outcomes)
	}
}

func TestAnnounce_shutdownWaits(t *testing.T) {
	srv, calls := peerServer(t, http.StatusCreated)
	a := newAnnouncer(0)

	a.Announce(sealedBlock(t), []string{srv.URL})
	if err := a.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("announcement not delivered before shutdown returned: %d calls", n)
	}

	a.Announce(sealedBlock(t), []string{srv.URL})
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Error("announcement accepted after shutdown")
	}
}

func TestAnnounce_shutdownDeadlineCancels(t *testing.T) {
	srv, _ := peerServer(t, http.StatusServiceUnavailable)
	a := peers.NewAnnouncer(
		peers.NewDialer(time.Second, "test"),
		peers.AnnounceConfig{Timeout: time.Minute, MaxRetries: 100, InitialInterval: 50 * time.Millisecond},
		zap.NewNop(),
	)
	a.Announce(sealedBlock(t), []string{srv.URL})

	sctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := a.Shutdown(sctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("shutdown did not cancel the retry loop")
	}
}
