package node_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/ledger"
	"github.com/jmerrifield20/powledger/internal/node"
	"github.com/jmerrifield20/powledger/pkg/block"
)

var genesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newNode(t *testing.T, cfg node.Config) *node.Node {
	t.Helper()
	cfg.Difficulty = 1
	cfg.GenesisTime = genesisTime
	n, err := node.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

type event struct {
	kind    node.Event
	length  int
	pending int
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) record(e node.Event, length, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{e, length, pending})
}

func (r *recorder) kinds() []node.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]node.Event, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func TestNew_defaults(t *testing.T) {
	n := newNode(t, node.Config{})
	if n.ID() == "" {
		t.Error("expected a generated node id")
	}
	if n.Ledger().Len() != 1 {
		t.Errorf("length = %d, want genesis only", n.Ledger().Len())
	}
	if n.Peers().Self() != "" {
		t.Errorf("self = %q, want empty", n.Peers().Self())
	}
}

func TestNew_normalizesAdvertiseURL(t *testing.T) {
	n := newNode(t, node.Config{ID: "n1", AdvertiseURL: "LOCALHOST:5000/"})
	if got := n.Peers().Self(); got != "http://localhost:5000" {
		t.Errorf("self = %q", got)
	}

	_, err := node.New(node.Config{AdvertiseURL: "ftp://x"}, nil)
	if err == nil {
		t.Error("expected error for an ftp advertise URL")
	}
}

func TestSubmitRecord_stampsRecord(t *testing.T) {
	n := newNode(t, node.Config{})
	rec, err := n.SubmitRecord([]byte(`{"author":"alice","content":"hi","extra":7}`))
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]any
	if err := json.Unmarshal(rec, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["author"] != "alice" || fields["content"] != "hi" || fields["extra"] != float64(7) {
		t.Errorf("fields not preserved: %v", fields)
	}
	id, _ := fields["id"].(string)
	if len(id) != 36 {
		t.Errorf("id = %q, want a uuid", id)
	}
	ts, _ := fields["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q: %v", ts, err)
	}

	pending := n.Pending()
	if len(pending) != 1 || string(pending[0]) != string(rec) {
		t.Errorf("pending = %s, want the stamped record", pending)
	}
}

func TestSubmitRecord_keepsNumberPrecision(t *testing.T) {
	n := newNode(t, node.Config{})
	rec, err := n.SubmitRecord([]byte(`{"author":"a","content":"c","n":12345678901234567890,"f":0.1000000000000000055511151231257827,"nested":{"big":9007199254740993}}`))
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`"n":12345678901234567890`,
		`"f":0.1000000000000000055511151231257827`,
		`"big":9007199254740993`,
	} {
		if !strings.Contains(string(rec), want) {
			t.Errorf("stored record %s missing %s", rec, want)
		}
	}
}

func TestSubmitRecord_overridesClientIDAndTimestamp(t *testing.T) {
	n := newNode(t, node.Config{})
	rec, err := n.SubmitRecord([]byte(`{"author":"a","content":"c","id":"mine","timestamp":"yesterday"}`))
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	_ = json.Unmarshal(rec, &fields)
	if fields["id"] == "mine" || fields["timestamp"] == "yesterday" {
		t.Errorf("client-supplied id or timestamp kept: %v", fields)
	}
}

func TestSubmitRecord_rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", ``, node.ErrInvalidRecord},
		{"null", `null`, node.ErrInvalidRecord},
		{"array", `[{"author":"a","content":"c"}]`, node.ErrInvalidRecord},
		{"string", `"hello"`, node.ErrInvalidRecord},
		{"missing author", `{"content":"c"}`, node.ErrMissingField},
		{"empty content", `{"author":"a","content":""}`, node.ErrMissingField},
		{"null content", `{"author":"a","content":null}`, node.ErrMissingField},
		{"trailing data", `{"author":"a","content":"c"} {}`, node.ErrInvalidRecord},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := newNode(t, node.Config{})
			_, err := n.SubmitRecord([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if len(n.Pending()) != 0 {
				t.Error("rejected record was queued")
			}
		})
	}
}

func TestMine_nothingPending(t *testing.T) {
	n := newNode(t, node.Config{})
	res, err := n.Mine(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Mined || res.Block != nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestMine_sealsAndReports(t *testing.T) {
	rec := &recorder{}
	n := newNode(t, node.Config{})
	n.SetMetricsRecorder(rec.record)

	for _, c := range []string{"one", "two"} {
		if _, err := n.SubmitRecord([]byte(`{"author":"a","content":"` + c + `"}`)); err != nil {
			t.Fatal(err)
		}
	}
	res, err := n.Mine(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Mined || res.Block == nil || res.Block.Index != 1 || len(res.Block.Payload) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Announced {
		t.Error("block with unchanged chain should be announced")
	}

	view := n.Chain()
	if view.Length != 2 || view.Chain[1].Hash != res.Block.Hash {
		t.Errorf("chain view does not end in the mined block")
	}

	want := []node.Event{node.EventSubmitted, node.EventSubmitted, node.EventMined}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if last := rec.events[len(rec.events)-1]; last.length != 2 || last.pending != 0 {
		t.Errorf("mined event sizes = %+v", last)
	}
}

func TestAcceptBlock(t *testing.T) {
	rec := &recorder{}
	n := newNode(t, node.Config{})
	n.SetMetricsRecorder(rec.record)
	tip := n.Ledger().Last()

	payload := []block.Record{block.Record(`{"author":"p","content":"x"}`)}
	bad, err := block.Seal(context.Background(), block.NewCandidate(2, payload, tip.Hash, time.Now()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.AcceptBlock(bad); !errors.Is(err, ledger.ErrIndexMismatch) {
		t.Fatalf("got %v, want ErrIndexMismatch", err)
	}

	good, err := block.Seal(context.Background(), block.NewCandidate(1, payload, tip.Hash, time.Now()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.AcceptBlock(good); err != nil {
		t.Fatal(err)
	}

	got := rec.kinds()
	if len(got) != 2 || got[0] != node.EventRejected || got[1] != node.EventAccepted {
		t.Errorf("events = %v", got)
	}
}

func TestRegisterPeer(t *testing.T) {
	n := newNode(t, node.Config{AdvertiseURL: "http://self:5000"})

	view, err := n.RegisterPeer("http://peer:5001/")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Peers) != 1 || view.Peers[0] != "http://peer:5001" {
		t.Errorf("peers = %v", view.Peers)
	}

	// Registering ourselves is a no-op.
	view, err = n.RegisterPeer("http://SELF:5000")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Peers) != 1 {
		t.Errorf("self was added as a peer: %v", view.Peers)
	}

	if _, err := n.RegisterPeer("not a url at all ://"); err == nil {
		t.Error("expected error for an invalid address")
	}
}

func TestRegisterWith_requiresAdvertiseURL(t *testing.T) {
	n := newNode(t, node.Config{})
	_, err := n.RegisterWith(context.Background(), "http://peer:5001")
	if !errors.Is(err, node.ErrNoAdvertiseURL) {
		t.Fatalf("got %v, want ErrNoAdvertiseURL", err)
	}
}

func TestRegisterWith_rejectedIsNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"node_address is required"}`))
	}))
	defer srv.Close()

	n := newNode(t, node.Config{AdvertiseURL: "http://self:5000"})
	if _, err := n.RegisterWith(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n.Peers().Len() != 0 {
		t.Error("remote registered despite failure")
	}
}

func TestResolve_dropsPeerAfterRepeatedFailures(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	healthy := newNode(t, node.Config{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthy.Chain())
	}))
	defer up.Close()

	n := newNode(t, node.Config{PeerMaxFailures: 2})
	var mu sync.Mutex
	fetches := map[string]int{}
	n.SetFetchRecorder(func(peer string, err error) {
		mu.Lock()
		defer mu.Unlock()
		fetches[peer]++
	})
	for _, addr := range []string{down.URL, up.URL} {
		if _, err := n.RegisterPeer(addr); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := n.Resolve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !n.Peers().Contains(down.URL) {
		t.Fatal("peer dropped after a single failure")
	}
	if _, err := n.Resolve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n.Peers().Contains(down.URL) {
		t.Error("failing peer still registered")
	}
	if !n.Peers().Contains(up.URL) {
		t.Error("healthy peer dropped")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fetches) != 2 {
		t.Errorf("fetch recorder saw %v, want both peers", fetches)
	}
}

func TestResolve_peerEvictionDisabled(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	n := newNode(t, node.Config{PeerMaxFailures: -1})
	if _, err := n.RegisterPeer(down.URL); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := n.Resolve(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n.Peers().Len() != 1 {
		t.Errorf("peers = %v, want the failing peer kept", n.Peers().List())
	}
}

func TestRun_returnsWithoutIntervals(t *testing.T) {
	n := newNode(t, node.Config{})
	done := make(chan struct{})
	go func() {
		n.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked with both loops disabled")
	}
}

func TestRun_minesPeriodically(t *testing.T) {
	n := newNode(t, node.Config{MineInterval: 10 * time.Millisecond})
	if _, err := n.SubmitRecord([]byte(`{"author":"a","content":"c"}`)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for n.Ledger().Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if n.Ledger().Len() != 2 {
		t.Fatalf("length = %d, want 2", n.Ledger().Len())
	}
	if len(n.Pending()) != 0 {
		t.Error("pending not drained")
	}
}
