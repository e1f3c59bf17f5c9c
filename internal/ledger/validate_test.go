package ledger_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmerrifield20/powledger/internal/ledger"
	"github.com/jmerrifield20/powledger/pkg/block"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func([]block.Block) []block.Block
		wantErr   error
		wantIndex uint64
	}{
		{
			name:   "valid chain",
			mutate: func(b []block.Block) []block.Block { return b },
		},
		{
			name:   "genesis only",
			mutate: func(b []block.Block) []block.Block { return b[:1] },
		},
		{
			name: "genesis stored hash is not checked",
			mutate: func(b []block.Block) []block.Block {
				b[0].Hash = "anything"
				return b
			},
		},
		{
			name:    "empty",
			mutate:  func([]block.Block) []block.Block { return nil },
			wantErr: ledger.ErrEmptyChain,
		},
		{
			name: "stored hash does not match contents",
			mutate: func(b []block.Block) []block.Block {
				b[2].Payload = append(b[2].Payload, record("eve", "inserted"))
				b[2].Nonce = findNonce(b[2])
				return b
			},
			wantErr:   ledger.ErrHashMismatch,
			wantIndex: 2,
		},
		{
			name: "recomputed hash fails proof",
			mutate: func(b []block.Block) []block.Block {
				b[3].Nonce = failingNonce(b[3])
				return b
			},
			wantErr:   ledger.ErrInvalidProof,
			wantIndex: 3,
		},
		{
			name: "broken linkage",
			mutate: func(b []block.Block) []block.Block {
				return []block.Block{b[0], b[1], b[3]}
			},
			wantErr:   ledger.ErrIndexMismatch,
			wantIndex: 3,
		},
		{
			name: "genesis not at index zero",
			mutate: func(b []block.Block) []block.Block {
				return b[1:]
			},
			wantErr:   ledger.ErrIndexMismatch,
			wantIndex: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			blocks := tc.mutate(buildChain(t, 4))

			err := ledger.Validate(blocks, difficulty)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			var verr *ledger.ValidationError
			if tc.wantErr != ledger.ErrEmptyChain {
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
				if verr.Index != tc.wantIndex {
					t.Errorf("failing index: got %d, want %d", verr.Index, tc.wantIndex)
				}
			}
		})
	}
}

func TestValidate_prevHashMustMatchRecomputedPredecessor(t *testing.T) {
	blocks := buildChain(t, 3)

	// Re-seal block 2 on top of a different parent hash so its own proof is
	// valid but the link is not.
	c := block.NewCandidate(2, blocks[2].Payload, "deadbeef", blocks[2].Timestamp)
	resealed, err := block.Seal(ctx, c, difficulty)
	if err != nil {
		t.Fatal(err)
	}
	blocks[2] = resealed

	err = ledger.Validate(blocks, difficulty)
	if !errors.Is(err, ledger.ErrPrevHashMismatch) {
		t.Fatalf("got %v, want ErrPrevHashMismatch", err)
	}
}

func TestValidate_chainSurvivesWireRoundTrip(t *testing.T) {
	l := newLedger(t)
	if err := l.Submit(record("a", "x<y & z>w")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Mine(ctx); err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(l.Blocks())
	if err != nil {
		t.Fatal(err)
	}
	var got []block.Block
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Validate(got, difficulty); err != nil {
		t.Fatalf("chain invalid after encoding: %v", err)
	}

	// A peer receiving the dump adopts it and can keep extending it.
	peer := newLedger(t)
	if replaced, err := peer.Replace(got); err != nil || !replaced {
		t.Fatalf("Replace: replaced=%v err=%v", replaced, err)
	}
	if err := peer.Submit(record("b", "next")); err != nil {
		t.Fatal(err)
	}
	if _, err := peer.Mine(ctx); err != nil {
		t.Fatal(err)
	}
	if err := peer.Verify(); err != nil {
		t.Errorf("extended chain invalid: %v", err)
	}
}

func TestValidate_idempotent(t *testing.T) {
	good := buildChain(t, 3)
	bad := buildChain(t, 3)
	bad[1].Hash = "0" + bad[1].Hash[1:len(bad[1].Hash)-1] + "z"

	for _, blocks := range [][]block.Block{good, bad} {
		first := ledger.Validate(blocks, difficulty)
		second := ledger.Validate(blocks, difficulty)
		if (first == nil) != (second == nil) || (first != nil && first.Error() != second.Error()) {
			t.Errorf("validation not idempotent: %v then %v", first, second)
		}
	}
	if ledger.Validate(bad, difficulty) == nil {
		t.Error("tampered chain validated")
	}
}

// findNonce returns a nonce whose recomputed hash meets difficulty for b's
// current fields, so only the stored hash is stale.
func findNonce(b block.Block) uint64 {
	for n := uint64(0); ; n++ {
		b.Nonce = n
		if block.MeetsDifficulty(b.ComputeHash(), difficulty) {
			return n
		}
	}
}

// failingNonce returns a nonce whose recomputed hash misses difficulty.
func failingNonce(b block.Block) uint64 {
	for n := uint64(0); ; n++ {
		b.Nonce = n
		if !block.MeetsDifficulty(b.ComputeHash(), difficulty) {
			return n
		}
	}
}
