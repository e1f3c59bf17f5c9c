package block

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultDifficulty is the number of leading zero hex characters a block hash
// needs when no difficulty is configured.
const DefaultDifficulty = 4

// checkInterval is how many nonces Seal tries between cancellation checks.
const checkInterval = 4096

// MeetsDifficulty reports whether hash starts with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

// Seal searches for a nonce that makes the candidate's hash meet the
// difficulty, then freezes the candidate into a Block. The search has no
// upper bound; it stops early only when ctx is done, in which case the
// returned error wraps ctx.Err().
func Seal(ctx context.Context, c *Candidate, difficulty int) (Block, error) {
	for attempts := 0; !MeetsDifficulty(c.hash, difficulty); attempts++ {
		if attempts%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Block{}, fmt.Errorf("seal block %d after %d attempts: %w", c.index, attempts, err)
			}
		}
		c.setNonce(c.nonce + 1)
	}
	return c.freeze(), nil
}

// Verify reports whether claimedHash is a valid proof for b: it must meet the
// difficulty and equal the hash recomputed from b's fields.
func Verify(b Block, claimedHash string, difficulty int) bool {
	return MeetsDifficulty(claimedHash, difficulty) && claimedHash == b.ComputeHash()
}

// Genesis mines the first block of a chain. A zero ts means now.
func Genesis(ctx context.Context, ts time.Time, difficulty int) (Block, error) {
	b, err := Seal(ctx, NewCandidate(0, nil, GenesisPrevHash, ts), difficulty)
	if err != nil {
		return Block{}, fmt.Errorf("mine genesis: %w", err)
	}
	return b, nil
}
