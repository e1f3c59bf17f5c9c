package ledger

import (
	"github.com/jmerrifield20/powledger/pkg/block"
)

// Validate walks blocks from genesis and checks every later block against its
// recomputed hash: the hash must meet difficulty, equal the stored hash, and be
// linked to by the next block. Indices must be contiguous from 0. The genesis
// block is the trust anchor and is not checked beyond its index.
//
// The first failure invalidates the whole sequence and is returned as a
// *ValidationError. Validate never modifies blocks.
func Validate(blocks []block.Block, difficulty int) error {
	if len(blocks) == 0 {
		return ErrEmptyChain
	}
	if !blocks[0].IsGenesis() {
		return &ValidationError{Index: blocks[0].Index, Err: ErrIndexMismatch}
	}

	prevHash := blocks[0].ComputeHash()
	for i := 1; i < len(blocks); i++ {
		curr := &blocks[i]
		if curr.Index != uint64(i) {
			return &ValidationError{Index: curr.Index, Err: ErrIndexMismatch}
		}

		h := curr.ComputeHash()
		if !block.MeetsDifficulty(h, difficulty) {
			return &ValidationError{Index: curr.Index, Err: ErrInvalidProof}
		}
		if h != curr.Hash {
			return &ValidationError{Index: curr.Index, Err: ErrHashMismatch}
		}
		if curr.PrevHash != prevHash {
			return &ValidationError{Index: curr.Index, Err: ErrPrevHashMismatch}
		}
		prevHash = h
	}
	return nil
}
