package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRecord is returned by Submit when the record is absent.
	ErrEmptyRecord = errors.New("record is empty")
	// ErrMalformedRecord is returned by Submit when the record is not valid JSON.
	ErrMalformedRecord = errors.New("record is not valid JSON")

	// ErrNothingToMine signals that Mine found no pending records. It is not a failure.
	ErrNothingToMine = errors.New("nothing to mine")
	// ErrMiningInProgress is returned when Mine is called while another search is running.
	ErrMiningInProgress = errors.New("mining already in progress")
	// ErrStaleCandidate is returned when the chain tip moved while a block was being mined.
	ErrStaleCandidate = errors.New("chain tip moved during mining")

	// ErrPrevHashMismatch means a block does not link to the expected predecessor.
	ErrPrevHashMismatch = errors.New("previous hash does not match chain tip")
	// ErrIndexMismatch means a block's index is not one past its predecessor's.
	ErrIndexMismatch = errors.New("block index out of sequence")
	// ErrInvalidProof means a block's hash fails the proof-of-work check.
	ErrInvalidProof = errors.New("invalid proof of work")
	// ErrHashMismatch means a block's stored hash differs from its recomputed hash.
	ErrHashMismatch = errors.New("stored hash does not match block contents")

	// ErrEmptyChain is returned when validating a sequence with no blocks.
	ErrEmptyChain = errors.New("chain is empty")
	// ErrBlockNotFound is returned by Block for an index past the tip.
	ErrBlockNotFound = errors.New("block not found")
)

// ValidationError reports the first block of a sequence that failed validation.
type ValidationError struct {
	Index uint64
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block %d: %v", e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
