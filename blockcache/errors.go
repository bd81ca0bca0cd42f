package blockcache

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrCacheMiss is returned when a block is not present in the cache.
	ErrCacheMiss = errors.New("block not cached")

	// ErrMalformedBlock is returned when a cached file cannot be decoded
	// or does not hash to its file name.
	ErrMalformedBlock = errors.New("malformed cached block")

	// ErrProcessBlock is returned when the chain rejects a replayed block.
	ErrProcessBlock = errors.New("unable to process replayed block")
)

// ReplayError describes why a replay stopped at a block. It never reaches the
// user: the block simply becomes the point at which network download resumes.
type ReplayError struct {
	// Hash is the block replay stopped at.
	Hash chainhash.Hash

	// Err is the cause, matching one of ErrCacheMiss, ErrMalformedBlock or
	// ErrProcessBlock.
	Err error
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay stopped at block %v: %v", e.Hash, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReplayError) Unwrap() error {
	return e.Err
}
