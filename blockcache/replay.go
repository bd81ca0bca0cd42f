package blockcache

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockProcessor accepts replayed blocks through the normal block processing
// path of the chain.
type BlockProcessor interface {
	// ProcessBlock connects a block that was read from the cache.
	ProcessBlock(block *wire.MsgBlock) error
}

// ReplayResult describes how far a replay got.
type ReplayResult struct {
	// Replayed is the number of blocks fed to the processor.
	Replayed int

	// Resume is the block from which ordinary network download must
	// resume. It is None when every pending block was replayed.
	Resume fn.Option[chainhash.Hash]

	// Cause explains why replay stopped early. It is a *ReplayError, or
	// nil when replay completed or was superseded.
	Cause error

	// Superseded is set when the context was cancelled between blocks.
	Superseded bool
}

// Replay feeds cached blocks to processor. pending holds the block hashes
// still to be connected, newest first, so replay pops from the end. The first
// block that is missing, malformed or rejected stops the replay and becomes
// the resume point. Cancelling ctx supersedes the replay between blocks;
// a block that is being processed is always finished.
func (c *Cache) Replay(ctx context.Context, pending []chainhash.Hash,
	processor BlockProcessor) *ReplayResult {

	result := &ReplayResult{
		Resume: fn.None[chainhash.Hash](),
	}

	log.Infof("Replaying up to %d cached blocks", len(pending))

	for i := len(pending) - 1; i >= 0; i-- {
		hash := pending[i]

		select {
		case <-ctx.Done():
			log.Infof("Replay superseded after %d blocks, next "+
				"block %v", result.Replayed, hash)

			result.Resume = fn.Some(hash)
			result.Superseded = true

			return result

		default:
		}

		block, err := c.Fetch(hash)
		if err != nil {
			return c.stop(result, hash, err)
		}

		if err := processor.ProcessBlock(block); err != nil {
			return c.stop(
				result, hash,
				fmt.Errorf("%w: %v", ErrProcessBlock, err),
			)
		}

		result.Replayed++
	}

	log.Infof("Replayed all %d pending blocks from cache",
		result.Replayed)

	return result
}

// stop ends a replay at hash.
func (c *Cache) stop(result *ReplayResult, hash chainhash.Hash,
	err error) *ReplayResult {

	log.Infof("Replay stopped after %d blocks, resuming download at "+
		"%v: %v", result.Replayed, hash, err)

	result.Resume = fn.Some(hash)
	result.Cause = &ReplayError{Hash: hash, Err: err}

	return result
}
