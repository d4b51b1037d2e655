// Package exchange defines the boundary through which blocks that are not
// available locally may be fetched. Actual transports live outside this
// module; the offline subpackage provides the no-network implementation.
package exchange

import (
	"context"
	"io"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// Fetcher is an object that can be used to retrieve blocks.
type Fetcher interface {
	// GetBlock returns the block associated with a given cid.
	GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error)
	// GetBlocks returns the blocks associated with the given cids.
	// If the requested blocks are not found immediately, this function should
	// hang until they are found. If they can't be found later, it's also
	// acceptable to terminate.
	GetBlocks(ctx context.Context, cids []cid.Cid) (<-chan blocks.Block, error)
}

// Interface defines the functionality of a block exchange.
type Interface interface {
	Fetcher

	// NotifyNewBlocks tells the exchange that new blocks are available and
	// can be served.
	NotifyNewBlocks(ctx context.Context, blocks ...blocks.Block) error

	io.Closer
}
