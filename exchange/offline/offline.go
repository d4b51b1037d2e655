// Package offline implements an object that implements the exchange
// interface but returns nil values to every request.
package offline

import (
	"context"

	"github.com/merklefs/merklefs/blockstore"
	"github.com/merklefs/merklefs/exchange"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// Exchange returns a new offline exchange. It is only able to return blocks
// already present in bs; anything else fails with a not-found error, which
// is exactly what "local-only" DAG walks rely on.
func Exchange(bs blockstore.Blockstore) exchange.Interface {
	return &offlineExchange{bs: bs}
}

// offlineExchange implements the Exchange interface but doesn't return blocks.
// For use in offline mode.
type offlineExchange struct {
	bs blockstore.Blockstore
}

// GetBlock returns nil to signal that a block could not be retrieved for the
// given key.
// NB: This function may return before the timeout expires.
func (e *offlineExchange) GetBlock(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	return e.bs.Get(ctx, k)
}

// NotifyNewBlocks is a no-op; the blocks are already in the blockstore.
func (e *offlineExchange) NotifyNewBlocks(ctx context.Context, bs ...blocks.Block) error {
	return nil
}

// Close always returns nil.
func (e *offlineExchange) Close() error {
	return nil
}

func (e *offlineExchange) GetBlocks(ctx context.Context, ks []cid.Cid) (<-chan blocks.Block, error) {
	out := make(chan blocks.Block)
	go func() {
		defer close(out)
		for _, k := range ks {
			hit, err := e.bs.Get(ctx, k)
			if err != nil {
				// a long line of misses should abort when context is cancelled
				select {
				// TODO: Lookup block more often than we check for cancellation
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			select {
			case out <- hit:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
