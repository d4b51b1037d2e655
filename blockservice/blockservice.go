// Package blockservice implements a BlockService interface that provides
// a single GetBlock/AddBlock interface that seamlessly retrieves data either
// locally or from a remote peer through the exchange.
package blockservice

import (
	"context"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"

	"github.com/merklefs/merklefs/blockstore"
	"github.com/merklefs/merklefs/exchange"
	"github.com/merklefs/merklefs/verifcid"
)

var logger = logging.Logger("blockservice")

// BlockGetter is the common interface shared between blockservice sessions
// and the blockservice.
type BlockGetter interface {
	// GetBlock gets the requested block.
	GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error)

	// GetBlocks does a batch request for the given cids, returning blocks as
	// they are found, in no particular order.
	//
	// It may not be able to find all requested blocks (or the context may
	// be canceled). In that case, it will close the channel early. It is up
	// to the consumer to detect this situation and keep track which blocks
	// it has received and which it hasn't.
	GetBlocks(ctx context.Context, ks []cid.Cid) <-chan blocks.Block
}

// BlockService is a hybrid block datastore. It stores data in a local
// datastore and may retrieve data from a remote Exchange.
type BlockService struct {
	blockstore blockstore.Blockstore
	exchange   exchange.Interface
	// If checkFirst is true then first check that a block doesn't
	// already exist to avoid republishing the block on the exchange.
	checkFirst bool
}

type Option func(*BlockService)

// WriteThrough disables cache checks for writes and makes them go straight
// to the blockstore.
func WriteThrough() Option {
	return func(bs *BlockService) {
		bs.checkFirst = false
	}
}

// New creates a BlockService with the given blockstore instance. A nil
// exchange means the service works in local (offline) mode.
func New(bs blockstore.Blockstore, exch exchange.Interface, opts ...Option) *BlockService {
	if exch == nil {
		logger.Debug("blockservice running in local (offline) mode.")
	}

	service := &BlockService{
		blockstore: bs,
		exchange:   exch,
		checkFirst: true,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Blockstore returns the blockstore behind this blockservice.
func (s *BlockService) Blockstore() blockstore.Blockstore {
	return s.blockstore
}

// Exchange returns the exchange behind this blockservice.
func (s *BlockService) Exchange() exchange.Interface {
	return s.exchange
}

// AddBlock adds a particular block to the service, Putting it into the
// datastore.
func (s *BlockService) AddBlock(ctx context.Context, o blocks.Block) error {
	c := o.Cid()
	if s.checkFirst {
		if has, err := s.blockstore.Has(ctx, c); has || err != nil {
			return err
		}
	}

	if err := s.blockstore.Put(ctx, o); err != nil {
		return err
	}

	if s.exchange != nil {
		if err := s.exchange.NotifyNewBlocks(ctx, o); err != nil {
			logger.Errorf("NotifyNewBlocks: %s", err.Error())
		}
	}

	return nil
}

// AddBlocks adds a slice of blocks at the same time using batching
// capabilities of the underlying datastore whenever possible.
func (s *BlockService) AddBlocks(ctx context.Context, bs []blocks.Block) error {
	var toput []blocks.Block
	if s.checkFirst {
		toput = make([]blocks.Block, 0, len(bs))
		for _, b := range bs {
			has, err := s.blockstore.Has(ctx, b.Cid())
			if err != nil {
				return err
			}
			if !has {
				toput = append(toput, b)
			}
		}
	} else {
		toput = bs
	}

	if len(toput) == 0 {
		return nil
	}

	err := s.blockstore.PutMany(ctx, toput)
	if err != nil {
		return err
	}

	if s.exchange != nil {
		if err := s.exchange.NotifyNewBlocks(ctx, toput...); err != nil {
			logger.Errorf("NotifyNewBlocks: %s", err.Error())
		}
	}
	return nil
}

// GetBlock retrieves a particular block from the service, Getting it from
// the datastore using the key (hash), falling back to the exchange.
func (s *BlockService) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	err := verifyCid(c)
	if err != nil {
		return nil, err
	}

	block, err := s.blockstore.Get(ctx, c)
	switch {
	case err == nil:
		return block, nil
	case ipld.IsNotFound(err):
		break
	default:
		return nil, err
	}

	if s.exchange == nil {
		return nil, err
	}

	blk, err := s.exchange.GetBlock(ctx, c)
	if err != nil {
		return nil, err
	}
	// also write in the blockstore for caching
	err = s.blockstore.Put(ctx, blk)
	if err != nil {
		return nil, err
	}
	logger.Debugf("BlockService.BlockFetched %s", c)
	return blk, nil
}

// GetBlocks gets a list of blocks asynchronously and returns through
// the returned channel.
// NB: No guarantees are made about order.
func (s *BlockService) GetBlocks(ctx context.Context, ks []cid.Cid) <-chan blocks.Block {
	out := make(chan blocks.Block)
	go func() {
		defer close(out)

		var misses []cid.Cid
		for _, c := range ks {
			if err := verifyCid(c); err != nil {
				return
			}
			hit, err := s.blockstore.Get(ctx, c)
			if err != nil {
				misses = append(misses, c)
				continue
			}
			select {
			case out <- hit:
			case <-ctx.Done():
				return
			}
		}

		if len(misses) == 0 || s.exchange == nil {
			return
		}

		rblocks, err := s.exchange.GetBlocks(ctx, misses)
		if err != nil {
			logger.Debugf("Error with GetBlocks: %s", err)
			return
		}

		for b := range rblocks {
			err = s.blockstore.Put(ctx, b)
			if err != nil {
				logger.Errorf("could not write blocks from the network to the blockstore: %s", err)
				return
			}

			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// DeleteBlock deletes a block in the blockservice from the datastore.
func (s *BlockService) DeleteBlock(ctx context.Context, c cid.Cid) error {
	err := s.blockstore.DeleteBlock(ctx, c)
	if err == nil {
		logger.Debugf("BlockService.BlockDeleted %s", c)
	}
	return err
}

// Close shuts down the exchange behind the blockservice.
func (s *BlockService) Close() error {
	logger.Debug("blockservice is shutting down...")
	if s.exchange == nil {
		return nil
	}
	return s.exchange.Close()
}

// verifyCid rejects nonsensical or insecure requests before touching
// storage.
func verifyCid(c cid.Cid) error {
	if !c.Defined() {
		return errors.New("undefined cid in blockservice")
	}
	return verifcid.ValidateCid(verifcid.DefaultAllowlist, c)
}
