// Package merkledag implements the DAG node model: protobuf nodes carrying
// named child links, raw leaf nodes, and a DAGService that reads and writes
// them through a blockservice.
package merkledag

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"

	"github.com/merklefs/merklefs/blockservice"
)

var log = logging.Logger("merkledag")

// NewDAGService constructs a new DAGService (using the default implementation).
func NewDAGService(bs *blockservice.BlockService) ipld.DAGService {
	return &dagService{Blocks: bs}
}

// dagService is an IPFS Merkle DAG service.
// - the root is virtual (like a forest)
// - stores nodes' data in a blockservice
type dagService struct {
	Blocks *blockservice.BlockService
}

// Add adds a node to the dagService, storing the block in the BlockService
func (n *dagService) Add(ctx context.Context, nd ipld.Node) error {
	if n == nil {
		return fmt.Errorf("dagService is nil")
	}

	blk, err := nodeToBlock(nd)
	if err != nil {
		return err
	}

	return n.Blocks.AddBlock(ctx, blk)
}

func (n *dagService) AddMany(ctx context.Context, nds []ipld.Node) error {
	blks := make([]blocks.Block, len(nds))
	for i, nd := range nds {
		blk, err := nodeToBlock(nd)
		if err != nil {
			return err
		}
		blks[i] = blk
	}
	return n.Blocks.AddBlocks(ctx, blks)
}

// Get retrieves a node from the dagService, fetching the block in the
// BlockService.
func (n *dagService) Get(ctx context.Context, c cid.Cid) (ipld.Node, error) {
	if n == nil {
		return nil, fmt.Errorf("dagService is nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b, err := n.Blocks.GetBlock(ctx, c)
	if err != nil {
		if ipld.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get block for %s: %w", c, err)
	}

	return DecodeBlock(b)
}

// GetMany gets many nodes from the DAG at once.
//
// This method may not return all requested nodes (and may or may not return
// an error indicating that it failed to do so). It is up to the caller to
// verify that it received all nodes.
func (n *dagService) GetMany(ctx context.Context, keys []cid.Cid) <-chan *ipld.NodeOption {
	out := make(chan *ipld.NodeOption, len(keys))

	blocks := n.Blocks.GetBlocks(ctx, keys)
	var count int

	go func() {
		defer close(out)
		for {
			select {
			case b, ok := <-blocks:
				if !ok {
					if count != len(keys) {
						out <- &ipld.NodeOption{Err: fmt.Errorf("failed to fetch all nodes")}
					}
					return
				}

				nd, err := DecodeBlock(b)
				if err != nil {
					out <- &ipld.NodeOption{Err: err}
					return
				}

				select {
				case out <- &ipld.NodeOption{Node: nd}:
					count++
				case <-ctx.Done():
					out <- &ipld.NodeOption{Err: ctx.Err()}
					return
				}
			case <-ctx.Done():
				out <- &ipld.NodeOption{Err: ctx.Err()}
				return
			}
		}
	}()
	return out
}

// Remove remove the node with the given CID from the dagService. It does
// not remove it from any other dag services or from the forest of nodes.
func (n *dagService) Remove(ctx context.Context, c cid.Cid) error {
	return n.Blocks.DeleteBlock(ctx, c)
}

// RemoveMany removes multiple nodes from the DAG. It will likely be faster
// than removing them individually.
//
// This operation is not atomic. If it returns an error, some nodes may or
// may not have been removed.
func (n *dagService) RemoveMany(ctx context.Context, cids []cid.Cid) error {
	for _, c := range cids {
		if err := n.Blocks.DeleteBlock(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func nodeToBlock(nd ipld.Node) (blocks.Block, error) {
	data := nd.RawData()
	c := nd.Cid()
	if !c.Defined() {
		return nil, fmt.Errorf("node has undefined cid, cannot store")
	}
	return blocks.NewBlockWithCid(data, c)
}
