package merkledag

import (
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"
)

// RawNode represents a node which only contains data.
type RawNode struct {
	blocks.Block
}

var rawCidPrefix = cid.Prefix{
	Codec:    cid.Raw,
	MhLength: -1,
	MhType:   mh.SHA2_256,
	Version:  1,
}

// NewRawNode creates a RawNode using the default sha2-256 hash function.
func NewRawNode(data []byte) *RawNode {
	h, _ := rawCidPrefix.Sum(data)
	blk, _ := blocks.NewBlockWithCid(data, h)

	return &RawNode{blk}
}

// NewRawNodeWPrefix creates a RawNode using the provided cid builder.
func NewRawNodeWPrefix(data []byte, builder cid.Builder) (*RawNode, error) {
	builder = builder.WithCodec(cid.Raw)
	c, err := builder.Sum(data)
	if err != nil {
		return nil, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	return &RawNode{blk}, nil
}

// Links returns nil.
func (rn *RawNode) Links() []*ipld.Link {
	return nil
}

// ResolveLink returns an error.
func (rn *RawNode) ResolveLink(path []string) (*ipld.Link, []string, error) {
	return nil, nil, ErrLinkNotFound
}

// Resolve returns an error.
func (rn *RawNode) Resolve(path []string) (interface{}, []string, error) {
	return nil, nil, ErrLinkNotFound
}

// Tree returns nil.
func (rn *RawNode) Tree(p string, depth int) []string {
	return nil
}

// Copy performs a deep copy of this node and returns it as an ipld.Node
func (rn *RawNode) Copy() ipld.Node {
	copybuf := make([]byte, len(rn.RawData()))
	copy(copybuf, rn.RawData())
	nblk, err := blocks.NewBlockWithCid(copybuf, rn.Cid())
	if err != nil {
		// programmer error
		panic("failure attempting to clone raw block")
	}

	return &RawNode{nblk}
}

// Size returns the size of this node
func (rn *RawNode) Size() (uint64, error) {
	return uint64(len(rn.RawData())), nil
}

// Stat returns some Stats about this node.
func (rn *RawNode) Stat() (*ipld.NodeStat, error) {
	return &ipld.NodeStat{
		Hash:           rn.Cid().String(),
		NumLinks:       0,
		BlockSize:      len(rn.RawData()),
		CumulativeSize: len(rn.RawData()),
	}, nil
}

var _ ipld.Node = (*RawNode)(nil)
