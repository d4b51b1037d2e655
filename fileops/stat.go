package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	ipld "github.com/ipfs/go-ipld-format"

	"github.com/merklefs/merklefs/blockservice"
	"github.com/merklefs/merklefs/exchange/offline"
	dag "github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/mfs"
	ft "github.com/merklefs/merklefs/unixfs"
)

// StatOptions control a Stat call.
type StatOptions struct {
	// WithLocal additionally walks the DAG against the local
	// blockstore only, reporting whether it is fully present and how
	// many bytes of it are.
	WithLocal bool
}

// NodeStat describes a node in the tree.
type NodeStat struct {
	Hash           string
	Size           uint64
	CumulativeSize uint64
	Blocks         int
	Type           string
	Mode           os.FileMode
	ModTime        time.Time

	// Locality information, present when requested.
	WithLocality bool
	Local        bool
	SizeLocal    uint64
}

// Stat reports size, type and hash information for the node at pth.
func (fs *FS) Stat(ctx context.Context, pth string, opts StatOptions) (*NodeStat, error) {
	path, err := checkPath(pth)
	if err != nil {
		return nil, err
	}

	fsn, err := mfs.Lookup(fs.root, path)
	if err != nil {
		return nil, err
	}

	nd, err := fsn.GetNode()
	if err != nil {
		return nil, err
	}

	o, err := statNode(nd)
	if err != nil {
		return nil, err
	}

	if !opts.WithLocal {
		return o, nil
	}

	local, sizeLocal, err := fs.walkLocal(ctx, nd)
	if err != nil {
		return nil, err
	}

	o.WithLocality = true
	o.Local = local
	o.SizeLocal = sizeLocal
	return o, nil
}

func statNode(nd ipld.Node) (*NodeStat, error) {
	c := nd.Cid()

	cumulsize, err := nd.Size()
	if err != nil {
		return nil, err
	}

	switch n := nd.(type) {
	case *dag.ProtoNode:
		d, err := ft.FSNodeFromBytes(n.Data())
		if err != nil {
			return nil, err
		}

		var ndtype string
		switch d.Type() {
		case ft.TDirectory, ft.THAMTShard:
			ndtype = "directory"
		case ft.TFile, ft.TMetadata, ft.TRaw:
			ndtype = "file"
		default:
			return nil, fmt.Errorf("unrecognized node type: %s", d.Type())
		}

		return &NodeStat{
			Hash:           c.String(),
			Blocks:         len(nd.Links()),
			Size:           d.FileSize(),
			CumulativeSize: cumulsize,
			Type:           ndtype,
			Mode:           d.Mode(),
			ModTime:        d.ModTime(),
		}, nil
	case *dag.RawNode:
		return &NodeStat{
			Hash:           c.String(),
			Blocks:         0,
			Size:           cumulsize,
			CumulativeSize: cumulsize,
			Type:           "file",
		}, nil
	default:
		return nil, fmt.Errorf("not unixfs node (proto or raw)")
	}
}

// walkLocal walks the DAG under nd consulting only the local blockstore.
// Missing subtrees make the result non-local but do not abort the walk,
// and blocks shared between branches are counted once per reference.
func (fs *FS) walkLocal(ctx context.Context, nd ipld.Node) (bool, uint64, error) {
	if fs.bstore == nil {
		return false, 0, errors.New("no blockstore available for locality check")
	}

	localDag := dag.NewDAGService(blockservice.New(fs.bstore, offline.Exchange(fs.bstore)))
	return walkBlock(ctx, localDag, nd)
}

func walkBlock(ctx context.Context, dagserv ipld.DAGService, nd ipld.Node) (bool, uint64, error) {
	// Start with the block data size
	sizeLocal := uint64(len(nd.RawData()))
	local := true

	for _, link := range nd.Links() {
		child, err := dagserv.Get(ctx, link.Cid)

		if ipld.IsNotFound(err) {
			local = false
			continue
		}

		if err != nil {
			return local, sizeLocal, err
		}

		childLocal, childLocalSize, err := walkBlock(ctx, dagserv, child)
		if err != nil {
			return local, sizeLocal, err
		}

		local = local && childLocal
		sizeLocal += childLocalSize
	}

	return local, sizeLocal, nil
}
