// Package trickle allows the construction of trickle DAGs.
// TrickleDAG is very similar to the default dag in that it shares the same
// unixfs node format. However, the general structure is different, as it
// optimizes for sequential reads and for appending: each layer of the tree
// holds a fixed number of complete sub-trees of increasing depth, so data
// can be added at the end without rewriting what came before.
//
// A trickle DAG of depth two with layerRepeat of 4 looks roughly like:
//
//	root
//	├── l leaves
//	├── subtree of depth 1
//	├── subtree of depth 1
//	├── subtree of depth 1
//	├── subtree of depth 1
//	└── (subtrees of depth 2 follow)
package trickle

import (
	"context"
	"errors"

	ipld "github.com/ipfs/go-ipld-format"

	"github.com/merklefs/merklefs/merkledag"
	ft "github.com/merklefs/merklefs/unixfs"
	h "github.com/merklefs/merklefs/unixfs/importer/helpers"
)

// layerRepeat specifies how many times to append a child tree of a
// given depth. Higher values increase the width of a given node, which
// improves seek speeds.
const layerRepeat = 4

// Layout builds a new DAG with the trickle format using the provided
// DagBuilderHelper.
func Layout(db *h.DagBuilderHelper) (ipld.Node, error) {
	newRoot := db.NewFSNodeOverDag(ft.TFile)
	root, _, err := fillTrickleRec(db, newRoot, -1)
	if err != nil {
		return nil, err
	}

	return root, db.Add(root)
}

// fillTrickleRec creates a trickle (sub-)tree with an optional maximum
// specified depth in the case maxDepth is greater than zero, or with
// unlimited depth otherwise (where the DAG builder will signal the end
// of data to end the function).
func fillTrickleRec(db *h.DagBuilderHelper, node *h.FSNodeOverDag, maxDepth int) (filledNode ipld.Node, nodeFileSize uint64, err error) {
	// Always do this, even in the base case
	if err := db.FillNodeLayer(node); err != nil {
		return nil, 0, err
	}

	// For each depth in [1, maxDepth) (or without limit if maxDepth is -1,
	// initial call from Layout) add layerRepeat sub-graphs of that depth.
	for depth := 1; maxDepth == -1 || depth < maxDepth; depth++ {
		if db.Done() {
			break
			// No more data, stop here, posterior append calls will figure out
			// where we left off.
		}

		for repeatIndex := 0; repeatIndex < layerRepeat && !db.Done(); repeatIndex++ {
			childNode, childFileSize, err := fillTrickleRec(db, db.NewFSNodeOverDag(ft.TFile), depth)
			if err != nil {
				return nil, 0, err
			}

			if err := node.AddChild(childNode, childFileSize, db); err != nil {
				return nil, 0, err
			}
		}
	}

	nodeFileSize = node.FileSize()

	// Get the final DAG node from the (now filled) FSNodeOverDag.
	filledNode, err = node.Commit()
	if err != nil {
		return nil, 0, err
	}

	return filledNode, nodeFileSize, nil
}

// Append appends the data in `db` to the dag, using the Trickledag format
func Append(ctx context.Context, basen ipld.Node, db *h.DagBuilderHelper) (out ipld.Node, errOut error) {
	base, ok := basen.(*merkledag.ProtoNode)
	if !ok {
		return nil, merkledag.ErrNotProtobuf
	}

	fsn, err := h.NewFSNFromDag(base)
	if err != nil {
		return nil, err
	}

	// Get depth of this 'tree'
	n, layerProgress := trickleDepthInfo(fsn, db.Maxlinks())
	if n == 0 {
		// If direct blocks not filled...
		if err := db.FillNodeLayer(fsn); err != nil {
			return nil, err
		}

		if db.Done() {
			return fsn.GetDagNode()
		}

		// If continuing, our depth has increased by one
		n++
	}

	// Last child in this node may not be a full tree, lets fill it up.
	if err := appendFillLastChild(ctx, fsn, n-1, layerProgress, db); err != nil {
		return nil, err
	}

	// after appendFillLastChild, our depth is now increased by one
	if !db.Done() {
		n++
	}

	// Now, continue filling out tree like normal
	for i := n; !db.Done(); i++ {
		for j := 0; j < layerRepeat && !db.Done(); j++ {
			nextChild := db.NewFSNodeOverDag(ft.TFile)
			childNode, childFileSize, err := fillTrickleRec(db, nextChild, i)
			if err != nil {
				return nil, err
			}
			if err := fsn.AddChild(childNode, childFileSize, db); err != nil {
				return nil, err
			}
		}
	}
	_, err = fsn.Commit()
	if err != nil {
		return nil, err
	}

	return fsn.GetDagNode()
}

func appendFillLastChild(ctx context.Context, fsn *h.FSNodeOverDag, depth int, layerFill int, db *h.DagBuilderHelper) error {
	if fsn.NumChildren() <= db.Maxlinks() {
		// only direct blocks so far, nothing below to fill
		return nil
	}

	// Recursive step, grab last child
	i := fsn.NumChildren() - 1
	nd, err := fsn.GetChild(ctx, i, db.GetDagServ())
	if err != nil {
		return err
	}

	// Fill out last child (may not be full tree)
	newChild, err := appendRec(ctx, nd, db, depth-1)
	if err != nil {
		return err
	}

	// Update changed child in parent node
	fsn.RemoveChild(i, db)
	filledNode, err := newChild.Commit()
	if err != nil {
		return err
	}

	err = fsn.AddChild(filledNode, newChild.FileSize(), db)
	if err != nil {
		return err
	}

	// Partially filled depth layer
	if layerFill != 0 {
		for ; layerFill < layerRepeat && !db.Done(); layerFill++ {
			next := db.NewFSNodeOverDag(ft.TFile)
			childNode, childFileSize, err := fillTrickleRec(db, next, depth)
			if err != nil {
				return err
			}

			err = fsn.AddChild(childNode, childFileSize, db)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// recursive call for Append
func appendRec(ctx context.Context, fsn *h.FSNodeOverDag, db *h.DagBuilderHelper, maxDepth int) (*h.FSNodeOverDag, error) {
	if maxDepth == 0 || db.Done() {
		return fsn, nil
	}

	// Get depth of this 'tree'
	n, layerProgress := trickleDepthInfo(fsn, db.Maxlinks())
	if n == 0 {
		// If direct blocks not filled...
		if err := db.FillNodeLayer(fsn); err != nil {
			return nil, err
		}
		n++
	}

	// If at correct depth, no need to continue
	if n == maxDepth {
		return fsn, nil
	}

	if err := appendFillLastChild(ctx, fsn, n, layerProgress, db); err != nil {
		return nil, err
	}

	// after appendFillLastChild, our depth is now increased by one
	if !db.Done() {
		n++
	}

	// Now, continue filling out tree like normal
	for i := n; i < maxDepth && !db.Done(); i++ {
		for j := 0; j < layerRepeat && !db.Done(); j++ {
			next := db.NewFSNodeOverDag(ft.TFile)
			childNode, childFileSize, err := fillTrickleRec(db, next, i)
			if err != nil {
				return nil, err
			}

			if err := fsn.AddChild(childNode, childFileSize, db); err != nil {
				return nil, err
			}
		}
	}

	return fsn, nil
}

// trickleDepthInfo returns the depth of the trickle tree rooted at node
// and how far along the top layer of sub-trees of that depth has been
// filled, as judged from the number of children.
func trickleDepthInfo(node *h.FSNodeOverDag, maxlinks int) (depth int, repeatProgress int) {
	n := node.NumChildren()

	if n < maxlinks {
		// We haven't even filled the direct block layer yet.
		return 0, 0
	}

	// The number of children past the direct block layer, all of them
	// roots of sub-trees stacked layerRepeat at a time.
	nonLeafChildren := n - maxlinks

	return nonLeafChildren/layerRepeat + 1, nonLeafChildren % layerRepeat
}

// VerifyParams is used by VerifyTrickleDagStructure
type VerifyParams struct {
	Getter      ipld.NodeGetter
	Direct      int
	LayerRepeat int
	Prefix      *ipld.NodeStat
	RawLeaves   bool
}

// ErrWrongFormat is returned when a node's structure does not match the
// trickle layout being verified.
var ErrWrongFormat = errors.New("wrong format")

// VerifyTrickleDagStructure checks that the given dag matches exactly the
// trickle dag datastructure layout.
func VerifyTrickleDagStructure(nd ipld.Node, p VerifyParams) error {
	return verifyTDagRec(nd, -1, p)
}

// Recursive call for verifying the structure of a trickledag
func verifyTDagRec(nd ipld.Node, depth int, p VerifyParams) error {
	if depth == 0 {
		if len(nd.Links()) > 0 {
			return errors.New("expected direct block")
		}
		// zero depth dag is raw data block
		switch nd := nd.(type) {
		case *merkledag.ProtoNode:
			fsn, err := ft.FSNodeFromBytes(nd.Data())
			if err != nil {
				return err
			}

			if fsn.Type() != ft.TRaw {
				return errors.New("expected raw block")
			}
		case *merkledag.RawNode:
			if !p.RawLeaves {
				return errors.New("unexpected raw leaf")
			}
		default:
			return ErrWrongFormat
		}
		return nil
	}

	pbnd, ok := nd.(*merkledag.ProtoNode)
	if !ok {
		return ErrWrongFormat
	}

	fsn, err := ft.FSNodeFromBytes(pbnd.Data())
	if err != nil {
		return err
	}
	if fsn.Type() != ft.TFile {
		return errors.New("expected file as branch node")
	}

	// Weak constraint, the top level of a deep tree may hold fewer.
	if len(nd.Links()) > p.Direct+((depth-1)*p.LayerRepeat) {
		return errors.New("more children than expected")
	}

	for i, lnk := range nd.Links() {
		child, err := lnk.GetNode(context.TODO(), p.Getter)
		if err != nil {
			return err
		}

		if i < p.Direct {
			// Direct blocks
			if err := verifyTDagRec(child, 0, p); err != nil {
				return err
			}
		} else {
			// Recursive trickle dags
			rdepth := ((i - p.Direct) / p.LayerRepeat) + 1
			if rdepth >= depth && depth > 0 {
				return errors.New("child dag was too deep")
			}
			if err := verifyTDagRec(child, rdepth, p); err != nil {
				return err
			}
		}
	}
	return nil
}
