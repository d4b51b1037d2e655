package mfs

import (
	"context"
	"fmt"

	ipld "github.com/ipfs/go-ipld-format"

	chunker "github.com/merklefs/merklefs/chunker"
	dag "github.com/merklefs/merklefs/merkledag"
	ft "github.com/merklefs/merklefs/unixfs"
)

// Root represents the root of a filesystem tree. It implements the parent
// interface for its single directory, and is the point where flushed
// changes turn into a published root CID.
type Root struct {
	// Root directory of the MFS layout.
	dir *Directory

	repub *Republisher

	// chunker factory for files, nil means default
	chunker chunker.SplitterGen
}

// RootOption is a functional option for configuring a Root.
type RootOption func(*Root)

// WithChunker sets the chunker factory for files created in this MFS.
// If not set (or nil), chunker.DefaultSplitter is used.
func WithChunker(c chunker.SplitterGen) RootOption {
	return func(r *Root) {
		r.chunker = c
	}
}

// NewRoot creates a new Root around the given directory node and starts
// up a republisher routine for it. The publish function may be nil, in
// which case changes are tracked but never published anywhere.
func NewRoot(parent context.Context, ds ipld.DAGService, node *dag.ProtoNode, pf PubFunc, opts ...RootOption) (*Root, error) {
	root := new(Root)
	for _, opt := range opts {
		opt(root)
	}

	fsn, err := ft.FSNodeFromBytes(node.Data())
	if err != nil {
		log.Error("root pointer was not a unixfs node")
		return nil, err
	}

	switch fsn.Type() {
	case ft.TDirectory, ft.THAMTShard:
		newDir, err := NewDirectory(parent, node.String(), node, root, ds)
		if err != nil {
			return nil, err
		}
		root.dir = newDir
	case ft.TFile, ft.TMetadata, ft.TRaw:
		return nil, fmt.Errorf("root can't be a file (unixfs type: %s)", fsn.Type())
	default:
		return nil, fmt.Errorf("unrecognized unixfs type: %s", fsn.Type())
	}

	if pf != nil {
		repub := NewRepublisher(parent, pf, repubQuick, repubLong)
		repub.setVal(node.Cid())
		go repub.Run()
		root.repub = repub
	}

	return root, nil
}

// NewEmptyRoot creates a Root holding a fresh empty directory.
func NewEmptyRoot(parent context.Context, ds ipld.DAGService, pf PubFunc, opts ...RootOption) (*Root, error) {
	nd := ft.EmptyDirNode()
	if err := ds.Add(parent, nd); err != nil {
		return nil, err
	}
	return NewRoot(parent, ds, nd, pf, opts...)
}

// GetDirectory returns the root directory.
func (kr *Root) GetDirectory() *Directory {
	return kr.dir
}

// getChunker implements the parent interface.
func (kr *Root) getChunker() chunker.SplitterGen {
	return kr.chunker
}

// Flush reconciles the whole tree into a new root node and signals the
// republisher that there is an update to be published.
func (kr *Root) Flush() error {
	nd, err := kr.GetDirectory().GetNode()
	if err != nil {
		return err
	}

	if kr.repub != nil {
		kr.repub.Update(nd.Cid())
	}
	return nil
}

// FlushMemFree flushes the root directory and then uncaches all of its
// links. This has the effect of clearing out potentially stale references
// and allows them to be garbage collected.
// CAUTION: Take care not to ever call this while holding a reference to
// any child directories. Those directories will be bad references and
// using them may have unintended racy side effects.
func (kr *Root) FlushMemFree(ctx context.Context) error {
	dir := kr.GetDirectory()

	if err := dir.Flush(); err != nil {
		return err
	}

	dir.lock.Lock()
	defer dir.lock.Unlock()

	for name := range dir.files {
		delete(dir.files, name)
	}
	for name := range dir.childDirs {
		delete(dir.childDirs, name)
	}

	return nil
}

// updateChildEntry implements the parent interface, and signals to the
// publisher that there are changes ready to be published. This is the
// only thing that separates a Root from a Directory.
func (kr *Root) updateChildEntry(c child, fullSync bool) error {
	err := kr.GetDirectory().dagService.Add(context.TODO(), c.Node)
	if err != nil {
		return err
	}

	if fullSync && kr.repub != nil {
		kr.repub.Update(c.Node.Cid())
	}
	return nil
}

// Close flushes and publishes the final state of the root, and shuts the
// republisher down.
func (kr *Root) Close() error {
	nd, err := kr.GetDirectory().GetNode()
	if err != nil {
		return err
	}

	if kr.repub != nil {
		kr.repub.Update(nd.Cid())
		return kr.repub.Close()
	}

	return nil
}
