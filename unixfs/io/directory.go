// Package io provides read and write abstractions over unixfs DAGs:
// directories as name-to-link maps and files as seekable readers.
package io

import (
	"context"
	"errors"
	"os"
	"sort"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/unixfs"
)

var (
	// ErrNotADir is returned when a dag node expected to be a directory
	// carries a different unixfs type.
	ErrNotADir = errors.New("merkledag node was not a directory or shard")

	// ErrShardedDir is returned when an operation reaches a sharded
	// directory node, which this implementation does not edit.
	ErrShardedDir = errors.New("sharded directories are not supported")
)

// Directory wraps a dag node under a name-to-child interface. Mutations
// only touch the in-memory node; callers persist through GetNode and the
// dag service.
type Directory interface {
	// SetCidBuilder sets the CID builder used for new child links.
	SetCidBuilder(cid.Builder)

	// GetCidBuilder returns the CID builder of the directory node.
	GetCidBuilder() cid.Builder

	// AddChild adds a (name, key) pair to the directory, replacing any
	// existing entry of the same name.
	AddChild(context.Context, string, ipld.Node) error

	// ForEachLink applies the given function to every link in the
	// directory, in order.
	ForEachLink(context.Context, func(*ipld.Link) error) error

	// Links returns the directory links, in order.
	Links(context.Context) ([]*ipld.Link, error)

	// Find returns the child node named name.
	Find(context.Context, string) (ipld.Node, error)

	// RemoveChild removes the child named name.
	RemoveChild(context.Context, string) error

	// GetNode returns the directory's underlying dag node.
	GetNode() (ipld.Node, error)
}

// BasicDirectory is the standard directory: a single dag-pb node with one
// link per entry, links held in lexicographic name order so the encoded
// form (and the CID) is independent of insertion history.
type BasicDirectory struct {
	node  *merkledag.ProtoNode
	dserv ipld.DAGService
}

var _ Directory = (*BasicDirectory)(nil)

// NewDirectory returns a new empty directory backed by the given service.
func NewDirectory(dserv ipld.DAGService) Directory {
	return &BasicDirectory{
		node:  unixfs.EmptyDirNode(),
		dserv: dserv,
	}
}

// NewDirectoryFromNode loads a directory from the given dag node.
func NewDirectoryFromNode(dserv ipld.DAGService, node ipld.Node) (Directory, error) {
	protoBufNode, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return nil, ErrNotADir
	}

	fsNode, err := unixfs.FSNodeFromBytes(protoBufNode.Data())
	if err != nil {
		return nil, err
	}

	switch fsNode.Type() {
	case unixfs.TDirectory:
		return &BasicDirectory{
			node:  protoBufNode.Copy().(*merkledag.ProtoNode),
			dserv: dserv,
		}, nil
	case unixfs.THAMTShard:
		return nil, ErrShardedDir
	}

	return nil, ErrNotADir
}

// SetCidBuilder implements the Directory interface.
func (d *BasicDirectory) SetCidBuilder(builder cid.Builder) {
	d.node.SetCidBuilder(builder)
}

// GetCidBuilder implements the Directory interface.
func (d *BasicDirectory) GetCidBuilder() cid.Builder {
	return d.node.CidBuilder()
}

// AddChild implements the Directory interface. It replaces any existing
// entry of the same name and keeps the links sorted.
func (d *BasicDirectory) AddChild(ctx context.Context, name string, node ipld.Node) error {
	lnk, err := ipld.MakeLink(node)
	if err != nil {
		return err
	}
	lnk.Name = name

	links := d.node.Links()
	i := sort.Search(len(links), func(i int) bool {
		return links[i].Name >= name
	})

	newLinks := make([]*ipld.Link, 0, len(links)+1)
	newLinks = append(newLinks, links[:i]...)
	newLinks = append(newLinks, lnk)
	if i < len(links) && links[i].Name == name {
		i++ // drop the replaced entry
	}
	newLinks = append(newLinks, links[i:]...)

	d.node.SetLinks(newLinks)
	return nil
}

// ForEachLink implements the Directory interface.
func (d *BasicDirectory) ForEachLink(_ context.Context, f func(*ipld.Link) error) error {
	for _, l := range d.node.Links() {
		if err := f(l); err != nil {
			return err
		}
	}
	return nil
}

// Links implements the Directory interface.
func (d *BasicDirectory) Links(_ context.Context) ([]*ipld.Link, error) {
	return d.node.Links(), nil
}

// Find implements the Directory interface.
func (d *BasicDirectory) Find(ctx context.Context, name string) (ipld.Node, error) {
	lnk, err := d.node.GetNodeLink(name)
	if err == merkledag.ErrLinkNotFound {
		return nil, os.ErrNotExist
	}
	if err != nil {
		return nil, err
	}

	return d.dserv.Get(ctx, lnk.Cid)
}

// RemoveChild implements the Directory interface.
func (d *BasicDirectory) RemoveChild(_ context.Context, name string) error {
	if _, err := d.node.GetNodeLink(name); err == merkledag.ErrLinkNotFound {
		return os.ErrNotExist
	}
	return d.node.RemoveNodeLink(name)
}

// GetNode implements the Directory interface.
func (d *BasicDirectory) GetNode() (ipld.Node, error) {
	return d.node, nil
}

// ResolveUnixfsOnce resolves a single name within the given node, which
// must be a unixfs directory.
func ResolveUnixfsOnce(ctx context.Context, dserv ipld.DAGService, nd ipld.Node, name string) (ipld.Node, error) {
	dir, err := NewDirectoryFromNode(dserv, nd)
	if err != nil {
		return nil, err
	}
	return dir.Find(ctx, name)
}
