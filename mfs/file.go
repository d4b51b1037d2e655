package mfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	ipld "github.com/ipfs/go-ipld-format"

	chunker "github.com/merklefs/merklefs/chunker"
	dag "github.com/merklefs/merklefs/merkledag"
	ft "github.com/merklefs/merklefs/unixfs"
	mod "github.com/merklefs/merklefs/unixfs/mod"
)

// File represents a file in the MFS, its logic its mainly targeted
// to coordinating (potentially many) `FileDescriptor`s pointing to
// it.
type File struct {
	inode

	// Lock to coordinate the `FileDescriptor`s associated to this file.
	desclock sync.RWMutex

	// This isn't any node, it's the root node that represents the
	// entire DAG of nodes that comprise the file.
	node ipld.Node

	// Lock around the `node` that represents this file, necessary because
	// there may be many `FileDescriptor`s operating on this `File`.
	nodeLock sync.RWMutex

	// RawLeaves, when set, makes writes through descriptors of this file
	// produce raw leaf nodes instead of unixfs-wrapped ones.
	RawLeaves bool
}

// NewFile returns a NewFile object with the given parameters. If the
// Cid version is non-zero RawLeaves will be enabled.
func NewFile(name string, node ipld.Node, parent parent, dserv ipld.DAGService) (*File, error) {
	fi := &File{
		inode: inode{
			name:       name,
			parent:     parent,
			dagService: dserv,
		},
		node: node,
	}
	if node.Cid().Prefix().Version > 0 {
		fi.RawLeaves = true
	}
	return fi, nil
}

// Flags carry the settings of a file descriptor to be created.
type Flags struct {
	Read  bool
	Write bool
	Sync  bool
}

// Open creates a new file descriptor with the given flags. Writable
// descriptors are exclusive, read-only descriptors may coexist.
func (fi *File) Open(flags Flags) (_ FileDescriptor, _retErr error) {
	fi.nodeLock.RLock()
	node := fi.node
	fi.nodeLock.RUnlock()

	// Check the node's type before taking the lock: only file types can
	// back a descriptor.
	switch node := node.(type) {
	case *dag.ProtoNode:
		fsn, err := ft.FSNodeFromBytes(node.Data())
		if err != nil {
			return nil, err
		}

		switch fsn.Type() {
		default:
			return nil, fmt.Errorf("unsupported fsnode type for 'file'")
		case ft.TSymlink:
			return nil, fmt.Errorf("symlinks not yet supported")
		case ft.TFile, ft.TRaw:
			// OK case
		}
	case *dag.RawNode:
		// Raw block, allowed.
	default:
		return nil, fmt.Errorf("unsupported node type for 'file'")
	}

	switch {
	case flags.Write:
		fi.desclock.Lock()
		defer func() {
			if _retErr != nil {
				fi.desclock.Unlock()
			}
		}()
	case flags.Read:
		fi.desclock.RLock()
		defer func() {
			if _retErr != nil {
				fi.desclock.RUnlock()
			}
		}()
	default:
		return nil, fmt.Errorf("file opened with neither read nor write flag")
	}

	spl := fi.parent.getChunker()
	if spl == nil {
		spl = chunker.DefaultSplitter
	}

	dmod, err := mod.NewDagModifier(context.TODO(), node, fi.dagService, spl)
	if err != nil {
		return nil, err
	}
	dmod.RawLeaves = fi.RawLeaves

	return &fileDescriptor{
		inode: fi,
		flags: flags,
		mod:   dmod,
		state: stateCreated,
	}, nil
}

// Size returns the size of this file
func (fi *File) Size() (int64, error) {
	fi.nodeLock.RLock()
	defer fi.nodeLock.RUnlock()
	switch nd := fi.node.(type) {
	case *dag.ProtoNode:
		fsn, err := ft.FSNodeFromBytes(nd.Data())
		if err != nil {
			return 0, err
		}
		return int64(fsn.FileSize()), nil
	case *dag.RawNode:
		return int64(len(nd.RawData())), nil
	default:
		return -1, fmt.Errorf("unrecognized node type in mfs/file.Size()")
	}
}

// GetNode returns the dag node associated with this file
func (fi *File) GetNode() (ipld.Node, error) {
	fi.nodeLock.RLock()
	defer fi.nodeLock.RUnlock()
	return fi.node, nil
}

// Flush flushes the changes in the file to disk. It propagates the new
// dag node all the way up to the root.
func (fi *File) Flush() error {
	// open the file in fullsync mode
	fd, err := fi.Open(Flags{Write: true, Sync: true})
	if err != nil {
		return err
	}

	defer fd.Close()

	return fd.Flush()
}

// Sync flushes the changes in the file to disk, without propagating
// changes up the tree.
func (fi *File) Sync() error {
	// just being able to take the writelock means the descriptor is synced
	fi.desclock.Lock()
	defer fi.desclock.Unlock()
	return nil
}

// Type returns the type FSNode this is
func (fi *File) Type() NodeType {
	return TFile
}

// Mode returns the file's permission bits, if stored.
func (fi *File) Mode() (os.FileMode, error) {
	fi.nodeLock.RLock()
	defer fi.nodeLock.RUnlock()

	fsn, err := ft.ExtractFSNode(fi.node)
	if err != nil {
		if errors.Is(err, ft.ErrNotProtoNode) {
			// raw nodes carry no stat
			return 0, nil
		}
		return 0, err
	}
	return fsn.Mode(), nil
}

// SetMode sets the permission bits of the file node, wrapping raw nodes
// in a unixfs envelope when needed.
func (fi *File) SetMode(mode os.FileMode) error {
	nd, err := fi.GetNode()
	if err != nil {
		return err
	}

	fsn, err := ft.ExtractFSNode(nd)
	if err != nil {
		if errors.Is(err, ft.ErrNotProtoNode) {
			// Wrap raw node in unixfs node.
			data := nd.RawData()
			return fi.setNodeData(ft.FilePBDataWithStat(data, uint64(len(data)), mode, time.Time{}), nil)
		}
		return err
	}

	fsn.SetMode(mode)
	data, err := fsn.GetBytes()
	if err != nil {
		return err
	}

	return fi.setNodeData(data, nd.Links())
}

// ModTime returns the file's last modified timestamp, if stored.
func (fi *File) ModTime() (time.Time, error) {
	fi.nodeLock.RLock()
	defer fi.nodeLock.RUnlock()

	fsn, err := ft.ExtractFSNode(fi.node)
	if err != nil {
		if errors.Is(err, ft.ErrNotProtoNode) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return fsn.ModTime(), nil
}

// SetModTime sets the last modified timestamp of the file node, wrapping
// raw nodes in a unixfs envelope when needed.
func (fi *File) SetModTime(ts time.Time) error {
	nd, err := fi.GetNode()
	if err != nil {
		return err
	}

	fsn, err := ft.ExtractFSNode(nd)
	if err != nil {
		if errors.Is(err, ft.ErrNotProtoNode) {
			data := nd.RawData()
			return fi.setNodeData(ft.FilePBDataWithStat(data, uint64(len(data)), 0, ts), nil)
		}
		return err
	}

	fsn.SetModTime(ts)
	data, err := fsn.GetBytes()
	if err != nil {
		return err
	}

	return fi.setNodeData(data, nd.Links())
}

// setNodeData replaces this file's node with one carrying the given data
// and links, and propagates the change to the parent.
func (fi *File) setNodeData(data []byte, links []*ipld.Link) error {
	nd := dag.NodeWithData(data)
	nd.SetLinks(links)

	err := fi.dagService.Add(context.TODO(), nd)
	if err != nil {
		return err
	}

	fi.nodeLock.Lock()
	fi.node = nd
	parent := fi.parent
	name := fi.name
	fi.nodeLock.Unlock()

	return parent.updateChildEntry(child{name, nd}, true)
}
