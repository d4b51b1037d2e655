// Package mfs implements an in-memory model of a mutable filesystem layered
// over a content-addressed merkle DAG.
//
// Files and directories are addressed by path. Edits mutate cached
// in-memory state first; re-hashing only happens when a node is flushed,
// at which point the new CIDs propagate bottom-up along the changed path
// and the resulting root CID is handed to a republisher.
package mfs

import (
	"errors"
	"os"
	"time"

	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"

	chunker "github.com/merklefs/merklefs/chunker"
)

var log = logging.Logger("mfs")

// Common errors
var (
	ErrNotYetImplemented = errors.New("not yet implemented")
	ErrInvalidChild      = errors.New("invalid child node")
	ErrDirExists         = errors.New("directory already has entry by that name")
	ErrClosed            = errors.New("file closed")
	ErrIsDirectory       = errors.New("error: is a directory")
)

// Root republish debounce windows: a change is published after repubQuick
// of quiet, or after repubLong since the first unpublished change.
const (
	repubQuick = 300 * time.Millisecond
	repubLong  = 3 * time.Second
)

// child is the information a Directory has about one of its entries when
// updating it: when a child mutates it signals its parent directory to
// update its entry (under Name) with the new content (in Node).
type child struct {
	Name string
	Node ipld.Node
}

// parent represents the capacity of both the Directory and the Root to
// absorb an updated entry from one of their children. When fullSync is
// set the update is persisted to the dag service and propagated upwards,
// repeating the whole process in the parent until reaching the Root;
// otherwise it only lands in the parent's cache.
type parent interface {
	updateChildEntry(c child, fullSync bool) error

	// getChunker returns the chunker factory for file writes, nil
	// meaning the default splitter.
	getChunker() chunker.SplitterGen
}

// NodeType distinguishes files from directories.
type NodeType int

const (
	// TFile is a file node type.
	TFile NodeType = iota
	// TDir is a directory node type.
	TDir
)

// FSNode abstracts the Directory and File structures, it represents any
// child node in the MFS (i.e., all the nodes besides the Root). It is the
// counterpart of the parent interface which represents any parent node in
// the MFS (Root and Directory).
// (Not to be confused with the unixfs.FSNode.)
type FSNode interface {
	GetNode() (ipld.Node, error)

	Flush() error
	Type() NodeType
	SetMode(mode os.FileMode) error
	SetModTime(ts time.Time) error
}

// IsDir checks whether the FSNode is dir type
func IsDir(fsn FSNode) bool {
	return fsn.Type() == TDir
}

// IsFile checks whether the FSNode is file type
func IsFile(fsn FSNode) bool {
	return fsn.Type() == TFile
}
