// Package unixfs implements the metadata envelope carried in the Data field
// of dag-pb nodes: the node type tag, file size, child block sizes, and the
// optional POSIX mode and modification time.
package unixfs

import (
	"errors"
	"fmt"
	"os"
	"time"

	ipld "github.com/ipfs/go-ipld-format"

	"github.com/merklefs/merklefs/merkledag"
)

// DataType is the type tag of a unixfs node.
type DataType int32

// Node type tag values, fixed by the wire format.
const (
	TRaw       DataType = 0
	TDirectory DataType = 1
	TFile      DataType = 2
	TMetadata  DataType = 3
	TSymlink   DataType = 4
	THAMTShard DataType = 5
)

func (t DataType) String() string {
	switch t {
	case TRaw:
		return "raw"
	case TDirectory:
		return "directory"
	case TFile:
		return "file"
	case TMetadata:
		return "metadata"
	case TSymlink:
		return "symlink"
	case THAMTShard:
		return "hamt-shard"
	default:
		return fmt.Sprintf("<unknown type %d>", int32(t))
	}
}

// Common errors
var (
	ErrMalformedFileFormat = errors.New("malformed data in file format")
	ErrUnrecognizedType    = errors.New("unrecognized node type")
	ErrNotProtoNode        = errors.New("expected a ProtoNode as internal node")
)

// FSNode represents a filesystem node, tracking the underlying wire
// representation.
type FSNode struct {
	nodeType   DataType
	data       []byte
	blocksizes []uint64
	filesize   uint64

	// hash function and fanout of sharded directories; carried through
	// untouched so re-encoding foreign shard nodes is stable.
	hashType uint64
	fanout   uint64

	mode  uint32
	mtime time.Time
}

// NewFSNode creates a new FSNode structure with the given type.
func NewFSNode(dataType DataType) *FSNode {
	return &FSNode{nodeType: dataType}
}

// FSNodeFromBytes unmarshals a byte slice as one of the valid data types.
func FSNodeFromBytes(b []byte) (*FSNode, error) {
	n := new(FSNode)
	if err := n.unmarshal(b); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFileFormat, err)
	}
	return n, nil
}

// Type returns the type tag of the node.
func (n *FSNode) Type() DataType { return n.nodeType }

// Data returns the opaque data payload of the node.
func (n *FSNode) Data() []byte { return n.data }

// SetData stores data in this node, adjusting the tracked file size.
func (n *FSNode) SetData(newData []byte) {
	n.UpdateFilesize(int64(len(newData) - len(n.data)))
	n.data = newData
}

// FileSize returns the total (logical) size of the file.
func (n *FSNode) FileSize() uint64 { return n.filesize }

// UpdateFilesize updates the total size of the file, which may be negative.
func (n *FSNode) UpdateFilesize(filesizeDiff int64) {
	n.filesize = uint64(int64(n.filesize) + filesizeDiff)
}

// AddBlockSize adds the size of the next child block of this node.
func (n *FSNode) AddBlockSize(s uint64) {
	n.filesize += s
	n.blocksizes = append(n.blocksizes, s)
}

// RemoveBlockSize removes the given child block's size.
func (n *FSNode) RemoveBlockSize(i int) {
	n.filesize -= n.blocksizes[i]
	n.blocksizes = append(n.blocksizes[:i], n.blocksizes[i+1:]...)
}

// BlockSize returns the block size indexed by i.
func (n *FSNode) BlockSize(i int) uint64 {
	return n.blocksizes[i]
}

// BlockSizes gets blocksizes of the node.
func (n *FSNode) BlockSizes() []uint64 {
	return n.blocksizes
}

// NumChildren returns the number of child blocks of this node.
func (n *FSNode) NumChildren() int {
	return len(n.blocksizes)
}

// Mode returns the optionally stored file permissions.
func (n *FSNode) Mode() os.FileMode {
	mode := os.FileMode(n.mode & 0o777)
	if n.mode&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if n.mode&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if n.mode&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// SetMode stores the given mode's permission bits (and setuid/setgid/sticky)
// in the node, using the unix bit layout on the wire.
func (n *FSNode) SetMode(mode os.FileMode) {
	perms := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		perms |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		perms |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		perms |= 0o1000
	}
	n.mode = perms
}

// ModTime returns the stored last modified timestamp if set.
func (n *FSNode) ModTime() time.Time {
	return n.mtime
}

// SetModTime stores the given last modified timestamp in the node.
func (n *FSNode) SetModTime(ts time.Time) {
	n.mtime = ts
}

// HashType returns the multihash type carried by sharded nodes.
func (n *FSNode) HashType() uint64 { return n.hashType }

// Fanout returns the fanout carried by sharded nodes.
func (n *FSNode) Fanout() uint64 { return n.fanout }

// GetBytes marshals this node as a protobuf message.
func (n *FSNode) GetBytes() ([]byte, error) {
	return n.marshal(), nil
}

// IsDir checks whether the node represents a directory.
func (n *FSNode) IsDir() bool {
	switch n.nodeType {
	case TDirectory, THAMTShard:
		return true
	default:
		return false
	}
}

// FilePBData creates the data bytes for a file node with the given contents
// and total size.
func FilePBData(data []byte, totalsize uint64) []byte {
	n := NewFSNode(TFile)
	n.data = data
	n.filesize = totalsize
	return n.marshal()
}

// FilePBDataWithStat is like FilePBData but also stores the given mode
// and modification time (when nonzero) in the node.
func FilePBDataWithStat(data []byte, totalsize uint64, mode os.FileMode, mtime time.Time) []byte {
	n := NewFSNode(TFile)
	n.data = data
	n.filesize = totalsize
	if mode != 0 {
		n.SetMode(mode)
	}
	if !mtime.IsZero() {
		n.SetModTime(mtime)
	}
	return n.marshal()
}

// ExtractFSNode extracts the FSNode from the given ipld.Node, which must
// be a ProtoNode carrying unixfs data.
func ExtractFSNode(node ipld.Node) (*FSNode, error) {
	protoNode, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return nil, ErrNotProtoNode
	}

	return FSNodeFromBytes(protoNode.Data())
}

// FolderPBData returns the data bytes for an empty directory node.
func FolderPBData() []byte {
	return NewFSNode(TDirectory).marshal()
}

// SymlinkData returns the data bytes for a symlink node pointing at path.
func SymlinkData(path string) ([]byte, error) {
	n := NewFSNode(TSymlink)
	n.data = []byte(path)
	n.filesize = 0
	return n.marshal(), nil
}

// EmptyDirNode creates an empty dag-pb directory node.
func EmptyDirNode() *merkledag.ProtoNode {
	return merkledag.NodeWithData(FolderPBData())
}

// EmptyFileNode creates an empty dag-pb file node.
func EmptyFileNode() *merkledag.ProtoNode {
	return merkledag.NodeWithData(FilePBData(nil, 0))
}
