package io

import (
	"context"
	"errors"
	"io"

	ipld "github.com/ipfs/go-ipld-format"

	"github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/unixfs"
)

// Common errors
var (
	ErrIsDir            = errors.New("this dag node is a directory")
	ErrCantReadSymlinks = errors.New("cannot currently read symlinks")
	ErrUnknownNodeType  = errors.New("unknown node type")
	ErrSeekNotSupported = errors.New("file does not support seeking")
)

// A DagReader provides read-only read and seek access to a unixfs file.
// Different implementations of readers are used for the different
// types of unixfs/protobuf-encoded nodes.
type DagReader interface {
	ReadSeekCloser
	Size() uint64
	CtxReadFull(context.Context, []byte) (int, error)
}

// A ReadSeekCloser implements interfaces to read, copy, seek and close.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
	io.WriterTo
}

// NewDagReader creates a new reader object that reads the data represented
// by the given node, using the passed in DAGService for data retrieval.
func NewDagReader(ctx context.Context, n ipld.Node, serv ipld.NodeGetter) (DagReader, error) {
	var size uint64

	switch n := n.(type) {
	case *merkledag.RawNode:
		size = uint64(len(n.RawData()))

	case *merkledag.ProtoNode:
		fsNode, err := unixfs.FSNodeFromBytes(n.Data())
		if err != nil {
			return nil, err
		}

		switch fsNode.Type() {
		case unixfs.TFile, unixfs.TRaw:
			size = fsNode.FileSize()
		case unixfs.TDirectory, unixfs.THAMTShard:
			return nil, ErrIsDir
		case unixfs.TSymlink:
			return nil, ErrCantReadSymlinks
		default:
			return nil, unixfs.ErrUnrecognizedType
		}
	default:
		return nil, ErrUnknownNodeType
	}

	return &dagReader{
		ctx:  ctx,
		serv: serv,
		root: n,
		size: size,
	}, nil
}

// dagReader reads a file DAG by descending from the root on every call,
// locating the leaf holding the current offset through the child block
// sizes. It works for any layout that keeps the unixfs blocksizes
// accurate, trickle included.
type dagReader struct {
	ctx    context.Context
	serv   ipld.NodeGetter
	root   ipld.Node
	size   uint64
	offset int64

	copyBuf []byte
}

var _ DagReader = (*dagReader)(nil)

// Size returns the total size of the data from the DAG structured file.
func (dr *dagReader) Size() uint64 {
	return dr.size
}

// Read implements the `io.Reader` interface through the `CtxReadFull`
// method using the DAG reader's internal context.
func (dr *dagReader) Read(b []byte) (int, error) {
	return dr.CtxReadFull(dr.ctx, b)
}

// CtxReadFull reads data from the DAG structured file, filling b as far
// as the remaining file contents allow.
func (dr *dagReader) CtxReadFull(ctx context.Context, b []byte) (int, error) {
	if dr.offset < 0 {
		return 0, errors.New("invalid offset")
	}
	if uint64(dr.offset) >= dr.size {
		return 0, io.EOF
	}

	n, err := dr.readNode(ctx, dr.root, uint64(dr.offset), b)
	dr.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// readNode copies file bytes starting at offset (relative to nd) into b,
// recursing into the child spanning the offset and continuing through the
// following siblings until b is full or nd is exhausted.
func (dr *dagReader) readNode(ctx context.Context, nd ipld.Node, offset uint64, b []byte) (int, error) {
	switch nd := nd.(type) {
	case *merkledag.RawNode:
		data := nd.RawData()
		if offset >= uint64(len(data)) {
			return 0, nil
		}
		return copy(b, data[offset:]), nil

	case *merkledag.ProtoNode:
		fsNode, err := unixfs.FSNodeFromBytes(nd.Data())
		if err != nil {
			return 0, err
		}

		// a node's own data comes before its children
		total := 0
		data := fsNode.Data()
		if offset < uint64(len(data)) {
			total += copy(b, data[offset:])
			offset = 0
			if total == len(b) {
				return total, nil
			}
		} else {
			offset -= uint64(len(data))
		}

		links := nd.Links()
		if len(links) != fsNode.NumChildren() {
			return total, errors.New("inconsistent blocksizes and links")
		}
		for i := 0; i < len(links) && total < len(b); i++ {
			childSize := fsNode.BlockSize(i)
			if offset >= childSize {
				offset -= childSize
				continue
			}
			child, err := links[i].GetNode(ctx, dr.serv)
			if err != nil {
				return total, err
			}
			n, err := dr.readNode(ctx, child, offset, b[total:])
			total += n
			if err != nil {
				return total, err
			}
			if n == 0 {
				// short child, stop to avoid spinning
				return total, nil
			}
			offset = 0
		}
		return total, nil

	default:
		return 0, ErrUnknownNodeType
	}
}

// WriteTo writes the remaining contents of the file to the given writer.
func (dr *dagReader) WriteTo(w io.Writer) (int64, error) {
	if len(dr.copyBuf) == 0 {
		dr.copyBuf = make([]byte, 32*1024)
	}

	var written int64
	for {
		n, err := dr.CtxReadFull(dr.ctx, dr.copyBuf)
		if n > 0 {
			wn, werr := w.Write(dr.copyBuf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// Seek implements `io.Seeker` moving the internal offset.
func (dr *dagReader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = dr.offset + offset
	case io.SeekEnd:
		newOffset = int64(dr.size) + offset
	default:
		return 0, ErrSeekNotSupported
	}
	if newOffset < 0 {
		return 0, errors.New("invalid offset")
	}
	dr.offset = newOffset
	return dr.offset, nil
}

// Close releases the reader. The reader holds no resources beyond its
// context so this never fails.
func (dr *dagReader) Close() error {
	return nil
}
