package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	gopath "path"
	"time"

	cid "github.com/ipfs/go-cid"

	dag "github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/mfs"
	ft "github.com/merklefs/merklefs/unixfs"
)

// WriteOptions control a single Write call.
type WriteOptions struct {
	// Offset is the byte offset at which writing starts.
	Offset int64

	// Create makes the file if it does not exist.
	Create bool

	// Parents creates missing intermediate directories (implies the
	// write may create the file's directory chain).
	Parents bool

	// Truncate empties the file before writing.
	Truncate bool

	// Count limits how many bytes are consumed from the reader, < 0 is
	// an error and 0 means all of them.
	Count int64

	// Flush propagates the change to the root when the descriptor
	// closes. Defaults off; see FS.Flush for explicit flushing.
	Flush bool

	// RawLeaves, when non-nil, overrides the FS default for leaf node
	// format on this file.
	RawLeaves *bool

	// CidVersion and Hash configure the CID builder for nodes created
	// by this call. Only honored together with Create.
	CidVersion int
	Hash       string

	// Mode and ModTime, when set, are stored on the file node.
	Mode    os.FileMode
	ModTime time.Time
}

// Write streams r into the file at pth according to opts.
func (fs *FS) Write(ctx context.Context, pth string, r io.Reader, opts WriteOptions) (err error) {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}

	if opts.Offset < 0 {
		return errors.New("cannot have negative write offset")
	}
	if opts.Count < 0 {
		return errors.New("cannot have negative byte count")
	}

	var builder cid.Builder
	if opts.Create {
		builder, err = fs.builderFor(opts.CidVersion, opts.Hash)
		if err != nil {
			return err
		}
	} else if opts.CidVersion > 0 || opts.Hash != "" {
		return errors.New("cid version and hash can only be set when creating a file")
	}

	if opts.Parents {
		if err := ensureContainingDirectoryExists(fs.root, path, builder); err != nil {
			return err
		}
	}

	fi, err := fs.getFileHandle(path, opts.Create, builder)
	if err != nil {
		return err
	}
	if opts.RawLeaves != nil {
		fi.RawLeaves = *opts.RawLeaves
	}

	wfd, err := fi.Open(mfs.Flags{Write: true, Sync: opts.Flush})
	if err != nil {
		return err
	}

	defer func() {
		if cerr := wfd.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if opts.Truncate {
		if err := wfd.Truncate(0); err != nil {
			return err
		}
	}

	if opts.Count > 0 {
		r = io.LimitReader(r, opts.Count)
	}

	if _, err := wfd.Seek(opts.Offset, io.SeekStart); err != nil {
		log.Error("seekfail: ", err)
		return err
	}

	if _, err := io.Copy(wfd, r); err != nil {
		return err
	}

	if opts.Mode != 0 {
		if err := fi.SetMode(opts.Mode); err != nil {
			return err
		}
	}
	if !opts.ModTime.IsZero() {
		if err := fi.SetModTime(opts.ModTime); err != nil {
			return err
		}
	}

	return nil
}

// getFileHandle retrieves the file at path, creating an empty one when
// create is set and nothing exists there yet.
func (fs *FS) getFileHandle(path string, create bool, builder cid.Builder) (*mfs.File, error) {
	target, err := mfs.Lookup(fs.root, path)
	switch err {
	case nil:
		fi, ok := target.(*mfs.File)
		if !ok {
			return nil, fmt.Errorf("%s was not a file", path)
		}
		return fi, nil
	case os.ErrNotExist:
		if !create {
			return nil, err
		}

		// if create is specified and the file doesn't exist, we create
		// the file
		dirname, fname := gopath.Split(path)
		pdir, err := getParentDir(fs.root, dirname)
		if err != nil {
			return nil, err
		}

		if builder == nil {
			builder = pdir.GetCidBuilder()
		}
		nd := dag.NodeWithData(ft.FilePBData(nil, 0))
		nd.SetCidBuilder(builder)
		err = pdir.AddChild(fname, nd)
		if err != nil {
			return nil, err
		}

		fsn, err := pdir.Child(fname)
		if err != nil {
			return nil, err
		}

		fi, ok := fsn.(*mfs.File)
		if !ok {
			return nil, errors.New("expected *mfs.File, didn't get it. This is likely a race condition")
		}
		return fi, nil
	default:
		return nil, err
	}
}
