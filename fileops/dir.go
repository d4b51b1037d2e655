package fileops

import (
	"context"
	"fmt"
	"os"
	gopath "path"
	"sort"
	"time"

	"github.com/merklefs/merklefs/mfs"
)

// MkdirOptions control a MakeDirectory call.
type MkdirOptions struct {
	// Parents creates missing intermediate directories instead of
	// failing, and tolerates the target already existing.
	Parents bool

	// Flush propagates the new directory to the root immediately.
	Flush bool

	// CidVersion and Hash configure the CID builder for the created
	// directories.
	CidVersion int
	Hash       string

	// Mode and ModTime, when set, are stored on the new directory.
	Mode    os.FileMode
	ModTime time.Time
}

// MakeDirectory creates a directory at pth.
func (fs *FS) MakeDirectory(ctx context.Context, pth string, opts MkdirOptions) error {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}

	builder, err := fs.builderFor(opts.CidVersion, opts.Hash)
	if err != nil {
		return err
	}

	return mfs.Mkdir(fs.root, path, mfs.MkdirOpts{
		Mkparents:  opts.Parents,
		Flush:      opts.Flush,
		CidBuilder: builder,
		Mode:       opts.Mode,
		ModTime:    opts.ModTime,
	})
}

// ListOptions control a List call.
type ListOptions struct {
	// Long fills in size and hash for each entry instead of names only.
	Long bool

	// NoSort keeps entries in directory order instead of sorting by name.
	NoSort bool
}

// List returns the entries under pth. Listing a file returns a single
// entry describing the file itself.
func (fs *FS) List(ctx context.Context, pth string, opts ListOptions) ([]mfs.NodeListing, error) {
	path, err := checkPath(pth)
	if err != nil {
		return nil, err
	}

	fsn, err := mfs.Lookup(fs.root, path)
	if err != nil {
		return nil, err
	}

	switch fsn := fsn.(type) {
	case *mfs.Directory:
		var out []mfs.NodeListing
		if opts.Long {
			out, err = fsn.List(ctx)
		} else {
			var names []string
			names, err = fsn.ListNames(ctx)
			for _, name := range names {
				out = append(out, mfs.NodeListing{Name: name})
			}
		}
		if err != nil {
			return nil, err
		}
		if !opts.NoSort {
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		}
		return out, nil
	case *mfs.File:
		_, name := gopath.Split(path)
		out := mfs.NodeListing{Name: name, Type: int(mfs.TFile)}

		size, err := fsn.Size()
		if err != nil {
			return nil, err
		}
		out.Size = size

		nd, err := fsn.GetNode()
		if err != nil {
			return nil, err
		}
		out.Hash = nd.Cid().String()

		return []mfs.NodeListing{out}, nil
	default:
		return nil, fmt.Errorf("unrecognized type at %s", path)
	}
}
