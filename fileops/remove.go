package fileops

import (
	"context"
	"fmt"
	"os"
	gopath "path"

	"github.com/hashicorp/go-multierror"

	"github.com/merklefs/merklefs/mfs"
)

// RemoveOptions control a Remove call.
type RemoveOptions struct {
	// Recursive allows removing directories.
	Recursive bool

	// Force removes anything at the path regardless of type and
	// silences missing-path errors.
	Force bool
}

// Remove unlinks each of the given paths. Failures on individual paths
// do not stop the others; they are aggregated into the returned error.
func (fs *FS) Remove(ctx context.Context, paths []string, opts RemoveOptions) error {
	var errs *multierror.Error
	for _, p := range paths {
		if err := fs.removePath(ctx, p, opts); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errs.ErrorOrNil()
}

func (fs *FS) removePath(ctx context.Context, pth string, opts RemoveOptions) error {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}

	if path == "/" {
		return ErrCannotDeleteRoot
	}

	// 'rm a/b/c/' will fail unless we trim the slash at the end
	if path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}

	dir, name := gopath.Split(path)

	pdir, err := getParentDir(fs.root, dir)
	if err != nil {
		if opts.Force && err == os.ErrNotExist {
			return nil
		}
		return fmt.Errorf("parent lookup: %w", err)
	}

	if opts.Force {
		err := pdir.Unlink(name)
		if err != nil {
			if err == os.ErrNotExist {
				return nil
			}
			return err
		}
		return pdir.Flush()
	}

	// get child node by name, when the node is corrupted and nonexistent,
	// it will return specific error.
	child, err := pdir.Child(name)
	if err != nil {
		return err
	}

	switch child.(type) {
	case *mfs.Directory:
		if !opts.Recursive {
			return fmt.Errorf("path is a directory, use Recursive to remove directories")
		}
	}

	err = pdir.Unlink(name)
	if err != nil {
		return err
	}

	return pdir.Flush()
}
