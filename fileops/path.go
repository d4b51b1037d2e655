package fileops

import (
	"context"
	"errors"
	"fmt"
	gopath "path"
	"strings"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/merklefs/merklefs/mfs"
	uio "github.com/merklefs/merklefs/unixfs/io"
)

// checkPath validates and cleans an MFS path. Paths are absolute; a
// trailing slash survives cleaning so callers can tell "copy into" from
// "copy as".
func checkPath(p string) (string, error) {
	if len(p) == 0 {
		return "", errors.New("paths must not be empty")
	}

	if p[0] != '/' {
		return "", errors.New("paths must start with a leading slash")
	}

	cleaned := gopath.Clean(p)
	if p[len(p)-1] == '/' && p != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

// getParentDir returns the directory at the given path.
func getParentDir(root *mfs.Root, dir string) (*mfs.Directory, error) {
	parent, err := mfs.Lookup(root, dir)
	if err != nil {
		return nil, err
	}

	pdir, ok := parent.(*mfs.Directory)
	if !ok {
		return nil, errors.New("expected *mfs.Directory, didn't get it. This is likely a race condition")
	}
	return pdir, nil
}

// ensureContainingDirectoryExists makes sure every directory on the way
// to path exists, creating the missing ones with the given builder.
func ensureContainingDirectoryExists(r *mfs.Root, path string, builder cid.Builder) error {
	dirtomake := gopath.Dir(path)

	if dirtomake == "/" {
		return nil
	}

	return mfs.Mkdir(r, dirtomake, mfs.MkdirOpts{
		Mkparents:  true,
		CidBuilder: builder,
	})
}

// getNodeFromPath fetches the dag node for either kind of path this
// package accepts: "/ipfs/<cid>[/...]" resolves through the DAG service
// starting at the embedded CID, anything else is looked up in the MFS
// tree.
func (fs *FS) getNodeFromPath(ctx context.Context, p string) (ipld.Node, error) {
	if strings.HasPrefix(p, "/ipfs/") {
		return fs.resolveImmutable(ctx, p)
	}

	fsn, err := mfs.Lookup(fs.root, p)
	if err != nil {
		return nil, err
	}

	return fsn.GetNode()
}

// resolveImmutable walks an /ipfs/ path segment by segment through
// unixfs directories.
func (fs *FS) resolveImmutable(ctx context.Context, p string) (ipld.Node, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] != "ipfs" {
		return nil, fmt.Errorf("invalid ipfs path: %q", p)
	}

	c, err := cid.Decode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid cid in path %q: %w", p, err)
	}

	nd, err := fs.dserv.Get(ctx, c)
	if err != nil {
		return nil, err
	}

	for _, name := range parts[2:] {
		if name == "" {
			continue
		}
		nd, err = uio.ResolveUnixfsOnce(ctx, fs.dserv, nd, name)
		if err != nil {
			return nil, fmt.Errorf("resolving %q in %q: %w", name, p, err)
		}
	}

	return nd, nil
}
