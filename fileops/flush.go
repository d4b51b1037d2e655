package fileops

import (
	"context"
	"fmt"
	"os"
	gopath "path"
	"strings"
	"time"

	cid "github.com/ipfs/go-cid"

	"github.com/merklefs/merklefs/mfs"
)

// Flush re-hashes everything from the node at pth up to the root, waits
// for the republisher, and returns the flushed node's CID. An empty path
// flushes the whole tree.
func (fs *FS) Flush(ctx context.Context, pth string) (cid.Cid, error) {
	if pth == "" {
		pth = "/"
	}
	path, err := checkPath(pth)
	if err != nil {
		return cid.Undef, err
	}

	nd, err := mfs.FlushPath(ctx, fs.root, path)
	if err != nil {
		return cid.Undef, err
	}

	// The flushed entry is clean and re-materializable from its link,
	// so drop it from the parent's cache to free memory.
	if path != "/" {
		dir, name := gopath.Split(strings.TrimRight(path, "/"))
		if pdir, err := getParentDir(fs.root, dir); err == nil {
			pdir.Uncache(name)
		}
	}

	return nd.Cid(), nil
}

// SetMode sets the permission bits stored on the node at pth.
func (fs *FS) SetMode(ctx context.Context, pth string, mode os.FileMode) error {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}
	return mfs.Chmod(fs.root, path, mode)
}

// Touch sets the last modified timestamp stored on the node at pth.
func (fs *FS) Touch(ctx context.Context, pth string, ts time.Time) error {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}
	return mfs.Touch(fs.root, path, ts)
}

// ChangeCid updates the CID configuration of the directory at pth, so
// entries modified under it from now on re-hash with the new settings.
func (fs *FS) ChangeCid(ctx context.Context, pth string, cidVersion int, hashFun string) error {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}

	builder, err := getPrefix(cidVersion, hashFun)
	if err != nil {
		return err
	}

	nd, err := mfs.Lookup(fs.root, path)
	if err != nil {
		return err
	}

	d, ok := nd.(*mfs.Directory)
	if !ok {
		return fmt.Errorf("can only change the cid configuration of directories")
	}
	d.SetCidBuilder(builder)

	return d.Flush()
}
