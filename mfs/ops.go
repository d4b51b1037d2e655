package mfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	gopath "path"
	"strings"
	"time"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	dag "github.com/merklefs/merklefs/merkledag"
	ft "github.com/merklefs/merklefs/unixfs"
)

// Move-specific errors
var (
	// ErrMoveIntoSelf is returned when a move would place a directory
	// inside itself or one of its descendants, which would detach the
	// subtree from the reachable graph.
	ErrMoveIntoSelf = errors.New("cannot move directory into itself or its descendant")

	// ErrMoveRoot is returned when the move source is the root itself.
	ErrMoveRoot = errors.New("cannot move root directory")
)

// Mv moves the file or directory at 'src' to 'dst'. If dst names an
// existing directory (or ends in "/") the source keeps its name under it.
// Moving the root, or moving a directory to itself or below itself, is
// rejected before anything is touched.
func Mv(r *Root, src, dst string) error {
	srcClean := gopath.Clean(src)
	dstClean := gopath.Clean(dst)
	if srcClean == "/" || srcClean == "" {
		return ErrMoveRoot
	}
	if dstClean == srcClean || strings.HasPrefix(dstClean+"/", srcClean+"/") {
		return ErrMoveIntoSelf
	}

	srcDirName, srcFname := gopath.Split(src)

	var dstDirName string
	var dstFname string
	if dst[len(dst)-1] == '/' {
		dstDirName = dst
		dstFname = srcFname
	} else {
		dstDirName, dstFname = gopath.Split(dst)
	}

	// get parent directories of both src and dest first
	dstDir, err := lookupDir(r, dstDirName)
	if err != nil {
		return err
	}

	srcDir, err := lookupDir(r, srcDirName)
	if err != nil {
		return err
	}

	srcObj, err := srcDir.Child(srcFname)
	if err != nil {
		return err
	}

	nd, err := srcObj.GetNode()
	if err != nil {
		return err
	}

	fsn, err := dstDir.Child(dstFname)
	if err == nil {
		switch n := fsn.(type) {
		case *File:
			_ = dstDir.Unlink(dstFname)
		case *Directory:
			// Moving into the directory keeps the source name; check
			// again that this doesn't land inside the source.
			if strings.HasPrefix(gopath.Clean(gopath.Join(dstClean, srcFname))+"/", srcClean+"/") {
				return ErrMoveIntoSelf
			}
			dstDir = n
			dstFname = srcFname
		default:
			return fmt.Errorf("unexpected type at path: %s", dst)
		}
	} else if err != os.ErrNotExist {
		return err
	}

	err = dstDir.AddChild(dstFname, nd)
	if err != nil {
		return err
	}

	// Same directory object and same name means the move was a no-op;
	// comparing names alone would mistake distinct parents that happen
	// to share a name and leave the entry linked twice.
	if srcDir == dstDir && srcFname == dstFname {
		return nil
	}

	return srcDir.Unlink(srcFname)
}

func lookupDir(r *Root, path string) (*Directory, error) {
	di, err := Lookup(r, path)
	if err != nil {
		return nil, err
	}

	d, ok := di.(*Directory)
	if !ok {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	return d, nil
}

// PutNode inserts 'nd' at 'path' in the given mfs
func PutNode(r *Root, path string, nd ipld.Node) error {
	dirp, filename := gopath.Split(path)
	if filename == "" {
		return fmt.Errorf("cannot create file with empty name")
	}

	pdir, err := lookupDir(r, dirp)
	if err != nil {
		return err
	}

	return pdir.AddChild(filename, nd)
}

// MkdirOpts is used by Mkdir
type MkdirOpts struct {
	Mkparents  bool
	Flush      bool
	CidBuilder cid.Builder
	Mode       os.FileMode
	ModTime    time.Time
}

// Mkdir creates a directory at 'path' under the directory 'd', creating
// intermediary directories as needed if 'mkparents' is set to true
func Mkdir(r *Root, pth string, opts MkdirOpts) error {
	if pth == "" {
		return errors.New("no path given to Mkdir")
	}
	parts := strings.Split(pth, "/")
	if parts[0] == "" {
		parts = parts[1:]
	}

	// allow 'mkdir /a/b/c/' to create c
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}

	if len(parts) == 0 {
		// this will only happen on 'mkdir /'
		if opts.Mkparents {
			return nil
		}
		return fmt.Errorf("cannot create directory '/': Already exists")
	}

	cur := r.GetDirectory()
	for i, d := range parts[:len(parts)-1] {
		fsn, err := cur.Child(d)
		if err == os.ErrNotExist && opts.Mkparents {
			mkd, err := cur.Mkdir(d)
			if err != nil {
				return err
			}
			if opts.CidBuilder != nil {
				mkd.SetCidBuilder(opts.CidBuilder)
			}
			fsn = mkd
		} else if err != nil {
			return err
		}

		next, ok := fsn.(*Directory)
		if !ok {
			return fmt.Errorf("%s was not a directory", gopath.Join(parts[:i]...))
		}
		cur = next
	}

	final, err := cur.Mkdir(parts[len(parts)-1])
	if err != nil {
		if !opts.Mkparents || err != os.ErrExist || final == nil {
			return err
		}
	}
	if opts.CidBuilder != nil {
		final.SetCidBuilder(opts.CidBuilder)
	}

	if opts.Mode != 0 {
		if err := final.SetMode(opts.Mode); err != nil {
			return err
		}
	}
	if !opts.ModTime.IsZero() {
		if err := final.SetModTime(opts.ModTime); err != nil {
			return err
		}
	}

	if opts.Flush {
		err := final.Flush()
		if err != nil {
			return err
		}
	}

	return nil
}

// Lookup extracts the root directory and performs a lookup under it.
func Lookup(r *Root, path string) (FSNode, error) {
	dir := r.GetDirectory()

	return DirLookup(dir, path)
}

// DirLookup will look up a file or directory at the given path
// under the directory 'd'
func DirLookup(d *Directory, pth string) (FSNode, error) {
	pth = strings.Trim(pth, "/")
	parts := strings.Split(pth, "/")
	if len(parts) == 1 && parts[0] == "" {
		return d, nil
	}

	var cur FSNode
	cur = d
	for i, p := range parts {
		chdir, ok := cur.(*Directory)
		if !ok {
			return nil, fmt.Errorf("cannot access %s: Not a directory", gopath.Join(parts[:i+1]...))
		}

		child, err := chdir.Child(p)
		if err != nil {
			return nil, err
		}

		cur = child
	}
	return cur, nil
}

// TouchNode looks up the path if it exists, or creates the file at the
// path with the given options if it does not.
func TouchNode(r *Root, pth string, opts MkdirOpts) (FSNode, error) {
	fsn, err := Lookup(r, pth)
	if err == nil {
		return fsn, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	dirp, filename := gopath.Split(pth)
	if opts.Mkparents {
		if err := Mkdir(r, dirp, opts); err != nil {
			return nil, err
		}
	}

	pdir, err := lookupDir(r, dirp)
	if err != nil {
		return nil, err
	}

	nd := emptyFileNode(opts.Mode, opts.ModTime)
	if opts.CidBuilder != nil {
		nd.SetCidBuilder(opts.CidBuilder)
	} else {
		nd.SetCidBuilder(pdir.GetCidBuilder())
	}
	if err := pdir.AddChild(filename, nd); err != nil {
		return nil, err
	}
	return pdir.Child(filename)
}

func emptyFileNode(mode os.FileMode, ts time.Time) *dag.ProtoNode {
	if mode == 0 && ts.IsZero() {
		return ft.EmptyFileNode()
	}
	return dag.NodeWithData(ft.FilePBDataWithStat(nil, 0, mode, ts))
}

// Chmod sets the permission bits of the node at the given path.
func Chmod(rt *Root, pth string, mode os.FileMode) error {
	fsn, err := Lookup(rt, pth)
	if err != nil {
		return err
	}
	return fsn.SetMode(mode)
}

// Touch sets the last modified timestamp of the node at the given path.
func Touch(rt *Root, pth string, ts time.Time) error {
	fsn, err := Lookup(rt, pth)
	if err != nil {
		return err
	}
	return fsn.SetModTime(ts)
}

// FlushPath flushes the node at the given path, re-hashing everything
// from it up to the root, waits for the republisher to pick the new root
// up, and returns the flushed node.
func FlushPath(ctx context.Context, rt *Root, pth string) (ipld.Node, error) {
	nd, err := Lookup(rt, pth)
	if err != nil {
		return nil, err
	}

	err = nd.Flush()
	if err != nil {
		return nil, err
	}

	if rt.repub != nil {
		if err := rt.repub.WaitPub(ctx); err != nil {
			return nil, err
		}
	}
	return nd.GetNode()
}
