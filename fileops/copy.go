package fileops

import (
	"context"
	"fmt"
	"os"
	gopath "path"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	dag "github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/mfs"
	ft "github.com/merklefs/merklefs/unixfs"
)

// CopyOptions control a Copy call.
type CopyOptions struct {
	// Parents creates missing intermediate directories for dst.
	Parents bool

	// Force overwrites an existing entry at dst.
	Force bool

	// Flush propagates the new entry to the root immediately.
	Flush bool
}

// MoveOptions control a Move call.
type MoveOptions struct {
	// Flush propagates the change to the root immediately.
	Flush bool
}

// Copy links the node at src under dst. The copy is lazy: only the link
// is created, no file content is duplicated, both paths share the same
// DAG. Sources may also be immutable "/ipfs/<cid>" paths.
func (fs *FS) Copy(ctx context.Context, src, dst string, opts CopyOptions) error {
	src, err := checkPath(src)
	if err != nil {
		return err
	}
	dst, err = checkPath(dst)
	if err != nil {
		return err
	}

	if src[len(src)-1] == '/' {
		src = src[:len(src)-1]
	}

	if dst[len(dst)-1] == '/' {
		dst += gopath.Base(src)
	}

	node, err := fs.getNodeFromPath(ctx, src)
	if err != nil {
		return fmt.Errorf("cp: cannot get node from path %s: %w", src, err)
	}

	if err := validateCopySource(node); err != nil {
		return err
	}

	if opts.Parents {
		err := mfs.Mkdir(fs.root, gopath.Dir(dst), mfs.MkdirOpts{
			Mkparents:  true,
			CidBuilder: fs.CidBuilder(),
		})
		if err != nil {
			return err
		}
	}

	if opts.Force {
		if err := fs.unlinkIfExists(dst); err != nil {
			return fmt.Errorf("cp: cannot unlink existing file: %w", err)
		}
	}

	err = mfs.PutNode(fs.root, dst, node)
	if err != nil {
		return fmt.Errorf("cp: cannot put node in path %s: %w", dst, err)
	}

	if opts.Flush {
		if _, err := mfs.FlushPath(ctx, fs.root, gopath.Dir(dst)); err != nil {
			return fmt.Errorf("cp: cannot flush the created file %s: %w", dst, err)
		}
	}

	return nil
}

func (fs *FS) unlinkIfExists(pth string) error {
	dir, name := gopath.Split(pth)
	pdir, err := getParentDir(fs.root, dir)
	if err != nil {
		return err
	}
	err = pdir.Unlink(name)
	if err != nil && err != os.ErrNotExist {
		return err
	}
	return nil
}

// validateCopySource accepts raw blocks and well-formed unixfs dag-pb
// nodes, nothing else.
func validateCopySource(node ipld.Node) error {
	switch node.Cid().Type() {
	case cid.Raw:
		if _, ok := node.(*dag.RawNode); !ok {
			return ErrInvalidContent
		}
	case cid.DagProtobuf:
		pbnd, ok := node.(*dag.ProtoNode)
		if !ok {
			return ErrInvalidContent
		}
		if _, err := ft.FSNodeFromBytes(pbnd.Data()); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidContent, err)
		}
	default:
		return ErrInvalidContent
	}
	return nil
}

// Move renames src to dst. Moving a directory into itself or one of its
// descendants, or moving the root, is rejected.
func (fs *FS) Move(ctx context.Context, src, dst string, opts MoveOptions) error {
	src, err := checkPath(src)
	if err != nil {
		return err
	}
	dst, err = checkPath(dst)
	if err != nil {
		return err
	}

	err = mfs.Mv(fs.root, src, dst)
	if err != nil {
		return err
	}

	if opts.Flush {
		if _, err := mfs.FlushPath(ctx, fs.root, "/"); err != nil {
			return err
		}
	}
	return nil
}
