package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/merklefs/merklefs/mfs"
)

// ReadOptions control a single Read call.
type ReadOptions struct {
	// Offset is the byte offset at which reading starts.
	Offset int64

	// Count limits how many bytes are read, < 0 is an error and 0
	// means the rest of the file.
	Count int64

	// CountSet distinguishes an explicit zero Count from an absent one.
	CountSet bool
}

// Read streams the contents of the file at pth into w.
func (fs *FS) Read(ctx context.Context, pth string, w io.Writer, opts ReadOptions) (err error) {
	path, err := checkPath(pth)
	if err != nil {
		return err
	}

	fsn, err := mfs.Lookup(fs.root, path)
	if err != nil {
		return err
	}

	fi, ok := fsn.(*mfs.File)
	if !ok {
		return fmt.Errorf("%s was not a file", path)
	}

	rfd, err := fi.Open(mfs.Flags{Read: true})
	if err != nil {
		return err
	}

	defer func() {
		if cerr := rfd.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if opts.Offset < 0 {
		return errors.New("cannot specify negative offset")
	}
	if opts.Count < 0 {
		return errors.New("cannot specify negative count")
	}

	filen, err := rfd.Size()
	if err != nil {
		return err
	}

	if opts.Offset > filen {
		return fmt.Errorf("offset was past end of file (%d > %d)", opts.Offset, filen)
	}

	if _, err := rfd.Seek(opts.Offset, io.SeekStart); err != nil {
		return err
	}

	var r io.Reader = &contextReader{ctx: ctx, r: rfd}
	if opts.CountSet || opts.Count > 0 {
		r = io.LimitReader(r, opts.Count)
	}

	_, err = io.Copy(w, r)
	return err
}

// contextReader threads a context through the descriptor's CtxReadFull.
type contextReader struct {
	ctx context.Context
	r   mfs.FileDescriptor
}

func (cr *contextReader) Read(b []byte) (int, error) {
	return cr.r.CtxReadFull(cr.ctx, b)
}
