package fileops

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-test/random"

	bserv "github.com/merklefs/merklefs/blockservice"
	bstore "github.com/merklefs/merklefs/blockstore"
	chunker "github.com/merklefs/merklefs/chunker"
	offline "github.com/merklefs/merklefs/exchange/offline"
	dag "github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/mfs"
	importer "github.com/merklefs/merklefs/unixfs/importer"
)

// countingBlockstore counts Get calls so tests can tell how many blocks
// an operation actually touched.
type countingBlockstore struct {
	bstore.Blockstore
	gets atomic.Int64
}

func (cb *countingBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	cb.gets.Add(1)
	return cb.Blockstore.Get(ctx, c)
}

func setupFS(t testing.TB) (*FS, *countingBlockstore, ipld.DAGService) {
	t.Helper()

	db := dssync.MutexWrap(ds.NewMapDatastore())
	cb := &countingBlockstore{Blockstore: bstore.NewBlockstore(db)}
	dserv := dag.NewDAGService(bserv.New(cb, offline.Exchange(cb)))

	root, err := mfs.NewEmptyRoot(context.Background(), dserv, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { root.Close() })

	return New(root, dserv, cb), cb, dserv
}

func writeFile(t *testing.T, fs *FS, pth string, data []byte) {
	t.Helper()
	err := fs.Write(context.Background(), pth, bytes.NewReader(data), WriteOptions{
		Create:   true,
		Parents:  true,
		Truncate: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, fs *FS, pth string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := fs.Read(context.Background(), pth, &buf, ReadOptions{}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestWriteAndRead(t *testing.T) {
	fs, _, _ := setupFS(t)

	data := []byte("some file content")
	writeFile(t, fs, "/dir/sub/file.txt", data)

	if got := readFile(t, fs, "/dir/sub/file.txt"); !bytes.Equal(got, data) {
		t.Fatalf("read %q, want %q", got, data)
	}
}

func TestWriteRequiresCreate(t *testing.T) {
	fs, _, _ := setupFS(t)

	err := fs.Write(context.Background(), "/nope", strings.NewReader("x"), WriteOptions{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestWriteOffsetAndCount(t *testing.T) {
	fs, _, _ := setupFS(t)

	writeFile(t, fs, "/f", []byte("aaaaaaaaaa"))

	err := fs.Write(context.Background(), "/f", strings.NewReader("bbbbbb"), WriteOptions{
		Offset: 4,
		Count:  3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, fs, "/f"); string(got) != "aaaabbbaaa" {
		t.Fatalf("got %q, want %q", got, "aaaabbbaaa")
	}
}

func TestWriteTruncate(t *testing.T) {
	fs, _, _ := setupFS(t)

	writeFile(t, fs, "/f", []byte("a long initial content"))
	err := fs.Write(context.Background(), "/f", strings.NewReader("short"), WriteOptions{Truncate: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/f"); string(got) != "short" {
		t.Fatalf("got %q, want %q", got, "short")
	}
}

func TestWriteInvalidPaths(t *testing.T) {
	fs, _, _ := setupFS(t)

	for _, pth := range []string{"", "relative/path"} {
		err := fs.Write(context.Background(), pth, strings.NewReader("x"), WriteOptions{Create: true})
		if err == nil {
			t.Fatalf("expected error for path %q", pth)
		}
	}
}

func TestReadOffsetPastEnd(t *testing.T) {
	fs, _, _ := setupFS(t)

	writeFile(t, fs, "/f", []byte("0123456789"))

	var buf bytes.Buffer
	err := fs.Read(context.Background(), "/f", &buf, ReadOptions{Offset: 100})
	if err == nil || !strings.Contains(err.Error(), "offset was past end of file") {
		t.Fatalf("expected past-end error, got %v", err)
	}

	// partial read with offset and count
	buf.Reset()
	err = fs.Read(context.Background(), "/f", &buf, ReadOptions{Offset: 2, Count: 4, CountSet: true})
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "2345" {
		t.Fatalf("got %q, want %q", buf.String(), "2345")
	}
}

func TestFlushDropsCachedEntry(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/dir/f", []byte("cached"))

	before, err := mfs.Lookup(fs.Root(), "/dir/f")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Flush(ctx, "/dir/f"); err != nil {
		t.Fatal(err)
	}

	// the flushed entry got dropped from the parent cache and is
	// re-materialized from its link on the next lookup
	after, err := mfs.Lookup(fs.Root(), "/dir/f")
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Fatal("flushed entry still cached in the parent")
	}

	if got := readFile(t, fs, "/dir/f"); string(got) != "cached" {
		t.Fatalf("got %q after re-materialization", got)
	}
}

func TestNegativeCountRejected(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/f", []byte("abcdef"))

	var buf bytes.Buffer
	if err := fs.Read(ctx, "/f", &buf, ReadOptions{Count: -1}); err == nil {
		t.Fatal("expected error for negative read count")
	}
	if buf.Len() != 0 {
		t.Fatalf("read %q despite negative count", buf.String())
	}

	err := fs.Write(ctx, "/f", strings.NewReader("x"), WriteOptions{Count: -1})
	if err == nil {
		t.Fatal("expected error for negative write count")
	}
	if got := readFile(t, fs, "/f"); string(got) != "abcdef" {
		t.Fatalf("file changed to %q despite rejected write", got)
	}
}

func TestMkdirAndList(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	if err := fs.MakeDirectory(ctx, "/a/b/c", MkdirOptions{Parents: true}); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, "/a/file", []byte("xyz"))

	entries, err := fs.List(ctx, "/a", ListOptions{Long: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "b" || entries[1].Name != "file" {
		t.Fatalf("unexpected listing %v", entries)
	}
	if entries[1].Size != 3 {
		t.Fatalf("file size %d, want 3", entries[1].Size)
	}

	// the short form carries names only
	entries, err = fs.List(ctx, "/a", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "b" || entries[0].Hash != "" {
		t.Fatalf("unexpected short listing %v", entries)
	}

	// listing a file yields a single entry
	entries, err = fs.List(ctx, "/a/file", ListOptions{Long: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Size != 3 {
		t.Fatalf("unexpected file listing %v", entries)
	}

	// mkdir without parents fails on missing intermediates
	if err := fs.MakeDirectory(ctx, "/q/r", MkdirOptions{}); err == nil {
		t.Fatal("expected error for missing parents")
	}
}

func TestCopyIsLazy(t *testing.T) {
	fs, cb, _ := setupFS(t)
	ctx := context.Background()

	// a file large enough for several chunks
	data := make([]byte, 1<<20)
	if _, err := io.ReadFull(random.NewRand(), data); err != nil {
		t.Fatal(err)
	}
	err := fs.Write(ctx, "/big", bytes.NewReader(data), WriteOptions{Create: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Flush(ctx, "/"); err != nil {
		t.Fatal(err)
	}

	before := cb.gets.Load()
	if err := fs.Copy(ctx, "/big", "/copy", CopyOptions{}); err != nil {
		t.Fatal(err)
	}
	after := cb.gets.Load()

	// only the root block of the file may be touched, never the leaves
	if delta := after - before; delta > 3 {
		t.Fatalf("copy read %d blocks, expected a lazy link-only copy", delta)
	}

	if !bytes.Equal(readFile(t, fs, "/copy"), data) {
		t.Fatal("copy content mismatch")
	}

	// both paths resolve to the same node
	st1, err := fs.Stat(ctx, "/big", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	st2, err := fs.Stat(ctx, "/copy", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st1.Hash != st2.Hash {
		t.Fatalf("copy hash %s differs from source %s", st2.Hash, st1.Hash)
	}
}

func TestCopyIntoDirectory(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/src", []byte("data"))
	if err := fs.MakeDirectory(ctx, "/target", MkdirOptions{}); err != nil {
		t.Fatal(err)
	}

	// trailing slash on dst keeps the source name
	if err := fs.Copy(ctx, "/src", "/target/", CopyOptions{Flush: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/target/src"); string(got) != "data" {
		t.Fatalf("got %q", got)
	}
}

func TestCopyForceAndParents(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/src", []byte("fresh"))
	writeFile(t, fs, "/dst", []byte("stale"))

	// without force the existing entry wins
	if err := fs.Copy(ctx, "/src", "/dst", CopyOptions{}); err == nil {
		t.Fatal("expected error overwriting without force")
	}
	if err := fs.Copy(ctx, "/src", "/dst", CopyOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/dst"); string(got) != "fresh" {
		t.Fatalf("got %q", got)
	}

	// parents builds the destination directory chain
	if err := fs.Copy(ctx, "/src", "/x/y/dst", CopyOptions{}); err == nil {
		t.Fatal("expected error for missing parents")
	}
	if err := fs.Copy(ctx, "/src", "/x/y/dst", CopyOptions{Parents: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/x/y/dst"); string(got) != "fresh" {
		t.Fatalf("got %q", got)
	}
}

func TestCopyFromImmutablePath(t *testing.T) {
	fs, _, dserv := setupFS(t)
	ctx := context.Background()

	nd, err := importer.BuildDagFromReader(dserv, chunker.DefaultSplitter(strings.NewReader("immutable content")))
	if err != nil {
		t.Fatal(err)
	}

	err = fs.Copy(ctx, "/ipfs/"+nd.Cid().String(), "/imported", CopyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/imported"); string(got) != "immutable content" {
		t.Fatalf("got %q", got)
	}
}

func TestMove(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/a/f", []byte("move me"))

	if err := fs.Move(ctx, "/a/f", "/g", MoveOptions{Flush: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/g"); string(got) != "move me" {
		t.Fatalf("got %q", got)
	}
	if _, err := fs.Stat(ctx, "/a/f", StatOptions{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected source gone, got %v", err)
	}

	// moving a directory into itself is rejected
	if err := fs.MakeDirectory(ctx, "/d/e", MkdirOptions{Parents: true}); err != nil {
		t.Fatal(err)
	}
	if err := fs.Move(ctx, "/d", "/d/e", MoveOptions{}); !errors.Is(err, mfs.ErrMoveIntoSelf) {
		t.Fatalf("expected ErrMoveIntoSelf, got %v", err)
	}
	if err := fs.Move(ctx, "/", "/d", MoveOptions{}); !errors.Is(err, mfs.ErrMoveRoot) {
		t.Fatalf("expected ErrMoveRoot, got %v", err)
	}
}

func TestStat(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	ts := time.UnixMilli(7777000).UTC()
	err := fs.Write(ctx, "/stats", strings.NewReader("0123456789"), WriteOptions{
		Create:  true,
		Mode:    0o640,
		ModTime: ts,
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := fs.Stat(ctx, "/stats", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != "file" {
		t.Fatalf("type %q, want file", st.Type)
	}
	if st.Size != 10 {
		t.Fatalf("size %d, want 10", st.Size)
	}
	if st.Mode != 0o640 {
		t.Fatalf("mode %v, want 0640", st.Mode)
	}
	if !st.ModTime.Equal(ts) {
		t.Fatalf("mtime %v, want %v", st.ModTime, ts)
	}

	dst, err := fs.Stat(ctx, "/", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if dst.Type != "directory" {
		t.Fatalf("root type %q, want directory", dst.Type)
	}
}

func TestStatWithLocal(t *testing.T) {
	fs, cb, _ := setupFS(t)
	ctx := context.Background()

	data := make([]byte, 256*20)
	if _, err := io.ReadFull(random.NewRand(), data); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, "/local", data)
	if _, err := fs.Flush(ctx, "/"); err != nil {
		t.Fatal(err)
	}

	st, err := fs.Stat(ctx, "/local", StatOptions{WithLocal: true})
	if err != nil {
		t.Fatal(err)
	}
	if !st.WithLocality || !st.Local {
		t.Fatal("expected fully local file")
	}
	if st.SizeLocal < uint64(len(data)) {
		t.Fatalf("local size %d smaller than content %d", st.SizeLocal, len(data))
	}

	// drop one leaf block, the file must report as not fully local
	nd, err := mfs.Lookup(fs.Root(), "/local")
	if err != nil {
		t.Fatal(err)
	}
	fnd, err := nd.GetNode()
	if err != nil {
		t.Fatal(err)
	}
	links := fnd.Links()
	if len(links) == 0 {
		t.Fatal("expected a multi-block file")
	}
	if err := cb.DeleteBlock(ctx, links[0].Cid); err != nil {
		t.Fatal(err)
	}

	st, err = fs.Stat(ctx, "/local", StatOptions{WithLocal: true})
	if err != nil {
		t.Fatal(err)
	}
	if st.Local {
		t.Fatal("file with missing leaf reported as local")
	}
}

func TestRemove(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/dir/f1", []byte("1"))
	writeFile(t, fs, "/f2", []byte("2"))

	// directories need Recursive
	err := fs.Remove(ctx, []string{"/dir"}, RemoveOptions{})
	if err == nil {
		t.Fatal("expected error removing directory without Recursive")
	}

	if err := fs.Remove(ctx, []string{"/dir", "/f2"}, RemoveOptions{Recursive: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat(ctx, "/dir", StatOptions{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected /dir gone, got %v", err)
	}

	// the root cannot be removed
	err = fs.Remove(ctx, []string{"/"}, RemoveOptions{Recursive: true})
	if !errors.Is(err, ErrCannotDeleteRoot) {
		t.Fatalf("expected ErrCannotDeleteRoot, got %v", err)
	}

	// missing paths fail, unless forced
	if err := fs.Remove(ctx, []string{"/ghost"}, RemoveOptions{}); err == nil {
		t.Fatal("expected error removing missing path")
	}
	if err := fs.Remove(ctx, []string{"/ghost"}, RemoveOptions{Force: true}); err != nil {
		t.Fatalf("force remove of missing path failed: %v", err)
	}
}

func TestRemoveAggregatesErrors(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/keep", []byte("k"))

	err := fs.Remove(ctx, []string{"/missing1", "/keep", "/missing2"}, RemoveOptions{})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "/missing1") || !strings.Contains(err.Error(), "/missing2") {
		t.Fatalf("error does not mention failed paths: %v", err)
	}

	// the valid path was still removed
	if _, err := fs.Stat(ctx, "/keep", StatOptions{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected /keep removed, got %v", err)
	}
}

func TestFlushReturnsNewRoot(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	c1, err := fs.Flush(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, fs, "/change", []byte("data"))

	c2, err := fs.Flush(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if c1.Equals(c2) {
		t.Fatal("root cid did not change after write")
	}

	// flushing again without changes is stable
	c3, err := fs.Flush(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if !c2.Equals(c3) {
		t.Fatal("root cid changed without modifications")
	}
}

func TestSetModeAndTouch(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/f", []byte("x"))

	if err := fs.SetMode(ctx, "/f", 0o600); err != nil {
		t.Fatal(err)
	}
	ts := time.Unix(1600000000, 0).UTC()
	if err := fs.Touch(ctx, "/f", ts); err != nil {
		t.Fatal(err)
	}

	st, err := fs.Stat(ctx, "/f", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != 0o600 {
		t.Fatalf("mode %v, want 0600", st.Mode)
	}
	if !st.ModTime.Equal(ts) {
		t.Fatalf("mtime %v, want %v", st.ModTime, ts)
	}
}

func TestChangeCid(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	if err := fs.MakeDirectory(ctx, "/v1", MkdirOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := fs.ChangeCid(ctx, "/v1", 1, "sha2-256"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, fs, "/v1/child", []byte("c"))
	if _, err := fs.Flush(ctx, "/"); err != nil {
		t.Fatal(err)
	}

	st, err := fs.Stat(ctx, "/v1", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c, err := cid.Decode(st.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if c.Version() != 1 {
		t.Fatalf("directory cid version %d, want 1", c.Version())
	}
}

func TestSetCidConfig(t *testing.T) {
	fs, _, _ := setupFS(t)
	ctx := context.Background()

	if err := fs.SetCidConfig(1, "sha2-256"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, fs, "/f", []byte("content"))
	if _, err := fs.Flush(ctx, "/"); err != nil {
		t.Fatal(err)
	}

	st, err := fs.Stat(ctx, "/f", StatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c, err := cid.Decode(st.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if c.Version() != 1 {
		t.Fatalf("file cid version %d, want 1", c.Version())
	}
}
