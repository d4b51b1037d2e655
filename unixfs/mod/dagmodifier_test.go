package mod

import (
	"bytes"
	"context"
	"io"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-test/random"

	bserv "github.com/merklefs/merklefs/blockservice"
	bstore "github.com/merklefs/merklefs/blockstore"
	chunker "github.com/merklefs/merklefs/chunker"
	offline "github.com/merklefs/merklefs/exchange/offline"
	mdag "github.com/merklefs/merklefs/merkledag"
	ft "github.com/merklefs/merklefs/unixfs"
	importer "github.com/merklefs/merklefs/unixfs/importer"
	uio "github.com/merklefs/merklefs/unixfs/io"
)

func getDagserv(t testing.TB) ipld.DAGService {
	t.Helper()
	db := dssync.MutexWrap(ds.NewMapDatastore())
	bs := bstore.NewBlockstore(db)
	return mdag.NewDAGService(bserv.New(bs, offline.Exchange(bs)))
}

func getNode(t *testing.T, dserv ipld.DAGService, size int64) ([]byte, ipld.Node) {
	t.Helper()

	data := make([]byte, size)
	if _, err := io.ReadFull(random.NewRand(), data); err != nil {
		t.Fatal(err)
	}

	nd, err := importer.BuildDagFromReader(dserv, chunker.NewSizeSplitter(bytes.NewReader(data), 512))
	if err != nil {
		t.Fatal(err)
	}
	return data, nd
}

func getModifier(t *testing.T, dserv ipld.DAGService, size int64) ([]byte, *DagModifier) {
	t.Helper()

	data, nd := getNode(t, dserv, size)
	dmod, err := NewDagModifier(context.Background(), nd, dserv, chunker.SizeSplitterGen(512))
	if err != nil {
		t.Fatal(err)
	}
	return data, dmod
}

func readAll(t *testing.T, dserv ipld.DAGService, nd ipld.Node) []byte {
	t.Helper()

	r, err := uio.NewDagReader(context.Background(), nd, dserv)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDagModifierBasic(t *testing.T) {
	dserv := getDagserv(t)
	data, dmod := getModifier(t, dserv, 1024*8)

	patch := make([]byte, 600)
	if _, err := io.ReadFull(random.NewRand(), patch); err != nil {
		t.Fatal(err)
	}

	// overwrite across a chunk boundary
	n, err := dmod.WriteAt(patch, 300)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(patch) {
		t.Fatalf("wrote %d bytes, expected %d", n, len(patch))
	}

	nd, err := dmod.GetNode()
	if err != nil {
		t.Fatal(err)
	}

	copy(data[300:], patch)
	if !bytes.Equal(readAll(t, dserv, nd), data) {
		t.Fatal("modified file content mismatch")
	}

	size, err := dmod.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) {
		t.Fatalf("size %d, expected %d", size, len(data))
	}
}

func TestDagModifierWriteExtends(t *testing.T) {
	dserv := getDagserv(t)
	data, dmod := getModifier(t, dserv, 1000)

	extra := make([]byte, 3000)
	if _, err := io.ReadFull(random.NewRand(), extra); err != nil {
		t.Fatal(err)
	}

	// writing past the old end grows the file
	if _, err := dmod.WriteAt(extra, int64(len(data))); err != nil {
		t.Fatal(err)
	}

	nd, err := dmod.GetNode()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(readAll(t, dserv, nd), append(data, extra...)) {
		t.Fatal("extended file content mismatch")
	}
}

func TestDagModifierSparseWrite(t *testing.T) {
	dserv := getDagserv(t)
	data, dmod := getModifier(t, dserv, 1000)

	tail := []byte("tail")
	const hole = 9000

	if _, err := dmod.WriteAt(tail, int64(len(data))+hole); err != nil {
		t.Fatal(err)
	}

	nd, err := dmod.GetNode()
	if err != nil {
		t.Fatal(err)
	}

	expected := append(data, make([]byte, hole)...)
	expected = append(expected, tail...)
	if !bytes.Equal(readAll(t, dserv, nd), expected) {
		t.Fatal("sparse file content mismatch")
	}
}

func TestDagModifierReadAndSeek(t *testing.T) {
	dserv := getDagserv(t)
	data, dmod := getModifier(t, dserv, 4096)

	if _, err := dmod.Seek(1000, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 500)
	if _, err := dmod.CtxReadFull(context.Background(), buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data[1000:1500]) {
		t.Fatal("read mismatch after seek")
	}

	// seek relative to the end and read the remainder
	off, err := dmod.Seek(-100, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if off != int64(len(data))-100 {
		t.Fatalf("seeked to %d, expected %d", off, len(data)-100)
	}
	out, err := io.ReadAll(dmod)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data[len(data)-100:]) {
		t.Fatal("read mismatch after SeekEnd")
	}
}

func TestDagModifierTruncate(t *testing.T) {
	dserv := getDagserv(t)
	data, dmod := getModifier(t, dserv, 5000)

	if err := dmod.Truncate(1234); err != nil {
		t.Fatal(err)
	}

	size, err := dmod.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 1234 {
		t.Fatalf("size %d after truncate, expected 1234", size)
	}

	nd, err := dmod.GetNode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readAll(t, dserv, nd), data[:1234]) {
		t.Fatal("truncated file content mismatch")
	}
}

func TestDagModifierTruncateExpands(t *testing.T) {
	dserv := getDagserv(t)
	data, dmod := getModifier(t, dserv, 1000)

	if err := dmod.Truncate(4000); err != nil {
		t.Fatal(err)
	}

	nd, err := dmod.GetNode()
	if err != nil {
		t.Fatal(err)
	}

	expected := append(data, make([]byte, 3000)...)
	if !bytes.Equal(readAll(t, dserv, nd), expected) {
		t.Fatal("expanded file content mismatch")
	}
}

func TestDagModifierHasChanges(t *testing.T) {
	dserv := getDagserv(t)
	_, dmod := getModifier(t, dserv, 100)

	if dmod.HasChanges() {
		t.Fatal("fresh modifier reports changes")
	}
	if _, err := dmod.WriteAt([]byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if !dmod.HasChanges() {
		t.Fatal("modifier with buffered write reports no changes")
	}
	if err := dmod.Sync(); err != nil {
		t.Fatal(err)
	}
	if dmod.HasChanges() {
		t.Fatal("modifier reports changes after sync")
	}
}

func TestDagModifierFullWrite(t *testing.T) {
	dserv := getDagserv(t)

	nd := mdag.NodeWithData(ft.FilePBData(nil, 0))
	dmod, err := NewDagModifier(context.Background(), nd, dserv, chunker.SizeSplitterGen(512))
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 5000)
	if _, err := io.ReadFull(random.NewRand(), data); err != nil {
		t.Fatal(err)
	}

	if _, err := dmod.Write(data); err != nil {
		t.Fatal(err)
	}

	out, err := dmod.GetNode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readAll(t, dserv, out), data) {
		t.Fatal("written file content mismatch")
	}
}

func TestDagModifierRejectsNonUnixfs(t *testing.T) {
	type fakeNode struct{ ipld.Node }
	_, err := NewDagModifier(context.Background(), fakeNode{}, getDagserv(t), chunker.SizeSplitterGen(512))
	if err != ErrNotUnixfs {
		t.Fatalf("expected ErrNotUnixfs, got %v", err)
	}
}
