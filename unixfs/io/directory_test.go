package io

import (
	"context"
	"errors"
	"os"
	"sort"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"

	bserv "github.com/merklefs/merklefs/blockservice"
	bstore "github.com/merklefs/merklefs/blockstore"
	offline "github.com/merklefs/merklefs/exchange/offline"
	mdag "github.com/merklefs/merklefs/merkledag"
	ft "github.com/merklefs/merklefs/unixfs"
)

func mkDagserv(t testing.TB) ipld.DAGService {
	t.Helper()
	db := dssync.MutexWrap(ds.NewMapDatastore())
	bs := bstore.NewBlockstore(db)
	return mdag.NewDAGService(bserv.New(bs, offline.Exchange(bs)))
}

func TestEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	dserv := mkDagserv(t)

	d := NewDirectory(dserv)

	links, err := d.Links(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 0 {
		t.Fatal("expected no links in fresh directory")
	}

	nd, err := d.GetNode()
	if err != nil {
		t.Fatal(err)
	}
	fsn, err := ft.ExtractFSNode(nd)
	if err != nil {
		t.Fatal(err)
	}
	if fsn.Type() != ft.TDirectory {
		t.Fatal("expected a directory node")
	}
}

func TestDirectoryAddAndFind(t *testing.T) {
	ctx := context.Background()
	dserv := mkDagserv(t)

	d := NewDirectory(dserv)

	child := ft.EmptyFileNode()
	if err := dserv.Add(ctx, child); err != nil {
		t.Fatal(err)
	}

	if err := d.AddChild(ctx, "name", child); err != nil {
		t.Fatal(err)
	}

	found, err := d.Find(ctx, "name")
	if err != nil {
		t.Fatal(err)
	}
	if !found.Cid().Equals(child.Cid()) {
		t.Fatal("found wrong child")
	}

	_, err = d.Find(ctx, "missing")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestDirectoryLinksSorted(t *testing.T) {
	ctx := context.Background()
	dserv := mkDagserv(t)

	d := NewDirectory(dserv)

	for _, name := range []string{"zebra", "alpha", "mango", "beta"} {
		child := ft.EmptyFileNode()
		if err := dserv.Add(ctx, child); err != nil {
			t.Fatal(err)
		}
		if err := d.AddChild(ctx, name, child); err != nil {
			t.Fatal(err)
		}
	}

	links, err := d.Links(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if !sort.SliceIsSorted(links, func(i, j int) bool {
		return links[i].Name < links[j].Name
	}) {
		t.Fatal("links are not in lexicographic order")
	}
}

func TestDirectoryReplaceChild(t *testing.T) {
	ctx := context.Background()
	dserv := mkDagserv(t)

	d := NewDirectory(dserv)

	old := ft.EmptyFileNode()
	if err := dserv.Add(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := d.AddChild(ctx, "entry", old); err != nil {
		t.Fatal(err)
	}

	repl := mdag.NodeWithData(ft.FilePBData([]byte("new"), 3))
	if err := dserv.Add(ctx, repl); err != nil {
		t.Fatal(err)
	}
	if err := d.AddChild(ctx, "entry", repl); err != nil {
		t.Fatal(err)
	}

	links, err := d.Links(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link after replacement, got %d", len(links))
	}
	if !links[0].Cid.Equals(repl.Cid()) {
		t.Fatal("child was not replaced")
	}
}

func TestDirectoryRemoveChild(t *testing.T) {
	ctx := context.Background()
	dserv := mkDagserv(t)

	d := NewDirectory(dserv)

	child := ft.EmptyFileNode()
	if err := dserv.Add(ctx, child); err != nil {
		t.Fatal(err)
	}
	if err := d.AddChild(ctx, "gone", child); err != nil {
		t.Fatal(err)
	}

	if err := d.RemoveChild(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveChild(ctx, "gone"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestDirectoryDeterministicNode(t *testing.T) {
	ctx := context.Background()
	dserv := mkDagserv(t)

	mkdir := func(names []string) ipld.Node {
		d := NewDirectory(dserv)
		for _, name := range names {
			child := ft.EmptyFileNode()
			if err := dserv.Add(ctx, child); err != nil {
				t.Fatal(err)
			}
			if err := d.AddChild(ctx, name, child); err != nil {
				t.Fatal(err)
			}
		}
		nd, err := d.GetNode()
		if err != nil {
			t.Fatal(err)
		}
		return nd
	}

	// insertion order must not influence the resulting cid
	a := mkdir([]string{"one", "two", "three"})
	b := mkdir([]string{"three", "one", "two"})
	if !a.Cid().Equals(b.Cid()) {
		t.Fatal("directory cid depends on insertion order")
	}
}

func TestNewDirectoryFromNonDir(t *testing.T) {
	dserv := mkDagserv(t)

	_, err := NewDirectoryFromNode(dserv, ft.EmptyFileNode())
	if !errors.Is(err, ErrNotADir) {
		t.Fatalf("expected ErrNotADir, got %v", err)
	}
}
