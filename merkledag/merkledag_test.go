package merkledag_test

import (
	"bytes"
	"context"
	"testing"

	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"

	bserv "github.com/merklefs/merklefs/blockservice"
	bstore "github.com/merklefs/merklefs/blockstore"
	offline "github.com/merklefs/merklefs/exchange/offline"
	. "github.com/merklefs/merklefs/merkledag"
)

func getDagserv(t testing.TB) ipld.DAGService {
	t.Helper()
	db := dssync.MutexWrap(ds.NewMapDatastore())
	bs := bstore.NewBlockstore(db)
	return NewDAGService(bserv.New(bs, offline.Exchange(bs)))
}

func TestNodeRoundtrip(t *testing.T) {
	child := NodeWithData([]byte("child data"))

	nd := NodeWithData([]byte("parent data"))
	if err := nd.AddNodeLink("c", child); err != nil {
		t.Fatal(err)
	}

	enc, err := nd.EncodeProtobuf(false)
	if err != nil {
		t.Fatal(err)
	}

	back, err := DecodeProtoNode(enc)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(back.Data(), nd.Data()) {
		t.Fatal("data did not survive roundtrip")
	}
	if len(back.Links()) != 1 || back.Links()[0].Name != "c" {
		t.Fatal("links did not survive roundtrip")
	}
	if !back.Cid().Equals(nd.Cid()) {
		t.Fatal("cid changed across roundtrip")
	}
}

func TestStableEncoding(t *testing.T) {
	mk := func(order []string) cid.Cid {
		nd := NodeWithData([]byte("stable"))
		for _, name := range order {
			if err := nd.AddNodeLink(name, NodeWithData([]byte(name))); err != nil {
				t.Fatal(err)
			}
		}
		return nd.Cid()
	}

	a := mk([]string{"x", "a", "m"})
	b := mk([]string{"m", "x", "a"})
	if !a.Equals(b) {
		t.Fatal("link insertion order changed the cid")
	}
}

func TestLinkOps(t *testing.T) {
	nd := NodeWithData(nil)
	child := NodeWithData([]byte("x"))

	if err := nd.AddNodeLink("entry", child); err != nil {
		t.Fatal(err)
	}

	lnk, err := nd.GetNodeLink("entry")
	if err != nil {
		t.Fatal(err)
	}
	if !lnk.Cid.Equals(child.Cid()) {
		t.Fatal("link points at wrong cid")
	}

	if _, err := nd.GetNodeLink("missing"); err != ErrLinkNotFound {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}

	if err := nd.RemoveNodeLink("entry"); err != nil {
		t.Fatal(err)
	}
	if err := nd.RemoveNodeLink("entry"); err != ErrLinkNotFound {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
}

func TestDagServiceAddGet(t *testing.T) {
	ctx := context.Background()
	dserv := getDagserv(t)

	nd := NodeWithData([]byte("stored"))
	if err := dserv.Add(ctx, nd); err != nil {
		t.Fatal(err)
	}

	got, err := dserv.Get(ctx, nd.Cid())
	if err != nil {
		t.Fatal(err)
	}
	pb, ok := got.(*ProtoNode)
	if !ok {
		t.Fatal("expected a ProtoNode back")
	}
	if !bytes.Equal(pb.Data(), nd.Data()) {
		t.Fatal("data mismatch after store roundtrip")
	}

	missing := NodeWithData([]byte("never stored"))
	if _, err := dserv.Get(ctx, missing.Cid()); !ipld.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDagServiceRawNodes(t *testing.T) {
	ctx := context.Background()
	dserv := getDagserv(t)

	raw := NewRawNode([]byte("raw bytes"))
	if err := dserv.Add(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if raw.Cid().Type() != cid.Raw {
		t.Fatal("raw node does not use the raw codec")
	}

	got, err := dserv.Get(ctx, raw.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(*RawNode); !ok {
		t.Fatalf("expected a RawNode back, got %T", got)
	}
	if !bytes.Equal(got.RawData(), raw.RawData()) {
		t.Fatal("raw data mismatch")
	}
}

func TestCidVersions(t *testing.T) {
	nd := NodeWithData([]byte("versioned"))
	if nd.Cid().Version() != 0 {
		t.Fatal("default cid version should be 0")
	}

	nd2 := NodeWithData([]byte("versioned"))
	if err := nd2.SetCidBuilder(V1CidPrefix()); err != nil {
		t.Fatal(err)
	}
	if nd2.Cid().Version() != 1 {
		t.Fatal("expected cid version 1")
	}

	if _, err := PrefixForCidVersion(7); err == nil {
		t.Fatal("expected error for unknown cid version")
	}
}

func TestGetMany(t *testing.T) {
	ctx := context.Background()
	dserv := getDagserv(t)

	var cids []cid.Cid
	for _, s := range []string{"one", "two", "three"} {
		nd := NodeWithData([]byte(s))
		if err := dserv.Add(ctx, nd); err != nil {
			t.Fatal(err)
		}
		cids = append(cids, nd.Cid())
	}

	seen := 0
	for opt := range dserv.GetMany(ctx, cids) {
		if opt.Err != nil {
			t.Fatal(opt.Err)
		}
		seen++
	}
	if seen != len(cids) {
		t.Fatalf("got %d nodes, want %d", seen, len(cids))
	}
}
