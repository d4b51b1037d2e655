package blockstore

import (
	"bytes"
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
)

func TestGetWhenKeyNotPresent(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	c := blocks.NewBlock([]byte("not stored")).Cid()
	bl, err := bs.Get(context.Background(), c)

	if bl != nil {
		t.Error("nil block expected")
	}
	if err == nil {
		t.Error("error expected, got nil")
	}
}

func TestGetWhenKeyIsNil(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	_, err := bs.Get(context.Background(), cid.Undef)
	if !ipld.IsNotFound(err) {
		t.Fail()
	}
}

func TestPutThenGetBlock(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	block := blocks.NewBlock([]byte("some data"))

	err := bs.Put(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	blockFromBlockstore, err := bs.Get(context.Background(), block.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block.RawData(), blockFromBlockstore.RawData()) {
		t.Fail()
	}
}

func TestCidv0v1(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	block := blocks.NewBlock([]byte("some data"))

	err := bs.Put(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	// same multihash, different cid version
	blockFromBlockstore, err := bs.Get(context.Background(), cid.NewCidV1(cid.DagProtobuf, block.Cid().Hash()))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block.RawData(), blockFromBlockstore.RawData()) {
		t.Fail()
	}
}

func TestPutThenGetSizeBlock(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	block := blocks.NewBlock([]byte("some data"))
	missingBlock := blocks.NewBlock([]byte("missingBlock"))
	emptyBlock := blocks.NewBlock([]byte{})

	err := bs.Put(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	blockSize, err := bs.GetSize(context.Background(), block.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if len(block.RawData()) != blockSize {
		t.Fail()
	}

	err = bs.Put(context.Background(), emptyBlock)
	if err != nil {
		t.Fatal(err)
	}

	if blockSize, err := bs.GetSize(context.Background(), emptyBlock.Cid()); blockSize != 0 || err != nil {
		t.Fatal(err)
	}

	if blockSize, err := bs.GetSize(context.Background(), missingBlock.Cid()); blockSize != -1 || err == nil {
		t.Fatal("getsize returned invalid result")
	}
}

func TestHashOnRead(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	bl := blocks.NewBlock([]byte("some data"))
	blBad, err := blocks.NewBlockWithCid([]byte("some other data"), bl.Cid())
	if err != nil {
		t.Fatal("debug is off, still got an error")
	}
	bl2 := blocks.NewBlock([]byte("some other data"))
	if err := bs.Put(context.Background(), blBad); err != nil {
		t.Fatal(err)
	}
	if err := bs.Put(context.Background(), bl2); err != nil {
		t.Fatal(err)
	}
	bs.HashOnRead(true)

	if _, err := bs.Get(context.Background(), bl.Cid()); err != ErrHashMismatch {
		t.Fatalf("expected '%v' got '%v'\n", ErrHashMismatch, err)
	}

	if b, err := bs.Get(context.Background(), bl2.Cid()); err != nil || b.String() != bl2.String() {
		t.Fatal("got wrong blocks")
	}
}

func TestDelete(t *testing.T) {
	bs := NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	block := blocks.NewBlock([]byte("to be deleted"))

	if err := bs.Put(context.Background(), block); err != nil {
		t.Fatal(err)
	}
	if err := bs.DeleteBlock(context.Background(), block.Cid()); err != nil {
		t.Fatal(err)
	}
	if has, err := bs.Has(context.Background(), block.Cid()); err != nil || has {
		t.Fatal("block survived deletion")
	}
}

func newBlockStoreWithKeys(t *testing.T, d ds.Datastore, N int) (Blockstore, []cid.Cid) {
	if d == nil {
		d = ds.NewMapDatastore()
	}
	bs := NewBlockstore(dssync.MutexWrap(d))

	keys := make([]cid.Cid, N)
	for i := 0; i < N; i++ {
		block := blocks.NewBlock([]byte(string(rune('A' + i))))
		err := bs.Put(context.Background(), block)
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = block.Cid()
	}
	return bs, keys
}

func collect(ch <-chan cid.Cid) []cid.Cid {
	var keys []cid.Cid
	for k := range ch {
		keys = append(keys, k)
	}
	return keys
}

func TestAllKeysSimple(t *testing.T) {
	bs, keys := newBlockStoreWithKeys(t, nil, 21)

	ctx := context.Background()
	ch, err := bs.AllKeysChan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	keys2 := collect(ch)

	if len(keys) != len(keys2) {
		t.Fatalf("wrong number of keys: %d != %d", len(keys), len(keys2))
	}
	want := cid.NewSet()
	for _, k := range keys {
		want.Add(k)
	}
	for _, k := range keys2 {
		// AllKeysChan returns v1 raw cids, compare by multihash
		if !want.Has(cid.NewCidV1(cid.Raw, k.Hash())) && !want.Has(cid.NewCidV0(k.Hash())) {
			t.Fatalf("unexpected key %s", k)
		}
	}
}

func TestAllKeysRespectsContext(t *testing.T) {
	bs, _ := newBlockStoreWithKeys(t, nil, 100)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bs.AllKeysChan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// consume one key, then cancel
	<-ch
	cancel()

	// the channel must close shortly after cancellation
	for range ch { //nolint:revive
	}
}

func TestDoubleElision(t *testing.T) {
	d := ds.NewMapDatastore()
	bs := NewBlockstore(dssync.MutexWrap(d))

	block := blocks.NewBlock([]byte("dedupe me"))
	if err := bs.Put(context.Background(), block); err != nil {
		t.Fatal(err)
	}
	if err := bs.Put(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	res, err := d.Query(context.Background(), dsq.Query{KeysOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := res.Rest()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single stored entry, got %d", len(entries))
	}
}
