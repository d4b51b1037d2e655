package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	metrics "github.com/ipfs/go-metrics-interface"
)

// DefaultCacheSize is the number of block metadata entries kept by
// CachedBlockstore when no explicit size is given.
const DefaultCacheSize = 64 << 10

type cacheHave bool
type cacheSize int

// cachedBlockstore wraps a Blockstore with a two-queue cache that does not
// store the actual blocks, just metadata about them: existence and size.
// This short-cuts many Has/GetSize searches without touching the underlying
// datastore.
type cachedBlockstore struct {
	cache      *lru.TwoQueueCache
	blockstore Blockstore

	hits  metrics.Counter
	total metrics.Counter
}

var _ Blockstore = (*cachedBlockstore)(nil)

// CachedBlockstore returns a Blockstore keeping an in-memory metadata cache
// of size entries in front of bs.
func CachedBlockstore(ctx context.Context, bs Blockstore, size int) (Blockstore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	c := &cachedBlockstore{cache: cache, blockstore: bs}
	c.hits = metrics.NewCtx(ctx, "cache.hits_total", "Number of blockstore cache hits").Counter()
	c.total = metrics.NewCtx(ctx, "cache_total", "Total number of blockstore cache requests").Counter()
	return c, nil
}

func (b *cachedBlockstore) DeleteBlock(ctx context.Context, k cid.Cid) error {
	if has, _, ok := b.queryCache(k); ok && !has {
		return nil
	}

	b.cache.Remove(k) // Invalidate cache before deleting.
	err := b.blockstore.DeleteBlock(ctx, k)
	if err == nil {
		b.cacheHave(k, false)
	}
	return err
}

func (b *cachedBlockstore) Has(ctx context.Context, k cid.Cid) (bool, error) {
	if has, _, ok := b.queryCache(k); ok {
		return has, nil
	}
	has, err := b.blockstore.Has(ctx, k)
	if err != nil {
		return false, err
	}
	b.cacheHave(k, has)
	return has, nil
}

func (b *cachedBlockstore) GetSize(ctx context.Context, k cid.Cid) (int, error) {
	if has, blockSize, ok := b.queryCache(k); ok {
		if !has {
			return -1, ipld.ErrNotFound{Cid: k}
		}
		if blockSize >= 0 {
			return blockSize, nil
		}
		// we have it but don't know the size, ask the datastore.
	}
	blockSize, err := b.blockstore.GetSize(ctx, k)
	if ipld.IsNotFound(err) {
		b.cacheHave(k, false)
	} else if err == nil {
		b.cacheSize(k, blockSize)
	}
	return blockSize, err
}

func (b *cachedBlockstore) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	if !k.Defined() {
		return nil, ipld.ErrNotFound{Cid: k}
	}

	if has, _, ok := b.queryCache(k); ok && !has {
		return nil, ipld.ErrNotFound{Cid: k}
	}

	blk, err := b.blockstore.Get(ctx, k)
	if blk == nil && ipld.IsNotFound(err) {
		b.cacheHave(k, false)
	} else if blk != nil {
		b.cacheSize(k, len(blk.RawData()))
	}
	return blk, err
}

func (b *cachedBlockstore) Put(ctx context.Context, bl blocks.Block) error {
	if has, _, ok := b.queryCache(bl.Cid()); ok && has {
		return nil
	}

	err := b.blockstore.Put(ctx, bl)
	if err == nil {
		b.cacheSize(bl.Cid(), len(bl.RawData()))
	}
	return err
}

func (b *cachedBlockstore) PutMany(ctx context.Context, bs []blocks.Block) error {
	var good []blocks.Block
	for _, bl := range bs {
		// call put on block if result is inconclusive or we are sure that
		// the block isn't in storage
		if has, _, ok := b.queryCache(bl.Cid()); !ok || (ok && !has) {
			good = append(good, bl)
		}
	}

	err := b.blockstore.PutMany(ctx, good)
	if err != nil {
		return err
	}
	for _, bl := range good {
		b.cacheSize(bl.Cid(), len(bl.RawData()))
	}
	return nil
}

func (b *cachedBlockstore) HashOnRead(enabled bool) {
	b.blockstore.HashOnRead(enabled)
}

func (b *cachedBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return b.blockstore.AllKeysChan(ctx)
}

func (b *cachedBlockstore) cacheHave(c cid.Cid, have bool) {
	b.cache.Add(string(c.Hash()), cacheHave(have))
}

func (b *cachedBlockstore) cacheSize(c cid.Cid, blockSize int) {
	b.cache.Add(string(c.Hash()), cacheSize(blockSize))
}

// queryCache checks if the CID is in the cache. If so, it returns:
//
//   - exists (bool): whether the CID is known to exist or not.
//   - size (int): the size if cached, or -1 if not cached.
//   - ok (bool): whether present in the cache.
//
// When ok is false, the answer in inconclusive and the caller must ignore the
// other two return values. Querying the underlying store is necessary.
func (b *cachedBlockstore) queryCache(k cid.Cid) (exists bool, size int, ok bool) {
	b.total.Inc()
	if !k.Defined() {
		log.Error("undefined cid in cached blockstore")
		// Return cache invalid so the call to blockstore happens
		// in case of invalid key and correct error is created.
		return false, -1, false
	}

	h, ok := b.cache.Get(string(k.Hash()))
	if ok {
		b.hits.Inc()
		switch h := h.(type) {
		case cacheHave:
			return bool(h), -1, true
		case cacheSize:
			return true, int(h), true
		}
	}
	return false, -1, false
}
