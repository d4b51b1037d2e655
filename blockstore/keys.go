package blockstore

import (
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	base32 "github.com/multiformats/go-base32"
	mh "github.com/multiformats/go-multihash"
)

// Block keys are the base32 (raw, no padding) encoding of the block's
// multihash. Only the multihash goes into the key so that v0 and v1 CIDs
// of the same bytes land on the same entry.

func newKeyFromBinary(rawKey []byte) ds.Key {
	buf := make([]byte, 1+base32.RawStdEncoding.EncodedLen(len(rawKey)))
	buf[0] = '/'
	base32.RawStdEncoding.Encode(buf[1:], rawKey)
	return ds.RawKey(string(buf))
}

func binaryFromDsKey(k ds.Key) ([]byte, error) {
	return base32.RawStdEncoding.DecodeString(k.String()[1:])
}

func multihashToDsKey(k mh.Multihash) ds.Key {
	return newKeyFromBinary(k)
}

func dsKeyToMultihash(dsKey ds.Key) (mh.Multihash, error) {
	kb, err := binaryFromDsKey(dsKey)
	if err != nil {
		return nil, err
	}
	return mh.Cast(kb)
}

func cidToDsKey(k cid.Cid) ds.Key {
	return multihashToDsKey(k.Hash())
}

func dsKeyToCid(dsKey ds.Key) (cid.Cid, error) {
	hash, err := dsKeyToMultihash(dsKey)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}
