// Package verifcid decides which CIDs are acceptable for storage: hash
// functions must be on an allowlist and digests must fall within sane
// length bounds.
package verifcid

import (
	"errors"
	"fmt"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

const (
	// MinDigestSize is the minimum size for hash digests (except for
	// identity hashes).
	MinDigestSize = 20
	// MaxDigestSize is the maximum size for cryptographic hash digests.
	MaxDigestSize = 128
	// MaxIdentityDigestSize is the maximum size for identity CID
	// digests, which embed the data directly.
	MaxIdentityDigestSize = 128
)

// Common errors
var (
	ErrPossiblyInsecureHashFunction = errors.New("potentially insecure hash functions not allowed")
	ErrDigestTooSmall               = fmt.Errorf("digest too small: must be at least %d bytes", MinDigestSize)
	ErrDigestTooLarge               = fmt.Errorf("digest too large: must be at most %d bytes", MaxDigestSize)
	ErrIdentityDigestTooLarge       = fmt.Errorf("identity digest too large: must be at most %d bytes", MaxIdentityDigestSize)
)

// Allowlist answers whether a multihash function may be used.
type Allowlist interface {
	IsAllowed(code uint64) bool
}

// md4Code is the multihash code for md4; go-multihash carries no named
// constant for it.
const md4Code = 0xd4

// DefaultAllowlist is the default secure set of hash functions.
var DefaultAllowlist defaultAllowlist

type defaultAllowlist struct{}

func (defaultAllowlist) IsAllowed(code uint64) bool {
	switch code {
	case mh.SHA2_256, mh.SHA2_512,
		mh.SHA3_224, mh.SHA3_256, mh.SHA3_384, mh.SHA3_512,
		mh.SHAKE_256,
		mh.DBL_SHA2_256,
		mh.KECCAK_224, mh.KECCAK_256, mh.KECCAK_384, mh.KECCAK_512,
		mh.SHA1, // not collision resistant, but widely used
		mh.IDENTITY:
		return true
	case mh.MD5, md4Code:
		return false
	default:
		return code >= mh.BLAKE2B_MIN+19 && code <= mh.BLAKE2B_MAX ||
			code >= mh.BLAKE2S_MIN+19 && code <= mh.BLAKE2S_MAX ||
			code == mh.BLAKE3
	}
}

// ValidateCid checks the multihash behind the given CID against the
// allowlist and the digest length bounds.
func ValidateCid(allowlist Allowlist, c cid.Cid) error {
	pref := c.Prefix()
	if !allowlist.IsAllowed(pref.MhType) {
		return ErrPossiblyInsecureHashFunction
	}

	if pref.MhType == mh.IDENTITY {
		if pref.MhLength > MaxIdentityDigestSize {
			return ErrIdentityDigestTooLarge
		}
		return nil
	}

	if pref.MhLength < MinDigestSize {
		return ErrDigestTooSmall
	}
	if pref.MhLength > MaxDigestSize {
		return ErrDigestTooLarge
	}

	return nil
}
