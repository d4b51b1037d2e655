package chunk

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// DefaultBlockSize is the chunk size that splitters produce (or aim to).
	DefaultBlockSize int64 = 1024 * 256

	// BlockSizeLimit specifies the maximum on-wire size of a data block.
	BlockSizeLimit int = 1048576 // 1 MB

	// BlockPayloadLimit is BlockSizeLimit minus the envelope of a full
	// dag-pb+unixfs node describing 1M, in case raw leaves are not used:
	// (2b(type2/file)+4b(data-field:3-byte-len-delimited)+4b(size-field:3-byte-varint))
	// +(4b(DAG-type-1:3-byte-len-delimited))
	BlockPayloadLimit int = BlockSizeLimit - (2 + 4 + 4 + 4)
)

var (
	// ErrSize is returned when the requested chunk size is not positive.
	ErrSize = errors.New("chunker size must be greater than 0")
	// ErrSizeMax is returned when the requested chunk size exceeds the
	// maximum block payload.
	ErrSizeMax = fmt.Errorf("chunker parameters may not exceed the maximum block payload size of %d", BlockPayloadLimit)
)

// FromString returns a Splitter depending on the given string:
// it supports "default" ("") and "size-{size}".
func FromString(r io.Reader, chunker string) (Splitter, error) {
	switch {
	case chunker == "" || chunker == "default":
		return DefaultSplitter(r), nil

	case strings.HasPrefix(chunker, "size-"):
		sizeStr := strings.Split(chunker, "-")[1]
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return nil, err
		} else if size <= 0 {
			return nil, ErrSize
		} else if size > BlockPayloadLimit {
			return nil, ErrSizeMax
		}
		return NewSizeSplitter(r, int64(size)), nil

	default:
		return nil, fmt.Errorf("unrecognized chunker option: %s", chunker)
	}
}
