package chunk

import (
	"bytes"
	"fmt"
	"testing"
)

var (
	testTwoThirdsOfChunkLimit = 2 * (float32(BlockPayloadLimit) / float32(3))
)

func TestParseChunker(t *testing.T) {
	max := 1000
	r := bytes.NewReader(make([]byte, max))
	chk1 := "size-256"
	chk2 := "unknown"

	_, err := FromString(r, chk1)
	if err != nil {
		t.Errorf(err.Error())
	}

	_, err = FromString(r, chk2)
	if err == nil {
		t.Error("Expected error for unrecognized chunker option")
	}
}

func TestParseSize(t *testing.T) {
	r := bytes.NewReader(make([]byte, 1000))

	size1 := "size-0"
	size2 := "size-32"
	size3 := "size-123456789"

	_, err := FromString(r, size1)
	if err != ErrSize {
		t.Errorf("Expected %v, got %v", ErrSize, err)
	}

	_, err = FromString(r, size2)
	if err != nil {
		t.Errorf(err.Error())
	}

	_, err = FromString(r, size3)
	if err != ErrSizeMax {
		t.Errorf("Expected %v, got %v", ErrSizeMax, err)
	}

	_, err = FromString(r, fmt.Sprintf("size-%d", int(testTwoThirdsOfChunkLimit)))
	if err != nil {
		t.Errorf("Expected success, got %v", err)
	}
}

func TestDefaultSplitter(t *testing.T) {
	r := bytes.NewReader(make([]byte, 1000))

	for _, name := range []string{"", "default"} {
		spl, err := FromString(r, name)
		if err != nil {
			t.Fatal(err)
		}
		if spl.Reader() != r {
			t.Fatal("splitter does not wrap the given reader")
		}
	}
}
