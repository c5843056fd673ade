// Package predictor implements the online block-size predictor: a pair of
// deduplicated node lists (exact and naive/bucketed) that learn, from
// observed sync outcomes, which rolling-checksum block size tends to
// maximize the compression ratio for files of a given size.
package predictor

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// Node is a single observation: a file size (or its naivified bucket), the
// compression rate achieved with a given block size, and whether this node
// belongs to the bucketed (naive) collection or the exact one. Block size is
// stored as its base-2 exponent so that "block size is always a power of
// two" is a representation invariant rather than something callers have to
// remember to check.
type Node struct {
	FileSize          uint64
	Rate              float32
	blockSizeExponent uint8
	Naive             bool
}

// NewNode constructs a node for the given file size, achieved rate, and
// block size. blockSize must already be a power of two; callers that have
// an arbitrary size should route it through naivify first.
func NewNode(fileSize uint64, rate float32, blockSize uint64, naive bool) Node {
	return Node{
		FileSize:          fileSize,
		Rate:              rate,
		blockSizeExponent: uint8(bits.TrailingZeros64(blockSize)),
		Naive:             naive,
	}
}

// BlockSize returns the node's block size, reconstructed from its stored
// exponent.
func (n Node) BlockSize() uint64 {
	return 1 << n.blockSizeExponent
}

// Naivify produces the bucketed counterpart of an exact node: same rate and
// block size, but with the file size rounded to the nearest power of two and
// the naive flag set. It returns false if n is already a naive node, since
// naive nodes have no further bucketed counterpart.
func (n Node) Naivify() (Node, bool) {
	if n.Naive {
		return Node{}, false
	}
	return Node{
		FileSize:          NaivifyFileSize(n.FileSize),
		Rate:              n.Rate,
		blockSizeExponent: n.blockSizeExponent,
		Naive:             true,
	}, true
}

// Hash returns a stable structural hash of the node, used by OptimalIndex
// entries to detect when the node an index points to has been displaced by
// deduplication. Two nodes with bit-equal fields hash identically.
func (n Node) Hash() uint64 {
	var buffer [8 + 4 + 1 + 1]byte
	binary.BigEndian.PutUint64(buffer[0:8], n.FileSize)
	binary.BigEndian.PutUint32(buffer[8:12], math.Float32bits(n.Rate))
	buffer[12] = n.blockSizeExponent
	if n.Naive {
		buffer[13] = 1
	}
	return xxhash.Sum64(buffer[:])
}
