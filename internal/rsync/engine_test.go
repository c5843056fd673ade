package rsync

import (
	"bytes"
	"math/rand"
	"testing"
)

// testDataGenerator produces deterministic pseudo-random content for a
// delta round-trip case: a seeded buffer with a configurable number of
// single-byte mutations applied on top.
type testDataGenerator struct {
	length    int
	seed      int64
	mutations int
}

func (g testDataGenerator) generate() []byte {
	random := rand.New(rand.NewSource(g.seed))

	result := make([]byte, g.length)
	random.Read(result)

	for i := 0; i < g.mutations; i++ {
		result[random.Intn(g.length)] += 1
	}

	return result
}

type engineTestCase struct {
	base       testDataGenerator
	target     testDataGenerator
	maxDataOps int
}

func (c engineTestCase) run(t *testing.T) {
	base := c.base.generate()
	target := c.target.generate()

	engine := NewDefaultEngine()
	signature := engine.BytesSignature(base)
	delta := engine.DeltafyBytes(target, signature)

	// A delta against highly similar content should be dominated by block
	// copies; maxDataOps bounds the literal operations it may carry (-1
	// disables the check).
	nDataOperations := 0
	for _, o := range delta {
		if len(o.Data) > 0 {
			nDataOperations += 1
		}
	}
	if c.maxDataOps >= 0 && nDataOperations > c.maxDataOps {
		t.Error("observed more data operations than expected")
	}

	patched, err := engine.PatchBytes(base, signature, delta)
	if err != nil {
		t.Fatal("unable to patch bytes:", err)
	}
	if !bytes.Equal(patched, target) {
		t.Error("patched data did not match expected")
	}
}

func TestBothEmpty(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{0, 0, 0},
		maxDataOps: 0,
	}
	test.run(t)
}

func TestBaseEmpty(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestTargetEmpty(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{0, 0, 0},
		maxDataOps: 0,
	}
	test.run(t)
}

func TestSame(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 0},
		maxDataOps: 0,
	}
	test.run(t)
}

func TestSame1Mutation(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 1},
		maxDataOps: 1,
	}
	test.run(t)
}

func TestSame2Mutation(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 2},
		maxDataOps: 2,
	}
	test.run(t)
}

func TestSameDataShorterTarget(t *testing.T) {
	// 5 MiB is not a multiple of the heuristic block size, so the target's
	// unmatched tail goes out as one data operation.
	test := engineTestCase{
		base:       testDataGenerator{9892814, 473, 0},
		target:     testDataGenerator{5 * 1024 * 1024, 473, 0},
		maxDataOps: 1,
	}
	test.run(t)
}

func TestSameDataLongerTarget(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{985498, 473, 0},
		target:     testDataGenerator{15414553, 473, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestDifferentDataSameLength(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 182, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestDifferent(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{459879, 473, 0},
		target:     testDataGenerator{21345, 182, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestBlockLength(t *testing.T) {
	// Check invariants required by this test.
	if defaultMaxOpSize < defaultBlockSize {
		t.Fatal("test requires max op size > block size")
	}

	// Create and run the test.
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{defaultBlockSize, 421, 0},
		maxDataOps: 1,
	}
	test.run(t)
}

func TestLessThanBlockLength(t *testing.T) {
	// Create and run the test.
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{defaultBlockSize - 1, 421, 0},
		maxDataOps: 1,
	}
	test.run(t)
}

// TestExplicitBlockSizeRoundTrip exercises SignatureWithBlockSize/BytesSignatureWithBlockSize
// directly against a caller-supplied block size, as used when the predictor
// feeds a block size in rather than letting the engine pick one itself.
func TestExplicitBlockSizeRoundTrip(t *testing.T) {
	base := testDataGenerator{length: 10 * 1024 * 1024, seed: 7, mutations: 0}.generate()
	target := testDataGenerator{length: 10 * 1024 * 1024, seed: 7, mutations: 3}.generate()

	engine := NewDefaultEngine()

	for _, blockSize := range []uint64{1024, 1 << 13, 1 << 16} {
		signature := engine.BytesSignatureWithBlockSize(base, blockSize)
		if signature.BlockSize != blockSize {
			t.Fatalf("signature block size mismatch: got %d, want %d", signature.BlockSize, blockSize)
		}

		delta := engine.DeltafyBytes(target, signature)
		patched, err := engine.PatchBytes(base, signature, delta)
		if err != nil {
			t.Fatalf("unable to patch bytes for block size %d: %v", blockSize, err)
		}
		if !bytes.Equal(patched, target) {
			t.Fatalf("patched data did not match target for block size %d", blockSize)
		}
	}
}

// TestStrongHashTruncation verifies that the stored strong hash is the
// truncated width used throughout the wire format, not a full digest.
func TestStrongHashTruncation(t *testing.T) {
	hash := strongHash([]byte("some block contents"))
	if len(hash) != strongHashSize {
		t.Fatalf("strong hash length is %d, want %d", len(hash), strongHashSize)
	}
}

// TestSignatureWireRoundTrip verifies that a signature survives a
// marshal/unmarshal cycle through the opaque wire format unchanged.
func TestSignatureWireRoundTrip(t *testing.T) {
	base := testDataGenerator{length: 3 * 1024 * 1024, seed: 11, mutations: 0}.generate()
	engine := NewDefaultEngine()
	signature := engine.BytesSignatureWithBlockSize(base, 4096)

	encoded, err := signature.MarshalBinary()
	if err != nil {
		t.Fatalf("unable to marshal signature: %v", err)
	}

	var decoded Signature
	if err := decoded.UnmarshalBinary(encoded); err != nil {
		t.Fatalf("unable to unmarshal signature: %v", err)
	}

	if decoded.BlockSize != signature.BlockSize || decoded.LastBlockSize != signature.LastBlockSize {
		t.Fatal("decoded signature header does not match original")
	}
	if len(decoded.Hashes) != len(signature.Hashes) {
		t.Fatalf("decoded hash count %d, want %d", len(decoded.Hashes), len(signature.Hashes))
	}
	for i := range signature.Hashes {
		if decoded.Hashes[i] != signature.Hashes[i] {
			t.Fatalf("decoded hash %d does not match original", i)
		}
	}
}

// TestOperationWireRoundTrip verifies that a mixture of data and block
// operations survives the opaque delta wire encoding unchanged.
func TestOperationWireRoundTrip(t *testing.T) {
	operations := []Operation{
		{Data: []byte("hello")},
		{Start: 4, Count: 2},
		{Data: []byte{}},
		{Start: 0, Count: 1},
	}
	// ensureValid rejects a zero-length, zero-count, zero-data operation, so
	// drop the deliberately-empty data case before encoding; encoding/
	// decoding treats a present-but-empty data buffer as semantically
	// equivalent to a block operation with no data, which isn't a valid
	// standalone operation.
	operations = append(operations[:2], operations[3:]...)

	encoded, err := EncodeOperations(operations)
	if err != nil {
		t.Fatalf("unable to encode operations: %v", err)
	}

	decoded, err := DecodeOperations(encoded)
	if err != nil {
		t.Fatalf("unable to decode operations: %v", err)
	}

	if len(decoded) != len(operations) {
		t.Fatalf("decoded operation count %d, want %d", len(decoded), len(operations))
	}
	for i := range operations {
		if !bytes.Equal(decoded[i].Data, operations[i].Data) {
			t.Fatalf("decoded operation %d data mismatch", i)
		}
		if decoded[i].Start != operations[i].Start || decoded[i].Count != operations[i].Count {
			t.Fatalf("decoded operation %d block range mismatch", i)
		}
	}
}
