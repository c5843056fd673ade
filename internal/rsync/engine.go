package rsync

import (
	"bufio"
	"bytes"
	"io"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// strongHashSize is the width, in bytes, of the truncated strong hash stored
// for each block. A full 32-byte BLAKE2b digest is overkill at block-match
// granularity, and the signature crosses the wire on every sync, so it pays
// to keep each record small.
const strongHashSize = 8

// BlockHash pairs the rolling weak checksum of a base block with its
// truncated strong hash.
type BlockHash struct {
	Weak   uint32
	Strong [strongHashSize]byte
}

// Signature summarizes a base: the block size it was computed with, the
// length of the final (possibly short) block, and one BlockHash per block.
type Signature struct {
	BlockSize     uint64
	LastBlockSize uint64
	Hashes        []BlockHash
}

// ensureValid checks the signature's internal consistency. An all-zero
// signature (empty base) is valid; otherwise the last block must exist and
// fit within the block size.
func (s Signature) ensureValid() error {
	if s.BlockSize == 0 {
		if s.LastBlockSize != 0 {
			return errors.New("zero block size with non-zero last block size")
		}
		if len(s.Hashes) != 0 {
			return errors.New("zero block size with block hashes present")
		}
		return nil
	}
	if s.LastBlockSize == 0 {
		return errors.New("non-zero block size with zero last block size")
	}
	if s.LastBlockSize > s.BlockSize {
		return errors.New("last block size exceeds block size")
	}
	if len(s.Hashes) == 0 {
		return errors.New("non-zero block size with no block hashes")
	}
	return nil
}

// Operation is a single delta instruction: either a literal data run
// (Data non-empty) or a copy of Count consecutive blocks of the base
// starting at block index Start. Data buffers are re-used between
// operations by both transmitters and receivers, so a length-0 buffer and
// a nil buffer are interchangeable.
type Operation struct {
	Data  []byte
	Start uint64
	Count uint64
}

// ensureValid checks that an operation is exactly one of the two shapes.
func (o Operation) ensureValid() error {
	if len(o.Data) > 0 {
		if o.Start != 0 || o.Count != 0 {
			return errors.New("data operation with block fields set")
		}
		return nil
	}
	if o.Count == 0 {
		return errors.New("block operation with zero block count")
	}
	return nil
}

const (
	// minimumBlockSize floors the heuristic block size so that a signature
	// stays a few orders of magnitude smaller than its base.
	minimumBlockSize = 1 << 10
	// maximumBlockSize caps the heuristic block size at something that can
	// sit comfortably in an in-memory buffer. It must also stay below the
	// weak hash's 32-bit range.
	maximumBlockSize = 1 << 16
	// maximumDataOperationSize caps the literal data carried by a single
	// operation, bounding per-operation memory and wire-record size.
	maximumDataOperationSize = 1 << 16
)

// optimalBlockSize derives a block size from the base length using the
// square-root rule from the rsync literature (optimal under a
// one-change-per-file assumption), clamped to the allowed range.
func optimalBlockSize(baseLength uint64) uint64 {
	result := uint64(math.Sqrt(24.0 * float64(baseLength)))
	if result < minimumBlockSize {
		return minimumBlockSize
	}
	if result > maximumBlockSize {
		return maximumBlockSize
	}
	return result
}

// OperationTransmitter consumes one delta operation. The operation's data
// buffer is only valid for the duration of the call.
type OperationTransmitter func(Operation) error

// EndOfOperations is the sentinel an OperationReceiver returns once the
// operation stream is exhausted.
var EndOfOperations = errors.New("end of operations")

// OperationReceiver produces the next operation in a delta stream,
// returning EndOfOperations when none remain. Returned data buffers may be
// re-used across calls.
type OperationReceiver func() (Operation, error)

// Engine computes signatures, deltas, and patches. It carries no transport
// or policy, only re-usable buffers, and is not safe for concurrent use.
type Engine struct {
	buffer       []byte
	targetReader *bufio.Reader
}

// NewEngine creates an engine with empty buffers; they grow on first use
// and are retained across calls.
func NewEngine() *Engine {
	return &Engine{
		targetReader: bufio.NewReader(nil),
	}
}

// defaultBlockSize and defaultMaxOpSize name the engine's unconditioned
// defaults, mirroring the predictor's notion of a default block-size guess
// for a file it has never seen.
const (
	defaultBlockSize = minimumBlockSize
	defaultMaxOpSize = maximumDataOperationSize
)

// NewDefaultEngine is NewEngine under the name call sites use when they
// mean "the default configuration" rather than a tuned one.
func NewDefaultEngine() *Engine {
	return NewEngine()
}

// bufferWithSize returns the engine's scratch buffer resliced to size,
// growing it first if its capacity is insufficient.
func (e *Engine) bufferWithSize(size uint64) []byte {
	if uint64(cap(e.buffer)) >= size {
		return e.buffer[:size]
	}
	e.buffer = make([]byte, size)
	return e.buffer
}

// weakHashModulus is the modulus applied to both components of the rolling
// checksum. A power of two keeps the modular reduction consistent under
// uint32 wraparound, which the rolling update relies on.
const weakHashModulus = 1 << 16

// weakHash computes the two-component rolling checksum of data from
// scratch, returning the combined hash and both components. Short blocks
// are hashed with the nominal block size so that a from-scratch hash and a
// rolled hash of the same window always agree.
func weakHash(data []byte, blockSize uint64) (uint32, uint32, uint32) {
	var r1, r2 uint32
	for i, b := range data {
		r1 += uint32(b)
		r2 += (uint32(blockSize) - uint32(i)) * uint32(b)
	}
	r1 %= weakHashModulus
	r2 %= weakHashModulus
	return r1 + weakHashModulus*r2, r1, r2
}

// rollWeakHash slides the checksum window one byte forward, dropping out
// and admitting in, without rescanning the window.
func rollWeakHash(r1, r2 uint32, out, in byte, blockSize uint64) (uint32, uint32, uint32) {
	r1 = (r1 - uint32(out) + uint32(in)) % weakHashModulus
	r2 = (r2 - uint32(blockSize)*uint32(out) + r1) % weakHashModulus
	return r1 + weakHashModulus*r2, r1, r2
}

// strongHash computes the truncated BLAKE2b digest of a block.
func strongHash(data []byte) [strongHashSize]byte {
	full := blake2b.Sum256(data)
	var truncated [strongHashSize]byte
	copy(truncated[:], full[:strongHashSize])
	return truncated
}

// baseLength measures a seekable base and rewinds it to the start.
func baseLength(base io.ReadSeeker) (uint64, error) {
	length, err := base.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "unable to measure base length")
	}
	if _, err := base.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "unable to rewind base")
	}
	return uint64(length), nil
}

// Signature computes a base signature with a heuristic block size derived
// from the base length. Callers holding a predictor-chosen block size
// should use SignatureWithBlockSize instead; a tuned block size beats the
// static heuristic.
func (e *Engine) Signature(base io.ReadSeeker) (Signature, error) {
	length, err := baseLength(base)
	if err != nil {
		return Signature{}, err
	}
	if length == 0 {
		return Signature{}, nil
	}
	return e.SignatureWithBlockSize(base, optimalBlockSize(length))
}

// SignatureWithBlockSize computes a base signature using the supplied block
// size. This is the entry point the sync protocol uses, feeding in the
// block size the predictor chose for this file.
func (e *Engine) SignatureWithBlockSize(base io.ReadSeeker, blockSize uint64) (Signature, error) {
	if blockSize == 0 {
		return Signature{}, errors.New("invalid block size of 0")
	}

	length, err := baseLength(base)
	if err != nil {
		return Signature{}, err
	}
	if length == 0 {
		return Signature{}, nil
	}

	result := Signature{
		BlockSize: blockSize,
		Hashes:    make([]BlockHash, 0, (length+blockSize-1)/blockSize),
	}

	buffer := e.bufferWithSize(blockSize)
	for {
		n, err := io.ReadFull(base, buffer)
		if err == io.EOF {
			// The base length was an exact multiple of the block size, so
			// the previous block was both full and last.
			result.LastBlockSize = blockSize
			return result, nil
		} else if err != nil && err != io.ErrUnexpectedEOF {
			return Signature{}, errors.Wrap(err, "unable to read base block")
		}

		weak, _, _ := weakHash(buffer[:n], blockSize)
		result.Hashes = append(result.Hashes, BlockHash{weak, strongHash(buffer[:n])})

		if err == io.ErrUnexpectedEOF {
			result.LastBlockSize = uint64(n)
			return result, nil
		}
	}
}

// BytesSignature computes an in-memory signature with the heuristic block
// size. Failures can't occur against in-memory data, so it panics rather
// than returning an error.
func (e *Engine) BytesSignature(base []byte) Signature {
	result, err := e.Signature(bytes.NewReader(base))
	if err != nil {
		panic(errors.Wrap(err, "in-memory signature failure"))
	}
	return result
}

// BytesSignatureWithBlockSize is BytesSignature with an explicit block
// size.
func (e *Engine) BytesSignatureWithBlockSize(base []byte, blockSize uint64) Signature {
	result, err := e.SignatureWithBlockSize(bytes.NewReader(base), blockSize)
	if err != nil {
		panic(errors.Wrap(err, "in-memory signature failure"))
	}
	return result
}

// rollingReader is the reader shape Deltafy needs: bulk reads to fill the
// search window plus single-byte reads to roll it.
type rollingReader interface {
	io.Reader
	io.ByteReader
}

// deltaWriter accumulates outgoing operations for a single Deltafy run,
// coalescing adjacent block copies into one operation and splitting
// literal data into bounded chunks.
type deltaWriter struct {
	transmit OperationTransmitter
	start    uint64
	count    uint64
}

// flushBlocks emits any pending coalesced block operation.
func (w *deltaWriter) flushBlocks() error {
	if w.count == 0 {
		return nil
	}
	err := w.transmit(Operation{Start: w.start, Count: w.count})
	w.count = 0
	return err
}

// block records a matched base block, extending the pending run when index
// is contiguous with it.
func (w *deltaWriter) block(index uint64) error {
	if w.count > 0 && w.start+w.count == index {
		w.count++
		return nil
	}
	if err := w.flushBlocks(); err != nil {
		return err
	}
	w.start = index
	w.count = 1
	return nil
}

// data emits a literal run, first flushing any pending block run so
// operation order matches target order.
func (w *deltaWriter) data(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := w.flushBlocks(); err != nil {
		return err
	}
	for len(data) > 0 {
		chunk := min(uint64(len(data)), maximumDataOperationSize)
		if err := w.transmit(Operation{Data: data[:chunk]}); err != nil {
			return err
		}
		data = data[chunk:]
	}
	return nil
}

// transmitAllData sends the entire target as literal data operations, used
// when the base is empty and no block can possibly match.
func (e *Engine) transmitAllData(target io.Reader, transmit OperationTransmitter) error {
	buffer := e.bufferWithSize(maximumDataOperationSize)
	for {
		n, err := io.ReadFull(target, buffer)
		if n > 0 {
			if terr := transmit(Operation{Data: buffer[:n]}); terr != nil {
				return errors.Wrap(terr, "unable to transmit data operation")
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "unable to read target")
		}
	}
}

// Deltafy scans target for blocks matching base's signature and emits a
// stream of copy/literal operations that reconstructs target from base.
func (e *Engine) Deltafy(target io.Reader, base Signature, transmit OperationTransmitter) error {
	// The signature arrives off the wire; reject a broken one before
	// using its fields to size buffers.
	if err := base.ensureValid(); err != nil {
		return errors.Wrap(err, "invalid signature")
	}

	if len(base.Hashes) == 0 {
		return e.transmitAllData(target, transmit)
	}

	writer := &deltaWriter{transmit: transmit}

	// Ensure byte-at-a-time reads are available for rolling; wrap in the
	// engine's re-usable buffered reader if the target can't provide them
	// natively, releasing it on return.
	reader, ok := target.(rollingReader)
	if !ok {
		e.targetReader.Reset(target)
		reader = e.targetReader
		defer e.targetReader.Reset(nil)
	}

	// Index full blocks by weak hash. A short last block can only match at
	// the very end of the target, so it is held aside and checked
	// separately after the main scan.
	hashes := base.Hashes
	var shortLast bool
	var shortLastIndex uint64
	var shortLastHash BlockHash
	if base.LastBlockSize != base.BlockSize {
		shortLast = true
		shortLastIndex = uint64(len(hashes) - 1)
		shortLastHash = hashes[shortLastIndex]
		hashes = hashes[:shortLastIndex]
	}
	blocksByWeak := make(map[uint32][]uint64, len(hashes))
	for i, h := range hashes {
		blocksByWeak[h.Weak] = append(blocksByWeak[h.Weak], uint64(i))
	}

	// The search buffer holds a window of unmatched data followed by the
	// current candidate block. When the buffer fills, the unmatched prefix
	// is emitted as literal data and the candidate block slides back to
	// the front.
	buffer := e.bufferWithSize(maximumDataOperationSize + base.BlockSize)

	// held counts the buffer bytes currently in use; the candidate block
	// occupies the trailing base.BlockSize of them once the buffer is
	// primed.
	var held uint64
	var weak, r1, r2 uint32

	for {
		if held == 0 {
			// Prime the window with one full block, or stop scanning if
			// less than a block remains.
			n, err := io.ReadFull(reader, buffer[:base.BlockSize])
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				held = uint64(n)
				break
			} else if err != nil {
				return errors.Wrap(err, "unable to fill search window")
			}
			held = base.BlockSize
			weak, r1, r2 = weakHash(buffer[:held], base.BlockSize)
		} else {
			// Slide the window one byte.
			b, err := reader.ReadByte()
			if err == io.EOF {
				break
			} else if err != nil {
				return errors.Wrap(err, "unable to read target byte")
			}
			weak, r1, r2 = rollWeakHash(r1, r2, buffer[held-base.BlockSize], b, base.BlockSize)
			buffer[held] = b
			held++
		}

		// Confirm a weak-hash candidate with the strong hash.
		matched := false
		var matchIndex uint64
		if candidates := blocksByWeak[weak]; len(candidates) > 0 {
			strong := strongHash(buffer[held-base.BlockSize : held])
			for _, candidate := range candidates {
				if base.Hashes[candidate].Strong == strong {
					matched = true
					matchIndex = candidate
					break
				}
			}
		}

		if matched {
			if err := writer.data(buffer[:held-base.BlockSize]); err != nil {
				return errors.Wrap(err, "unable to transmit data preceding match")
			}
			if err := writer.block(matchIndex); err != nil {
				return errors.Wrap(err, "unable to transmit match")
			}
			held = 0
		} else if held == uint64(len(buffer)) {
			// Buffer exhausted with no match: emit the unmatched prefix
			// and keep only the candidate block.
			if err := writer.data(buffer[:held-base.BlockSize]); err != nil {
				return errors.Wrap(err, "unable to transmit data before truncation")
			}
			copy(buffer[:base.BlockSize], buffer[held-base.BlockSize:held])
			held = base.BlockSize
		}
	}

	// The tail may still end with the base's short last block.
	if shortLast && held >= base.LastBlockSize {
		tail := buffer[held-base.LastBlockSize : held]
		if w, _, _ := weakHash(tail, base.BlockSize); w == shortLastHash.Weak {
			if strongHash(tail) == shortLastHash.Strong {
				if err := writer.data(buffer[:held-base.LastBlockSize]); err != nil {
					return errors.Wrap(err, "unable to transmit data preceding short block")
				}
				if err := writer.block(shortLastIndex); err != nil {
					return errors.Wrap(err, "unable to transmit short block match")
				}
				held = 0
			}
		}
	}

	if err := writer.data(buffer[:held]); err != nil {
		return errors.Wrap(err, "unable to transmit final data")
	}
	if err := writer.flushBlocks(); err != nil {
		return errors.Wrap(err, "unable to transmit final block run")
	}
	return nil
}

// DeltafyBytes computes an in-memory delta, copying each operation's data
// buffer out of the engine's re-used storage.
func (e *Engine) DeltafyBytes(target []byte, base Signature) []Operation {
	var delta []Operation
	transmit := func(operation Operation) error {
		if len(operation.Data) > 0 {
			operation.Data = append([]byte(nil), operation.Data...)
		}
		delta = append(delta, operation)
		return nil
	}
	if err := e.Deltafy(bytes.NewReader(target), base, transmit); err != nil {
		panic(errors.Wrap(err, "in-memory deltafication failure"))
	}
	return delta
}

// Patch streams the reconstruction of a target into destination: literal
// operations are written through, block operations are copied out of base.
func (e *Engine) Patch(destination io.Writer, base io.ReadSeeker, signature Signature, receive OperationReceiver) error {
	if err := signature.ensureValid(); err != nil {
		return errors.Wrap(err, "invalid signature")
	}

	for {
		operation, err := receive()
		if err == EndOfOperations {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "unable to receive operation")
		}
		if err := operation.ensureValid(); err != nil {
			return errors.Wrap(err, "invalid operation")
		}

		if len(operation.Data) > 0 {
			if _, err := destination.Write(operation.Data); err != nil {
				return errors.Wrap(err, "unable to write data")
			}
			continue
		}

		if err := e.copyBlocks(destination, base, signature, operation); err != nil {
			return err
		}
	}
}

// copyBlocks copies one block operation's worth of base content into
// destination, honoring the signature's short last block.
func (e *Engine) copyBlocks(destination io.Writer, base io.ReadSeeker, signature Signature, operation Operation) error {
	if _, err := base.Seek(int64(operation.Start)*int64(signature.BlockSize), io.SeekStart); err != nil {
		return errors.Wrap(err, "unable to seek to block run")
	}

	lastIndex := uint64(len(signature.Hashes) - 1)
	for c := uint64(0); c < operation.Count; c++ {
		length := signature.BlockSize
		if operation.Start+c == lastIndex {
			length = signature.LastBlockSize
		}
		buffer := e.bufferWithSize(length)
		if _, err := io.ReadFull(base, buffer); err != nil {
			return errors.Wrap(err, "unable to read block data")
		}
		if _, err := destination.Write(buffer); err != nil {
			return errors.Wrap(err, "unable to write block data")
		}
	}
	return nil
}

// PatchBytes applies an in-memory delta against an in-memory base.
func (e *Engine) PatchBytes(base []byte, signature Signature, delta []Operation) ([]byte, error) {
	output := bytes.NewBuffer(nil)
	receive := func() (Operation, error) {
		if len(delta) == 0 {
			return Operation{}, EndOfOperations
		}
		next := delta[0]
		delta = delta[1:]
		return next, nil
	}
	if err := e.Patch(output, bytes.NewReader(base), signature, receive); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
