package rsync

import (
	"bytes"
	"io"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/filesystem"
)

// maximumFileSize bounds the files this package will memory-map. It exists
// so that a file larger than what a 32-bit weak hash offset and a 64-bit
// mmap length can sanely represent fails loudly instead of silently
// corrupting a sync.
const maximumFileSize = math.MaxUint32

// filePermissions is used for any temporary/replacement file this package
// creates during patch application. The caller's existing file (if any)
// keeps its own permissions; this only matters for brand-new files.
const filePermissions = 0o644

// openForMap opens path and memory-maps it read-only, returning the mapping
// alongside the file's length. The returned mapping must be unmapped by the
// caller. An empty file is reported with a nil mapping and zero length,
// since mmap.Map rejects zero-length mappings.
func openForMap(path string) (mmap.MMap, int64, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, errors.Wrap(err, "unable to open file")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, 0, errors.Wrap(err, "unable to stat file")
	}

	length := info.Size()
	if length == 0 {
		return nil, 0, nil
	}
	if length > maximumFileSize {
		return nil, 0, errors.Errorf("file size %d exceeds maximum mappable size", length)
	}

	mapping, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, 0, errors.Wrap(err, "unable to memory-map file")
	}

	return mapping, length, nil
}

// SignatureFile computes the rsync signature of the file at path using an
// explicit block size, typically the one most recently predicted for this
// path. The file is read via a read-only memory mapping rather than
// streamed, since signature computation touches every byte anyway and the
// mapping avoids a page-cache-to-userspace copy for large bases.
func SignatureFile(path string, blockSize uint64) (Signature, error) {
	mapping, length, err := openForMap(path)
	if err != nil {
		return Signature{}, err
	}
	if length == 0 {
		return Signature{}, nil
	}
	defer mapping.Unmap()

	engine := NewEngine()
	return engine.SignatureWithBlockSize(bytes.NewReader(mapping), blockSize)
}

// DeltaFile computes the operations necessary to transform base (identified by
// its signature) into the file at newPath. It returns the encoded delta
// ready for transmission in an SDLT packet.
func DeltaFile(signature Signature, newPath string) ([]byte, error) {
	mapping, length, err := openForMap(newPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if mapping != nil {
			mapping.Unmap()
		}
	}()

	engine := NewEngine()
	var operations []Operation
	transmit := func(operation Operation) error {
		if len(operation.Data) > 0 {
			dataCopy := make([]byte, len(operation.Data))
			copy(dataCopy, operation.Data)
			operation.Data = dataCopy
		}
		operations = append(operations, operation)
		return nil
	}

	if length > 0 {
		if err := engine.Deltafy(bytes.NewReader(mapping), signature, transmit); err != nil {
			return nil, errors.Wrap(err, "unable to compute delta")
		}
	}

	return EncodeOperations(operations)
}

// ApplyFile reconstructs the target file's contents by applying a delta against
// the file at oldPath, writing the result to a temporary file and then
// atomically replacing oldPath. This ensures that a crash or interrupted
// write never leaves oldPath in a partially patched state.
func ApplyFile(oldPath string, signature Signature, deltaBytes []byte) error {
	operations, err := DecodeOperations(deltaBytes)
	if err != nil {
		return errors.Wrap(err, "unable to decode delta")
	}

	mapping, length, err := openForMap(oldPath)
	if err != nil {
		return err
	}
	defer func() {
		if mapping != nil {
			mapping.Unmap()
		}
	}()

	var base io.ReadSeeker
	if length == 0 {
		base = bytes.NewReader(nil)
	} else {
		base = bytes.NewReader(mapping)
	}

	receive := func() (Operation, error) {
		if len(operations) == 0 {
			return Operation{}, EndOfOperations
		}
		next := operations[0]
		operations = operations[1:]
		return next, nil
	}

	output := bytes.NewBuffer(nil)
	engine := NewEngine()
	if err := engine.Patch(output, base, signature, receive); err != nil {
		return errors.Wrap(err, "unable to apply delta")
	}

	permissions := os.FileMode(filePermissions)
	if info, statErr := os.Stat(oldPath); statErr == nil {
		permissions = info.Mode().Perm()
	}

	return filesystem.WriteFileAtomic(oldPath, output.Bytes(), permissions)
}
