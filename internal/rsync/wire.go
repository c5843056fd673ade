package rsync

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Signatures and deltas cross the wire as part of the sync packet protocol
// (see internal/protocol/packet), which needs a stable, dependency-free byte
// encoding rather than something like gob that would pull reflection and a
// type registry into every packet. The format below is deliberately flat: a
// fixed header followed by a packed array of fixed-width block hash records.

// signatureHeaderSize is the size, in bytes, of a marshaled signature's
// header: block size (8), last block size (8), and hash count (8).
const signatureHeaderSize = 8 + 8 + 8

// blockHashWireSize is the size, in bytes, of a single marshaled BlockHash:
// a 4-byte weak hash followed by the truncated strong hash.
const blockHashWireSize = 4 + strongHashSize

// MarshalBinary encodes a signature into its opaque wire format.
func (s Signature) MarshalBinary() ([]byte, error) {
	buffer := make([]byte, signatureHeaderSize+len(s.Hashes)*blockHashWireSize)

	binary.BigEndian.PutUint64(buffer[0:8], s.BlockSize)
	binary.BigEndian.PutUint64(buffer[8:16], s.LastBlockSize)
	binary.BigEndian.PutUint64(buffer[16:24], uint64(len(s.Hashes)))

	offset := signatureHeaderSize
	for _, h := range s.Hashes {
		binary.BigEndian.PutUint32(buffer[offset:offset+4], h.Weak)
		copy(buffer[offset+4:offset+blockHashWireSize], h.Strong[:])
		offset += blockHashWireSize
	}

	return buffer, nil
}

// UnmarshalBinary decodes a signature from its opaque wire format, as
// produced by MarshalBinary.
func (s *Signature) UnmarshalBinary(data []byte) error {
	if len(data) < signatureHeaderSize {
		return errors.New("signature data shorter than header")
	}

	blockSize := binary.BigEndian.Uint64(data[0:8])
	lastBlockSize := binary.BigEndian.Uint64(data[8:16])
	count := binary.BigEndian.Uint64(data[16:24])

	expected := signatureHeaderSize + count*blockHashWireSize
	if uint64(len(data)) != expected {
		return errors.New("signature data length does not match header count")
	}

	hashes := make([]BlockHash, count)
	offset := signatureHeaderSize
	for i := range hashes {
		hashes[i].Weak = binary.BigEndian.Uint32(data[offset : offset+4])
		copy(hashes[i].Strong[:], data[offset+4:offset+blockHashWireSize])
		offset += blockHashWireSize
	}

	candidate := Signature{
		BlockSize:     blockSize,
		LastBlockSize: lastBlockSize,
		Hashes:        hashes,
	}
	if err := candidate.ensureValid(); err != nil {
		return errors.Wrap(err, "decoded signature is invalid")
	}

	*s = candidate
	return nil
}

// Operation tags used in the delta wire encoding.
const (
	operationTagData  byte = 0
	operationTagBlock byte = 1
)

// EncodeOperations serializes a slice of operations into the opaque delta
// wire format used by the SDLT packet payload.
func EncodeOperations(operations []Operation) ([]byte, error) {
	var buffer bytes.Buffer
	for _, operation := range operations {
		if err := operation.ensureValid(); err != nil {
			return nil, errors.Wrap(err, "invalid operation")
		}
		if len(operation.Data) > 0 {
			if err := buffer.WriteByte(operationTagData); err != nil {
				return nil, err
			}
			var length [8]byte
			binary.BigEndian.PutUint64(length[:], uint64(len(operation.Data)))
			if _, err := buffer.Write(length[:]); err != nil {
				return nil, err
			}
			if _, err := buffer.Write(operation.Data); err != nil {
				return nil, err
			}
		} else {
			if err := buffer.WriteByte(operationTagBlock); err != nil {
				return nil, err
			}
			var header [16]byte
			binary.BigEndian.PutUint64(header[0:8], operation.Start)
			binary.BigEndian.PutUint64(header[8:16], operation.Count)
			if _, err := buffer.Write(header[:]); err != nil {
				return nil, err
			}
		}
	}
	return buffer.Bytes(), nil
}

// DecodeOperations deserializes a delta payload produced by EncodeOperations.
func DecodeOperations(data []byte) ([]Operation, error) {
	reader := bytes.NewReader(data)
	var operations []Operation
	for reader.Len() > 0 {
		tag, err := reader.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "unable to read operation tag")
		}
		switch tag {
		case operationTagData:
			var length [8]byte
			if _, err := io.ReadFull(reader, length[:]); err != nil {
				return nil, errors.Wrap(err, "unable to read data operation length")
			}
			size := binary.BigEndian.Uint64(length[:])
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				return nil, errors.Wrap(err, "unable to read data operation payload")
			}
			operations = append(operations, Operation{Data: data})
		case operationTagBlock:
			var header [16]byte
			if _, err := io.ReadFull(reader, header[:]); err != nil {
				return nil, errors.Wrap(err, "unable to read block operation header")
			}
			operations = append(operations, Operation{
				Start: binary.BigEndian.Uint64(header[0:8]),
				Count: binary.BigEndian.Uint64(header[8:16]),
			})
		default:
			return nil, errors.Errorf("unknown operation tag: %d", tag)
		}
	}
	return operations, nil
}
