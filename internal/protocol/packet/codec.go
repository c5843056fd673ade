package packet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maximumDynamicBodySize bounds the body length a SIZE record may announce,
// to avoid a corrupt or adversarial peer driving an unbounded allocation.
const maximumDynamicBodySize = 512 * 1024 * 1024

// reusableBufferSize is the size of the buffer retained across Write/Read
// calls for dynamic bodies. Bodies larger than this get a one-off
// allocation; bodies at or below it reuse the codec's own buffer, avoiding
// an allocation on the hot path of typical delta/signature traffic.
const reusableBufferSize = 256 * 1024

// Codec reads and writes packets on a single underlying stream. It is not
// safe for concurrent use by multiple goroutines on the same direction
// (reads and writes may proceed concurrently with each other, since they
// touch independent buffers).
type Codec struct {
	reader io.Reader
	writer io.Writer

	writeBuffer []byte
	readBuffer  []byte
}

// NewCodec wraps a stream (typically a transport.Session) in a packet
// codec.
func NewCodec(stream io.ReadWriter) *Codec {
	return &Codec{
		reader:      bufio.NewReader(stream),
		writer:      stream,
		writeBuffer: make([]byte, reusableBufferSize),
		readBuffer:  make([]byte, reusableBufferSize),
	}
}

// NewUnbufferedCodec wraps a stream in a packet codec that reads exactly the
// bytes each record requires, never ahead of them. This matters when the
// codec is only borrowing the stream for a few records and raw reads will
// resume afterward (the transport's clear-text role negotiation): a buffered
// reader could slurp bytes belonging to whatever follows the final record.
func NewUnbufferedCodec(stream io.ReadWriter) *Codec {
	return &Codec{
		reader:      stream,
		writer:      stream,
		writeBuffer: make([]byte, reusableBufferSize),
		readBuffer:  make([]byte, reusableBufferSize),
	}
}

func (c *Codec) writeStatic(tag Tag, body []byte) error {
	if _, err := c.writer.Write(tag[:]); err != nil {
		return errors.Wrap(err, "unable to write tag")
	}
	if _, err := c.writer.Write(body); err != nil {
		return errors.Wrap(err, "unable to write static body")
	}
	return nil
}

func (c *Codec) writeDynamic(tag Tag, body []byte) error {
	if len(body) > maximumDynamicBodySize {
		return errors.New("dynamic packet body too large to frame")
	}

	var sizeBody [sizeBodySize]byte
	binary.BigEndian.PutUint64(sizeBody[:], uint64(len(body)))
	if err := c.writeStatic(TagSize, sizeBody[:]); err != nil {
		return errors.Wrap(err, "unable to write SIZE record")
	}

	if _, err := c.writer.Write(tag[:]); err != nil {
		return errors.Wrap(err, "unable to write dynamic tag")
	}
	if _, err := c.writer.Write(body); err != nil {
		return errors.Wrap(err, "unable to write dynamic body")
	}
	return nil
}

// bufferWithSize returns the codec's reusable read buffer sized to n,
// falling back to a temporary allocation for unusually large bodies.
func (c *Codec) bufferWithSize(n int) []byte {
	if n <= cap(c.readBuffer) {
		return c.readBuffer[:n]
	}
	return make([]byte, n)
}

// writeBufferWithSize is bufferWithSize's counterpart for assembling
// outgoing dynamic bodies.
func (c *Codec) writeBufferWithSize(n int) []byte {
	if n <= cap(c.writeBuffer) {
		return c.writeBuffer[:n]
	}
	return make([]byte, n)
}

func (c *Codec) readTag() (Tag, error) {
	var tag Tag
	if _, err := io.ReadFull(c.reader, tag[:]); err != nil {
		return Tag{}, errors.Wrap(err, "unable to read tag")
	}
	return tag.Canonicalize(), nil
}

// WriteNonce writes a NONC record.
func (c *Codec) WriteNonce(p NoncePacket) error {
	var body [noncBodySize]byte
	copy(body[:12], p.Nonce[:])
	binary.BigEndian.PutUint64(body[12:20], p.TieBreak)
	return c.writeStatic(TagNonc, body[:])
}

// WriteTybr writes a TYBR record.
func (c *Codec) WriteTybr(p TybrPacket) error {
	var body [tybrBodySize]byte
	binary.BigEndian.PutUint64(body[:], p.Random)
	return c.writeStatic(TagTybr, body[:])
}

func encodeKnownName(name string) ([knownNameSize]byte, error) {
	var encoded [knownNameSize]byte
	if len(name) >= knownNameSize {
		return encoded, errors.Errorf("known name longer than %d bytes", knownNameSize-1)
	}
	copy(encoded[:], name)
	return encoded, nil
}

func decodeKnownName(body []byte) string {
	n := bytes.IndexByte(body, 0)
	if n < 0 {
		n = len(body)
	}
	return string(body[:n])
}

// WriteInit writes an INIT record.
func (c *Codec) WriteInit(p InitPacket) error {
	var body [initBodySize]byte
	copy(body[0:32], p.Hash[:])
	copy(body[32:48], p.SyncrID[:])
	encodedName, err := encodeKnownName(p.KnownName)
	if err != nil {
		return errors.Wrap(err, "unable to encode INIT known name")
	}
	copy(body[48:], encodedName[:])
	return c.writeStatic(TagInit, body[:])
}

// WriteForce writes a FRCE record.
func (c *Codec) WriteForce(p ForcePacket) error {
	var body [frceBodySize]byte
	copy(body[0:16], p.SyncrID[:])
	encodedName, err := encodeKnownName(p.KnownName)
	if err != nil {
		return errors.Wrap(err, "unable to encode FRCE known name")
	}
	copy(body[16:], encodedName[:])
	return c.writeStatic(TagFrce, body[:])
}

// WriteAck writes a SACK record.
func (c *Codec) WriteAck(p AckPacket) error {
	body := c.writeBufferWithSize(1 + 8 + len(p.Signature))
	body[0] = 0
	if p.Ack {
		body[0] = 1
	}
	binary.BigEndian.PutUint64(body[1:9], p.BlockSize)
	copy(body[9:], p.Signature)
	return c.writeDynamic(TagSack, body)
}

// WriteDelta writes an SDLT record.
func (c *Codec) WriteDelta(p DeltaPacket) error {
	body := c.writeBufferWithSize(8 + len(p.Delta))
	binary.BigEndian.PutUint64(body[0:8], p.NewFileSize)
	copy(body[8:], p.Delta)
	return c.writeDynamic(TagSdlt, body)
}

// WriteSanity writes an SNTY record.
func (c *Codec) WriteSanity(p SanityPacket) error {
	return c.writeDynamic(TagSnty, p.Payload)
}

// ReadPacket reads the next logical packet off the stream, transparently
// consuming a SIZE record and the dynamic record it precedes as a single
// read. It returns one of NoncePacket, TybrPacket, InitPacket, AckPacket,
// DeltaPacket, SanityPacket, or ForcePacket, dispatched on the wire tag.
// MMAP records are not returned here; callers that receive a ForcePacket
// should switch to the dedicated MMAP reader in this package.
func (c *Codec) ReadPacket() (interface{}, error) {
	tag, err := c.readTag()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagSize:
		return c.readDynamicAfterSize()
	case TagNonc:
		return c.readNonceBody()
	case TagTybr:
		return c.readTybrBody()
	case TagInit:
		return c.readInitBody()
	case TagFrce:
		return c.readForceBody()
	case TagSack, TagSdlt, TagSnty:
		return nil, ErrDynamicWithoutSize
	default:
		return nil, ErrUnknownTag
	}
}

func (c *Codec) readNonceBody() (NoncePacket, error) {
	body := c.bufferWithSize(noncBodySize)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return NoncePacket{}, errors.Wrap(err, "unable to read NONC body")
	}
	var p NoncePacket
	copy(p.Nonce[:], body[:12])
	p.TieBreak = binary.BigEndian.Uint64(body[12:20])
	return p, nil
}

func (c *Codec) readTybrBody() (TybrPacket, error) {
	body := c.bufferWithSize(tybrBodySize)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return TybrPacket{}, errors.Wrap(err, "unable to read TYBR body")
	}
	return TybrPacket{Random: binary.BigEndian.Uint64(body)}, nil
}

func (c *Codec) readInitBody() (InitPacket, error) {
	body := c.bufferWithSize(initBodySize)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return InitPacket{}, errors.Wrap(err, "unable to read INIT body")
	}
	var p InitPacket
	copy(p.Hash[:], body[0:32])
	copy(p.SyncrID[:], body[32:48])
	p.KnownName = decodeKnownName(body[48:])
	return p, nil
}

func (c *Codec) readForceBody() (ForcePacket, error) {
	body := c.bufferWithSize(frceBodySize)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return ForcePacket{}, errors.Wrap(err, "unable to read FRCE body")
	}
	var p ForcePacket
	copy(p.SyncrID[:], body[0:16])
	p.KnownName = decodeKnownName(body[16:])
	return p, nil
}

func (c *Codec) readDynamicAfterSize() (interface{}, error) {
	sizeBody := c.bufferWithSize(sizeBodySize)
	if _, err := io.ReadFull(c.reader, sizeBody); err != nil {
		return nil, errors.Wrap(err, "unable to read SIZE body")
	}
	length := binary.BigEndian.Uint64(sizeBody)
	if length > maximumDynamicBodySize {
		return nil, errors.New("announced dynamic body exceeds maximum size")
	}

	tag, err := c.readTag()
	if err != nil {
		return nil, errors.Wrap(err, "unable to read dynamic tag after SIZE")
	}
	if !isDynamicTag(tag) {
		return nil, errors.New("SIZE record not followed by a dynamic tag")
	}

	body := c.bufferWithSize(int(length))
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, errors.Wrap(err, "unable to read dynamic body")
	}
	// Copy out of the reusable buffer before returning, since the next read
	// will overwrite it.
	owned := make([]byte, len(body))
	copy(owned, body)

	switch tag {
	case TagSack:
		return decodeAck(owned)
	case TagSdlt:
		return decodeDelta(owned)
	case TagSnty:
		return SanityPacket{Payload: owned}, nil
	default:
		return nil, ErrUnknownTag
	}
}

func decodeAck(body []byte) (AckPacket, error) {
	if len(body) < 9 {
		return AckPacket{}, errors.New("SACK body shorter than header")
	}
	var p AckPacket
	p.Ack = body[0] != 0
	p.BlockSize = binary.BigEndian.Uint64(body[1:9])
	p.Signature = body[9:]
	return p, nil
}

func decodeDelta(body []byte) (DeltaPacket, error) {
	if len(body) < 8 {
		return DeltaPacket{}, errors.New("SDLT body shorter than header")
	}
	return DeltaPacket{
		NewFileSize: binary.BigEndian.Uint64(body[0:8]),
		Delta:       body[8:],
	}, nil
}
