// Package packet implements the sync protocol's wire records: a closed set
// of four-byte tagged records, some fixed-size ("static"), some prefixed by
// a SIZE record giving their body length ("dynamic"), plus a special
// MMAP sub-framing for streaming whole-file transfers without holding them
// in memory.
//
// This is a closed tagged union rather than an open interface hierarchy:
// every recognized tag has exactly one body shape, and decoding dispatches
// on a small tag → decoder table instead of polymorphic dispatch.
package packet

import (
	"bytes"

	"github.com/pkg/errors"
)

// Tag identifies a wire record's shape. Tags are always compared and stored
// in upper case; Canonicalize upper-cases a tag read off the wire before
// any comparison or table lookup.
type Tag [4]byte

func (t Tag) String() string {
	return string(t[:])
}

// Canonicalize upper-cases a tag. Mixed-case tags arriving on the wire are
// normalized before lookup, per the codec invariant that tags are compared
// bytewise in upper case.
func (t Tag) Canonicalize() Tag {
	var result Tag
	copy(result[:], bytes.ToUpper(t[:]))
	return result
}

// The closed set of recognized tags.
var (
	TagSize = Tag{'S', 'I', 'Z', 'E'}
	TagNonc = Tag{'N', 'O', 'N', 'C'}
	TagTybr = Tag{'T', 'Y', 'B', 'R'}
	TagInit = Tag{'I', 'N', 'I', 'T'}
	TagSack = Tag{'S', 'A', 'C', 'K'}
	TagSdlt = Tag{'S', 'D', 'L', 'T'}
	TagSnty = Tag{'S', 'N', 'T', 'Y'}
	TagFrce = Tag{'F', 'R', 'C', 'E'}
	TagMmap = Tag{'M', 'M', 'A', 'P'}
)

// knownNameSize bounds the path name carried in INIT and FRCE records,
// keeping both records static (fixed-size) bodies instead of requiring a
// SIZE-prefixed dynamic shape for what is, in practice, always a bounded
// relative path.
const knownNameSize = 256

// Static body sizes, in bytes, for each static tag. SIZE's body is the
// 8-byte length of the dynamic record that follows it.
const (
	sizeBodySize = 8
	noncBodySize = 12 + 8
	tybrBodySize = 8
	initBodySize = 32 + 16 + knownNameSize
	frceBodySize = 16 + knownNameSize
)

// ErrUnknownTag is returned when a tag read off the wire doesn't match any
// recognized static or dynamic tag.
var ErrUnknownTag = errors.New("unrecognized packet tag")

// ErrDynamicWithoutSize is returned when a dynamic tag (SACK, SDLT, SNTY) is
// read without an immediately preceding SIZE record.
var ErrDynamicWithoutSize = errors.New("dynamic packet received without a pending SIZE record")

// isDynamicTag reports whether tag is one of the SIZE-prefixed dynamic
// tags.
func isDynamicTag(tag Tag) bool {
	return tag == TagSack || tag == TagSdlt || tag == TagSnty
}

// NoncePacket carries a peer's handshake nonce and tie-break value (NONC).
type NoncePacket struct {
	Nonce    [12]byte
	TieBreak uint64
}

// TybrPacket carries a single random retry value used when two nonces tie
// (TYBR).
type TybrPacket struct {
	Random uint64
}

// InitPacket opens a per-file sync attempt (INIT).
type InitPacket struct {
	Hash    [32]byte
	SyncrID [16]byte
	// KnownName is the path the sender knows this file by; it is bounded
	// to knownNameSize-1 bytes plus a trailing NUL.
	KnownName string
}

// AckPacket is the sender-of-old's response to an INIT (SACK, dynamic).
// When Ack is false, the two sides already agree on content and the
// exchange ends immediately; Signature and BlockSize are unset in that
// case.
type AckPacket struct {
	Ack       bool
	BlockSize uint64
	Signature []byte // opaque encoding, see internal/rsync.Signature.MarshalBinary
}

// DeltaPacket carries the computed delta and the new file's size (SDLT,
// dynamic).
type DeltaPacket struct {
	Delta       []byte
	NewFileSize uint64
}

// SanityPacket is an arbitrary echo/connectivity-check payload (SNTY,
// dynamic).
type SanityPacket struct {
	Payload []byte
}

// ForcePacket announces a whole-file fallback transfer, followed by an
// MMAP sub-framed stream (FRCE, static, header of MMAP).
type ForcePacket struct {
	SyncrID   [16]byte
	KnownName string
}
