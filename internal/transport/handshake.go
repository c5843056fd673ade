package transport

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/protocol/packet"
	"github.com/GustavoWidman/syncr/internal/syncerr"
)

// HandshakeTimeout is the wall-clock deadline placed on the entire
// handshake (nonce exchange plus both key-agreement rounds).
const HandshakeTimeout = 8 * time.Second

// IdleReadTimeout bounds how long a Session.Receive call will wait for a
// record once the handshake has completed.
const IdleReadTimeout = 30 * time.Second

// maxHandshakeFrameSize bounds a single raw handshake message, well above
// anything this handshake ever sends (32-byte keys plus a small AEAD
// overhead), to reject an obviously adversarial peer early.
const maxHandshakeFrameSize = 4096

// maxRecordSize bounds a single post-handshake AEAD record.
const maxRecordSize = 64 * 1024 * 1024

// Role identifies which side of a handshake became the initiator, decided
// by the clear-text nonce exchange rather than by which side dialed.
type Role bool

const (
	RoleResponder Role = false
	RoleInitiator Role = true
)

// Handshake negotiates roles and derives transport keys over conn, then
// returns a ready-to-use Session. Both sides of a connection call
// Handshake identically; there is no separate dial/accept entry point,
// since initiator/responder is a property of the handshake, not of which
// side opened the TCP connection.
func Handshake(conn net.Conn, secret [32]byte) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, errors.Wrap(err, "unable to set handshake deadline")
	}

	role, err := determineRole(conn)
	if err != nil {
		return nil, &syncerr.TransportError{Phase: "nonce-exchange", Err: err}
	}

	pskKey, err := handshakeRound(conn, role, secret[:])
	if err != nil {
		return nil, &syncerr.TransportError{Phase: "handshake-round-1", Err: err}
	}

	transportKey, err := handshakeRound(conn, role, pskKey)
	if err != nil {
		return nil, &syncerr.TransportError{Phase: "handshake-round-2", Err: err}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, errors.Wrap(err, "unable to clear handshake deadline")
	}

	return newSession(conn, role, transportKey)
}

// determineRole runs the clear-text nonce exchange: each side draws a
// random value and sends it via a NONC record; the larger value wins the
// initiator role. Equality (astronomically improbable) is broken by
// redrawing via TYBR records until the two sides differ.
func determineRole(conn net.Conn) (Role, error) {
	// The codec must not read ahead here: the bytes after the final NONC or
	// TYBR record belong to the key-agreement frames, which are read directly
	// off the connection.
	codec := packet.NewUnbufferedCodec(conn)

	localValue, err := randomUint64()
	if err != nil {
		return false, err
	}

	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[:8], localValue)
	if err := codec.WriteNonce(packet.NoncePacket{Nonce: nonce, TieBreak: localValue}); err != nil {
		return false, errors.Wrap(err, "unable to send nonce")
	}

	received, err := codec.ReadPacket()
	if err != nil {
		return false, errors.Wrap(err, "unable to read peer nonce")
	}
	peerNonce, ok := received.(packet.NoncePacket)
	if !ok {
		return false, errors.New("expected NONC record during role negotiation")
	}
	peerValue := peerNonce.TieBreak

	for localValue == peerValue {
		localValue, err = randomUint64()
		if err != nil {
			return false, err
		}
		if err := codec.WriteTybr(packet.TybrPacket{Random: localValue}); err != nil {
			return false, errors.Wrap(err, "unable to send tie-break value")
		}

		retried, err := codec.ReadPacket()
		if err != nil {
			return false, errors.Wrap(err, "unable to read peer tie-break value")
		}
		peerTybr, ok := retried.(packet.TybrPacket)
		if !ok {
			return false, errors.New("expected TYBR record during tie-break retry")
		}
		peerValue = peerTybr.Random
	}

	return Role(localValue > peerValue), nil
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "unable to generate random value")
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// handshakeRound performs the three-message X25519 + ChaCha20-Poly1305 +
// BLAKE2b pattern authenticated by psk, returning the derived shared key.
// The pattern is: message 1 carries the initiator's ephemeral public key in
// the clear; message 2 carries the responder's ephemeral public key plus an
// AEAD-sealed confirmation proving it derived the same shared secret and
// knows psk; message 3 carries the initiator's own AEAD-sealed
// confirmation under a key likewise bound to psk, which is where the PSK
// is "mixed in" from the initiator's side.
func handshakeRound(conn net.Conn, role Role, psk []byte) ([]byte, error) {
	localPriv, localPub, err := newEphemeralKeypair()
	if err != nil {
		return nil, err
	}

	var peerPub [32]byte

	if role == RoleInitiator {
		if err := writeFrame(conn, localPub[:]); err != nil {
			return nil, errors.Wrap(err, "unable to write handshake message 1")
		}

		message2, err := readFrame(conn, 32+chacha20poly1305.Overhead+32)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read handshake message 2")
		}
		if len(message2) < 32 {
			return nil, errors.New("handshake message 2 too short")
		}
		copy(peerPub[:], message2[:32])
		sealed := message2[32:]

		sharedSecret, err := curve25519.X25519(localPriv[:], peerPub[:])
		if err != nil {
			return nil, errors.Wrap(err, "unable to compute shared secret")
		}

		if err := verifyConfirmation(sharedSecret, psk, "syncr-handshake-msg2", localPub[:], peerPub[:], sealed); err != nil {
			return nil, err
		}

		sealed3, err := sealConfirmation(sharedSecret, psk, "syncr-handshake-msg3", localPub[:], peerPub[:])
		if err != nil {
			return nil, err
		}
		if err := writeFrame(conn, sealed3); err != nil {
			return nil, errors.Wrap(err, "unable to write handshake message 3")
		}

		return deriveKey(sharedSecret, psk, "syncr-round-key"), nil
	}

	message1, err := readFrame(conn, 32)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read handshake message 1")
	}
	if len(message1) != 32 {
		return nil, errors.New("handshake message 1 has wrong length")
	}
	copy(peerPub[:], message1)

	sharedSecret, err := curve25519.X25519(localPriv[:], peerPub[:])
	if err != nil {
		return nil, errors.Wrap(err, "unable to compute shared secret")
	}

	sealed2, err := sealConfirmation(sharedSecret, psk, "syncr-handshake-msg2", peerPub[:], localPub[:])
	if err != nil {
		return nil, err
	}
	message2 := append(append([]byte{}, localPub[:]...), sealed2...)
	if err := writeFrame(conn, message2); err != nil {
		return nil, errors.Wrap(err, "unable to write handshake message 2")
	}

	sealed3, err := readFrame(conn, chacha20poly1305.Overhead+64)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read handshake message 3")
	}
	if err := verifyConfirmation(sharedSecret, psk, "syncr-handshake-msg3", peerPub[:], localPub[:], sealed3); err != nil {
		return nil, err
	}

	return deriveKey(sharedSecret, psk, "syncr-round-key"), nil
}

func newEphemeralKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		err = errors.Wrap(err, "unable to generate ephemeral private key")
		return
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		err = errors.Wrap(err, "unable to derive ephemeral public key")
		return
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// deriveKey runs HKDF over a BLAKE2b-256 hash, extracting with salt=psk
// and expanding with info, to produce a ChaCha20-Poly1305 key. Binding psk
// into every derived key, not just the handshake confirmations, is what
// keeps an attacker who only observes ephemeral public keys from deriving
// any session material without also knowing the secret.
func deriveKey(secret, psk []byte, info string) []byte {
	reader := hkdf.New(newBlake2b256, secret, psk, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	io.ReadFull(reader, key)
	return key
}

func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

var zeroNonce [chacha20poly1305.NonceSize]byte

func sealConfirmation(sharedSecret, psk []byte, info string, transcript ...[]byte) ([]byte, error) {
	key := deriveKey(sharedSecret, psk, info)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to construct handshake cipher")
	}
	plaintext := confirmationTag(psk, transcript...)
	return aead.Seal(nil, zeroNonce[:], plaintext, nil), nil
}

func verifyConfirmation(sharedSecret, psk []byte, info string, transcript ...[]byte) error {
	key := deriveKey(sharedSecret, psk, info)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return errors.Wrap(err, "unable to construct handshake cipher")
	}

	sealed := transcript[len(transcript)-1]
	transcriptParts := transcript[:len(transcript)-1]

	plaintext, err := aead.Open(nil, zeroNonce[:], sealed, nil)
	if err != nil {
		return errors.New("peer handshake confirmation failed authentication")
	}
	if !bytes.Equal(plaintext, confirmationTag(psk, transcriptParts...)) {
		return errors.New("peer handshake confirmation mismatch")
	}
	return nil
}

func confirmationTag(psk []byte, parts ...[]byte) []byte {
	hasher, _ := blake2b.New256(nil)
	hasher.Write(psk)
	for _, part := range parts {
		hasher.Write(part)
	}
	return hasher.Sum(nil)
}

func writeFrame(conn net.Conn, data []byte) error {
	if len(data) > maxHandshakeFrameSize {
		return errors.New("handshake message too large to frame")
	}
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(data)))
	if _, err := conn.Write(header[:]); err != nil {
		return errors.Wrap(err, "unable to write frame length")
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, "unable to write frame body")
	}
	return nil
}

func readFrame(conn net.Conn, maxLen int) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, errors.Wrap(err, "unable to read frame length")
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	if length > maxLen || length > maxHandshakeFrameSize {
		return nil, errors.New("handshake frame exceeds maximum size")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, errors.Wrap(err, "unable to read frame body")
	}
	return body, nil
}
