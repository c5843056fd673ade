package transport

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/syncerr"
)

// Session is an authenticated, confidential, length-framed duplex byte
// stream layered over a net.Conn once Handshake has completed. Send and
// receive each carry their own nonce counter and AEAD key (derived from the
// handshake's transport key with opposite initiator/responder roles), so
// the two directions never reuse a nonce under the same key.
type Session struct {
	conn net.Conn
	role Role

	writeMu    sync.Mutex
	sendCipher cipher.AEAD
	sendNonce  uint64

	recvHalf *readHalf
}

// newSession derives per-direction keys from transportKey and constructs a
// Session ready for Send/Receive, or for wrapping in a packet.Codec via its
// Read/Write methods.
func newSession(conn net.Conn, role Role, transportKey []byte) (*Session, error) {
	initiatorToResponder := deriveKey(transportKey, nil, "syncr-transport-initiator-to-responder")
	responderToInitiator := deriveKey(transportKey, nil, "syncr-transport-responder-to-initiator")

	var sendKey, recvKey []byte
	if role == RoleInitiator {
		sendKey, recvKey = initiatorToResponder, responderToInitiator
	} else {
		sendKey, recvKey = responderToInitiator, initiatorToResponder
	}

	sendCipher, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, errors.Wrap(err, "unable to construct send cipher")
	}
	recvCipher, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, errors.Wrap(err, "unable to construct receive cipher")
	}

	session := &Session{
		conn:       conn,
		role:       role,
		sendCipher: sendCipher,
	}
	session.recvHalf = &readHalf{conn: conn, cipher: recvCipher}
	return session, nil
}

// Role reports which side of the handshake this session became.
func (s *Session) Role() Role {
	return s.role
}

// Send encrypts and frames plaintext as a single record.
func (s *Session) Send(plaintext []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], s.sendNonce)
	s.sendNonce++

	ciphertext := s.sendCipher.Seal(nil, nonce[:], plaintext, nil)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(ciphertext)))
	if _, err := s.conn.Write(header[:]); err != nil {
		return &syncerr.TransportError{Phase: "record", Err: errors.Wrap(err, "unable to write record length")}
	}
	if _, err := s.conn.Write(ciphertext); err != nil {
		return &syncerr.TransportError{Phase: "record", Err: errors.Wrap(err, "unable to write record body")}
	}
	return nil
}

// Receive reads, authenticates, and decrypts the next record, applying the
// idle read timeout to the wait for its length prefix.
func (s *Session) Receive() ([]byte, error) {
	return s.recvHalf.receive()
}

// readHalf owns the decryption state for the receive direction, split out
// from Session so that a dedicated reader goroutine can hold only what it
// needs.
type readHalf struct {
	conn      net.Conn
	cipher    cipher.AEAD
	recvNonce uint64
	pending   []byte
}

func (r *readHalf) receive() ([]byte, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(IdleReadTimeout)); err != nil {
		return nil, errors.Wrap(err, "unable to set read deadline")
	}

	var header [4]byte
	if _, err := io.ReadFull(r.conn, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &syncerr.TransportError{Phase: "record", Err: io.ErrUnexpectedEOF}
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxRecordSize {
		return nil, &syncerr.TransportError{Phase: "record", Err: errors.New("record exceeds maximum size")}
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(r.conn, ciphertext); err != nil {
		return nil, &syncerr.TransportError{Phase: "record", Err: io.ErrUnexpectedEOF}
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], r.recvNonce)
	r.recvNonce++

	plaintext, err := r.cipher.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, &syncerr.TransportError{Phase: "record", Err: errors.New("AEAD authentication failed")}
	}
	return plaintext, nil
}

// Write implements io.Writer by sending p as a single record, letting
// internal/protocol/packet.Codec layer directly on top of a Session the
// same way it would on a raw net.Conn.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read implements io.Reader by serving bytes out of the most recently
// received record, fetching a new one via Receive when the buffer is
// empty. Read is not safe for concurrent use; internal/protocol/packet
// assumes a single reader per direction, matching the ordering guarantees
// in the concurrency model.
func (s *Session) Read(p []byte) (int, error) {
	for len(s.recvHalf.pending) == 0 {
		record, err := s.Receive()
		if err != nil {
			return 0, err
		}
		s.recvHalf.pending = record
	}
	n := copy(p, s.recvHalf.pending)
	s.recvHalf.pending = s.recvHalf.pending[n:]
	return n, nil
}

// Close closes the underlying connection. Per the failure semantics in the
// concurrency model, shutdown is otherwise abandon-on-error: there is no
// separate close handshake beyond whatever termination packet the protocol
// layer chooses to send first.
func (s *Session) Close() error {
	return s.conn.Close()
}
