package syncer

import (
	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/protocol/packet"
)

// doctorPayload is the fixed echo payload a connectivity check sends.
var doctorPayload = []byte("hello")

// Doctor dials address, completes the secure transport handshake, and
// verifies that a sanity/echo packet sent through it comes back
// unmodified: a minimal end-to-end proof that the handshake, AEAD
// framing, and packet codec all agree between this process and the peer,
// without touching any file on either side.
func Doctor(address string, secret [32]byte) error {
	session, err := dialSecure(address, secret)
	if err != nil {
		return err
	}
	defer session.Close()

	codec := newCodec(session)
	if err := codec.WriteSanity(packet.SanityPacket{Payload: doctorPayload}); err != nil {
		return errors.Wrap(err, "unable to send sanity packet")
	}

	received, err := codec.ReadPacket()
	if err != nil {
		return errors.Wrap(err, "unable to read echoed sanity packet")
	}
	echoed, ok := received.(packet.SanityPacket)
	if !ok {
		return errors.Errorf("expected echoed SNTY packet, got %T", received)
	}
	if string(echoed.Payload) != string(doctorPayload) {
		return errors.New("echoed sanity payload did not match")
	}
	return nil
}
