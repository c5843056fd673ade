package transport

import (
	"bytes"
	"net"
	"testing"
)

// tcpPair returns both ends of a loopback TCP connection. A synchronous
// in-memory pipe won't do here: both sides of a handshake write their
// nonce before reading the peer's, which requires the kernel's socket
// buffering to make progress.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}
	conn := <-accepted
	t.Cleanup(func() {
		dialed.Close()
		conn.Close()
	})
	return dialed, conn
}

func handshakeBothSides(t *testing.T, secret [32]byte) (*Session, *Session) {
	t.Helper()

	connA, connB := tcpPair(t)

	type result struct {
		session *Session
		err     error
	}
	resultsA := make(chan result, 1)
	resultsB := make(chan result, 1)

	go func() {
		session, err := Handshake(connA, secret)
		resultsA <- result{session, err}
	}()
	go func() {
		session, err := Handshake(connB, secret)
		resultsB <- result{session, err}
	}()

	a := <-resultsA
	b := <-resultsB

	if a.err != nil {
		t.Fatalf("side A handshake failed: %v", a.err)
	}
	if b.err != nil {
		t.Fatalf("side B handshake failed: %v", b.err)
	}
	return a.session, b.session
}

func TestHandshakeAssignsOppositeRoles(t *testing.T) {
	a, b := handshakeBothSides(t, [32]byte{1, 2, 3})
	defer a.Close()
	defer b.Close()

	if a.Role() == b.Role() {
		t.Fatal("expected the two sides of a handshake to disagree on role")
	}
}

func TestSessionSendReceiveRoundTrip(t *testing.T) {
	a, b := handshakeBothSides(t, [32]byte{9, 9, 9})
	defer a.Close()
	defer b.Close()

	message := []byte("hello over an encrypted session")

	errs := make(chan error, 1)
	go func() {
		errs <- a.Send(message)
	}()

	received, err := b.Receive()
	if err != nil {
		t.Fatalf("unable to receive: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unable to send: %v", err)
	}
	if !bytes.Equal(received, message) {
		t.Fatalf("received %q, want %q", received, message)
	}
}

func TestSessionReadWriteStreamSemantics(t *testing.T) {
	a, b := handshakeBothSides(t, [32]byte{4, 5, 6})
	defer a.Close()
	defer b.Close()

	payload := []byte("streamed-bytes")
	errs := make(chan error, 1)
	go func() {
		_, err := a.Write(payload)
		errs <- err
	}()

	buf := make([]byte, len(payload))
	if _, err := readFullFrom(b, buf); err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("read %q, want %q", buf, payload)
	}
}

func readFullFrom(s *Session, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHandshakeFailsWithMismatchedSecrets(t *testing.T) {
	connA, connB := tcpPair(t)

	type result struct {
		session *Session
		err     error
	}
	resultsA := make(chan result, 1)
	resultsB := make(chan result, 1)

	go func() {
		session, err := Handshake(connA, [32]byte{1})
		resultsA <- result{session, err}
	}()
	go func() {
		session, err := Handshake(connB, [32]byte{2})
		resultsB <- result{session, err}
	}()

	a := <-resultsA
	b := <-resultsB

	if a.err == nil && b.err == nil {
		t.Fatal("expected at least one side to fail handshake with mismatched secrets")
	}
}
