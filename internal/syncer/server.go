package syncer

import (
	"bytes"
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/protocol"
	"github.com/GustavoWidman/syncr/internal/protocol/packet"
	"github.com/GustavoWidman/syncr/internal/syncerr"
	"github.com/GustavoWidman/syncr/internal/transport"
)

// Server accepts inbound connections on a configured address and answers
// each with a single-file sync exchange (the sender-of-old role), serving
// files under Root.
type Server struct {
	Root    string
	Secret  [32]byte
	SyncrID [16]byte
	Shared  *Shared
}

// ListenAndServe listens on address and serves connections until ctx is
// cancelled or listening fails. It returns nil on a normal shutdown
// triggered by ctx.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return &syncerr.TransportError{Phase: "listen", Err: err}
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Shared.Logger.Warn(err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection completes the secure handshake and serves exactly one
// exchange before closing: either a sanity/echo connectivity check (SNTY,
// sent by `syncr doctor`, which never intends to sync a real file) or a
// real file sync, matching the one-connection-per-file shape the client
// side uses to initiate.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	session, err := transport.Handshake(conn, s.Secret)
	if err != nil {
		s.Shared.Logger.Warn(err)
		return
	}

	codec := newCodec(session)
	received, err := codec.ReadPacket()
	if err != nil {
		s.Shared.Logger.Warn(errors.Wrap(err, "unable to read first packet"))
		return
	}

	switch p := received.(type) {
	case packet.SanityPacket:
		if err := codec.WriteSanity(p); err != nil {
			s.Shared.Logger.Warn(errors.Wrap(err, "unable to echo sanity packet"))
		}
		return
	case packet.InitPacket:
		s.serveInit(ctx, codec, p)
	default:
		s.Shared.Logger.Warn(errors.Errorf("unexpected first packet %T", received))
	}
}

func (s *Server) serveInit(ctx context.Context, codec *packet.Codec, init packet.InitPacket) {
	// Both ends may be pushing the same file at each other on two separate
	// connections. Both servers compare the same pair of syncr_ids, so they
	// agree on one winner: the lower id keeps its outbound attempt, and the
	// higher id's INIT is refused here by closing the connection
	// unanswered, which aborts that side's in-flight push. The losing
	// side's own server takes the other branch and serves the winner.
	if pushID, ok := s.Shared.CollidingPushID(init.KnownName); ok {
		if bytes.Compare(pushID[:], init.SyncrID[:]) < 0 {
			s.Shared.Logger.Printf("refusing INIT for %s: local push wins tie-break", init.KnownName)
			return
		}
		s.Shared.Logger.Printf("serving INIT for %s: peer push wins tie-break", init.KnownName)
	}

	machine := protocol.NewMachine(codec, s.Shared.Predictor, s.SyncrID)
	_, err := machine.HandleInit(init, func(knownName string) (string, bool) {
		return resolveKnownName(s.Root, knownName)
	})
	if err != nil {
		s.Shared.Logger.Warn(err)
		return
	}

	// Save unconditionally: the identical-content branch tunes the
	// predictor even when outcome.Applied is false.
	if saveErr := s.Shared.Save(ctx); saveErr != nil {
		s.Shared.Logger.Warn(saveErr)
	}
}
