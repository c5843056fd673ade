// Package syncer wires the predictor, delta engine, protocol state
// machine, secure transport, and watcher into the two runtime roles the
// rest of the system plays: a long-lived server that answers inbound
// syncs for a single directory, and a client that watches a directory and
// pushes each detected change to a server.
//
// Each inbound change event or accepted connection resolves to exactly
// one file and runs exactly one instance of the protocol in
// internal/protocol.
package syncer

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/logging"
	"github.com/GustavoWidman/syncr/internal/predictor"
	"github.com/GustavoWidman/syncr/internal/protocol/packet"
	"github.com/GustavoWidman/syncr/internal/store"
	"github.com/GustavoWidman/syncr/internal/syncerr"
	"github.com/GustavoWidman/syncr/internal/transport"
	"github.com/GustavoWidman/syncr/internal/workpool"
)

// maxConcurrentTransfers bounds how many file syncs run their CPU-heavy
// delta/signature computation at once.
const maxConcurrentTransfers = 4

// Shared holds the process-singleton state every connection's protocol
// run reads from and writes back to: the predictor (behind its own
// internal RWMutex), the pool bounding concurrent delta/signature work,
// and the registry of outbound pushes in flight, used to tie-break a
// simultaneous inbound INIT for the same file.
type Shared struct {
	Predictor      *predictor.Predictor
	PredictorStore store.PredictorStore
	Pool           *workpool.Pool
	Logger         *logging.Logger

	pushMu   sync.Mutex
	inflight map[string]*inflightPush
}

// inflightPush tracks the outbound pushes currently running for one known
// name. All pushes of a name from one process share the directory's
// syncr_id; count keeps the entry alive until the last of them releases.
type inflightPush struct {
	id    [16]byte
	count int
}

// NewShared loads the persisted predictor from predictorStore (or starts
// fresh if none exists) and constructs the shared runtime state.
func NewShared(ctx context.Context, predictorStore store.PredictorStore, logger *logging.Logger) (*Shared, error) {
	pred, err := predictor.Load(ctx, predictorStore)
	if err != nil {
		return nil, &syncerr.PredictorError{Err: err}
	}
	return &Shared{
		Predictor:      pred,
		PredictorStore: predictorStore,
		Pool:           workpool.New(maxConcurrentTransfers),
		Logger:         logger,
		inflight:       make(map[string]*inflightPush),
	}, nil
}

// BeginPush registers an outbound push of knownName identified by id and
// returns a release function the caller must invoke once the push
// completes, successfully or not.
func (s *Shared) BeginPush(knownName string, id [16]byte) (release func()) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	entry, ok := s.inflight[knownName]
	if !ok {
		entry = &inflightPush{id: id}
		s.inflight[knownName] = entry
	}
	entry.count++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.pushMu.Lock()
			defer s.pushMu.Unlock()
			entry.count--
			if entry.count == 0 {
				delete(s.inflight, knownName)
			}
		})
	}
}

// CollidingPushID reports the syncr_id of an outbound push of knownName
// currently in flight, if any. The server consults this when an INIT for
// the same name arrives, so that two peers pushing the same file at each
// other resolve to a single deterministic winner.
func (s *Shared) CollidingPushID(knownName string) ([16]byte, bool) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	entry, ok := s.inflight[knownName]
	if !ok {
		return [16]byte{}, false
	}
	return entry.id, true
}

// Save persists the predictor's current state. Callers should call this
// after every completed sync that fed the predictor, and on shutdown.
func (s *Shared) Save(ctx context.Context) error {
	if err := s.Predictor.Save(ctx, s.PredictorStore); err != nil {
		return &syncerr.PredictorError{Err: err}
	}
	return nil
}

// ParseSyncrID parses a directory's configured syncr_id into the 16-byte
// form carried in every INIT/FRCE packet. Exported so cmd/syncr can parse
// a server's own syncr_id without duplicating this logic.
func ParseSyncrID(syncrID string) ([16]byte, error) {
	parsed, err := uuid.Parse(syncrID)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "invalid syncr_id")
	}
	return [16]byte(parsed), nil
}

// relativeKnownName computes the name a peer should know path by: its
// slash-separated path relative to root.
func relativeKnownName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// resolveKnownName is the inverse of relativeKnownName, used by a server
// to map an incoming INIT's known name back to a local path. It rejects
// any name that would escape root (a ".." path segment), since a peer
// naming a file outside the synced directory is a protocol violation, not
// a legitimate sync target.
func resolveKnownName(root, knownName string) (string, bool) {
	if knownName == "" || strings.Contains(knownName, "..") {
		return "", false
	}
	cleaned := filepath.FromSlash(knownName)
	joined := filepath.Join(root, cleaned)
	if !strings.HasPrefix(joined, filepath.Clean(root)+string(filepath.Separator)) && joined != filepath.Clean(root) {
		return "", false
	}
	return joined, true
}

// dialSecure opens a TCP connection to address and completes the secure
// transport handshake, returning the established session (newCodec layers
// a packet.Codec on top of it).
func dialSecure(address string, secret [32]byte) (*transport.Session, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, &syncerr.TransportError{Phase: "dial", Err: err}
	}
	session, err := transport.Handshake(conn, secret)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

func newCodec(session *transport.Session) *packet.Codec {
	return packet.NewCodec(session)
}

// DefaultConfigName exposes the sync config's default filename to
// cmd/syncr without importing internal/config directly for this one
// constant.
const DefaultConfigName = config.DefaultSyncConfigName
