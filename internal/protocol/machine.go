package protocol

import (
	"math"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/filesystem"
	"github.com/GustavoWidman/syncr/internal/predictor"
	"github.com/GustavoWidman/syncr/internal/protocol/packet"
	"github.com/GustavoWidman/syncr/internal/rsync"
	"github.com/GustavoWidman/syncr/internal/syncerr"
)

// Outcome summarizes how a single Initiate/Respond call resolved, for the
// caller to log and feed back into the predictor.
type Outcome struct {
	// Applied reports whether the local file was changed as a result of
	// this exchange. It is false when both sides already agreed on
	// content.
	Applied bool
	// ForcedFull reports whether the force-full-file fallback was used
	// instead of a delta.
	ForcedFull bool
	// NewLength is the synced file's length after Applied.
	NewLength uint64
	// BlockSize is the block size the signature side used for this
	// exchange.
	BlockSize uint64
	// Ratio is the compression ratio fed to the predictor. It is zero for
	// a forced-full transfer and on the initiating side of an
	// identical-content exchange, and +Inf on the responding side of an
	// identical-content exchange (Tune clamps it to a finite maximum).
	Ratio float32
}

// Machine drives one side of a single-file sync exchange over a Codec. A
// Machine is not safe for concurrent reuse across multiple files; callers
// running several files concurrently should use one Machine (and one
// underlying Codec) per file, or serialize access to a shared Codec
// themselves.
type Machine struct {
	codec     *packet.Codec
	predictor *predictor.Predictor
	localID   [16]byte
	state     State
}

// NewMachine constructs a Machine bound to codec, reporting block-size
// predictions through pred and identifying this side's in-flight attempts
// with localID.
func NewMachine(codec *packet.Codec, pred *predictor.Predictor, localID [16]byte) *Machine {
	return &Machine{codec: codec, predictor: pred, localID: localID, state: StateIdle}
}

// State reports the machine's current position in the exchange.
func (m *Machine) State() State {
	return m.state
}

// Initiate drives the sender-of-new role for the file at path, known to
// the peer as knownName. It sends an INIT and waits for the peer's
// response, handling the case where the peer simultaneously sent its own
// INIT for the same file by deferring to the tie-break rule.
func (m *Machine) Initiate(path, knownName string) (Outcome, error) {
	m.state = StateAwaitingInit

	localHash, err := hashFile(path)
	if err != nil {
		return Outcome{}, m.failSync(path, err)
	}

	if err := m.codec.WriteInit(packet.InitPacket{Hash: localHash, SyncrID: m.localID, KnownName: knownName}); err != nil {
		return Outcome{}, m.fail(errors.Wrap(err, "unable to send INIT"))
	}

	m.state = StateAwaitingAck
	for {
		received, err := m.codec.ReadPacket()
		if err != nil {
			return Outcome{}, m.fail(errors.Wrap(err, "unable to read response to INIT"))
		}

		switch p := received.(type) {
		case packet.InitPacket:
			// The peer initiated for the same file at roughly the same
			// time. Lower syncr_id wins and continues as initiator; the
			// loser steps aside and instead serves the winner's INIT.
			if lexicographicallyLower(p.SyncrID, m.localID) {
				return m.respondToInit(path, knownName, p)
			}
			continue
		case packet.AckPacket:
			return m.handleAck(path, knownName, p)
		default:
			return Outcome{}, m.fail(errors.Errorf("unexpected packet %T while awaiting ack", received))
		}
	}
}

// Respond drives the sender-of-old role for the file at path: it waits
// for an incoming INIT and answers it.
func (m *Machine) Respond(path string) (Outcome, error) {
	m.state = StateAwaitingInit

	received, err := m.codec.ReadPacket()
	if err != nil {
		return Outcome{}, m.fail(errors.Wrap(err, "unable to read INIT"))
	}
	init, ok := received.(packet.InitPacket)
	if !ok {
		return Outcome{}, m.fail(errors.Errorf("expected INIT, got %T", received))
	}

	return m.respondToInit(path, init.KnownName, init)
}

// HandleInit answers an already-received INIT packet, resolving the local
// path to operate on from the INIT's known name via resolve. This is the
// entry point a long-lived server uses: it reads the first packet on a
// connection itself (to distinguish a connectivity-check SNTY from a real
// INIT) and hands the decoded InitPacket in here rather than letting the
// machine read it directly, unlike Respond. resolve reports ok=false for a
// known name outside the server's synced root, which HandleInit treats as
// a protocol violation.
func (m *Machine) HandleInit(init packet.InitPacket, resolve func(knownName string) (path string, ok bool)) (Outcome, error) {
	m.state = StateAwaitingInit

	path, ok := resolve(init.KnownName)
	if !ok {
		return Outcome{}, m.fail(errors.Errorf("known name %q is outside the synced root", init.KnownName))
	}

	return m.respondToInit(path, init.KnownName, init)
}

// respondToInit answers an already-received INIT: it short-circuits if
// the peer's hash already matches the local file, otherwise it signs the
// local file and waits for either a delta or a forced full transfer.
func (m *Machine) respondToInit(path, knownName string, init packet.InitPacket) (Outcome, error) {
	localHash, err := hashFile(path)
	if err != nil {
		return Outcome{}, m.failSync(path, err)
	}

	if localHash == init.Hash {
		if err := m.codec.WriteAck(packet.AckPacket{Ack: false}); err != nil {
			return Outcome{}, m.fail(errors.Wrap(err, "unable to send negative ack"))
		}

		length, err := fileLength(path)
		if err != nil {
			return Outcome{}, m.failSync(path, err)
		}
		blockSize := m.predictor.Predict(length)
		m.predictor.Tune(length, blockSize, float32(math.Inf(1)))

		m.state = StateIdle
		return Outcome{NewLength: length, BlockSize: blockSize, Ratio: float32(math.Inf(1))}, nil
	}

	length, err := fileLength(path)
	if err != nil {
		return Outcome{}, m.failSync(path, err)
	}
	blockSize := m.predictor.ExplorativePredict(length)

	signature, err := rsync.SignatureFile(path, blockSize)
	if err != nil {
		return Outcome{}, m.failSync(path, err)
	}
	signatureBytes, err := signature.MarshalBinary()
	if err != nil {
		return Outcome{}, m.failSync(path, errors.Wrap(err, "unable to encode signature"))
	}

	if err := m.codec.WriteAck(packet.AckPacket{Ack: true, BlockSize: blockSize, Signature: signatureBytes}); err != nil {
		return Outcome{}, m.fail(errors.Wrap(err, "unable to send ack"))
	}

	m.state = StateAwaitingPayload
	received, err := m.codec.ReadPacket()
	if err != nil {
		return Outcome{}, m.fail(errors.Wrap(err, "unable to read payload"))
	}

	switch p := received.(type) {
	case packet.ForcePacket:
		return m.receiveForcedFull(path, blockSize)
	case packet.DeltaPacket:
		return m.applyDelta(path, knownName, signature, signatureBytes, blockSize, p)
	default:
		return Outcome{}, m.fail(errors.Errorf("unexpected packet %T while awaiting payload", received))
	}
}

func (m *Machine) applyDelta(path, knownName string, signature rsync.Signature, signatureBytes []byte, blockSize uint64, p packet.DeltaPacket) (Outcome, error) {
	m.state = StateApplying
	if err := rsync.ApplyFile(path, signature, p.Delta); err != nil {
		return Outcome{}, m.failSync(path, errors.Wrap(err, "unable to apply delta"))
	}

	ratio := computeRatio(p.NewFileSize, len(p.Delta), len(signatureBytes))
	m.predictor.Tune(p.NewFileSize, blockSize, ratio)

	m.state = StateIdle
	return Outcome{Applied: true, NewLength: p.NewFileSize, BlockSize: blockSize, Ratio: ratio}, nil
}

func (m *Machine) receiveForcedFull(path string, blockSize uint64) (Outcome, error) {
	m.state = StateApplying
	tempPath, permissions, err := m.codec.ReadMMAPFile(filepath.Dir(path))
	if err != nil {
		return Outcome{}, m.fail(errors.Wrap(err, "unable to receive forced full transfer"))
	}
	if chmodErr := os.Chmod(tempPath, permissions); chmodErr != nil {
		os.Remove(tempPath)
		return Outcome{}, m.failSync(path, errors.Wrap(chmodErr, "unable to set permissions on received file"))
	}
	if err := filesystem.RenameReplace(tempPath, path); err != nil {
		os.Remove(tempPath)
		return Outcome{}, m.failSync(path, err)
	}

	newLength, err := fileLength(path)
	if err != nil {
		return Outcome{}, m.failSync(path, err)
	}
	m.state = StateIdle
	return Outcome{Applied: true, ForcedFull: true, NewLength: newLength, BlockSize: blockSize}, nil
}

// handleAck answers the peer's SACK: computing and sending either a delta
// or, when the delta would exceed the force-full threshold, the whole
// file instead.
func (m *Machine) handleAck(path, knownName string, ack packet.AckPacket) (Outcome, error) {
	if !ack.Ack {
		m.state = StateIdle
		return Outcome{}, nil
	}

	var signature rsync.Signature
	if err := signature.UnmarshalBinary(ack.Signature); err != nil {
		return Outcome{}, m.failSync(path, errors.Wrap(err, "unable to decode signature"))
	}

	deltaBytes, err := rsync.DeltaFile(signature, path)
	if err != nil {
		return Outcome{}, m.failSync(path, errors.Wrap(err, "unable to compute delta"))
	}

	newLength, err := fileLength(path)
	if err != nil {
		return Outcome{}, m.failSync(path, err)
	}

	m.state = StateAwaitingPayload

	forceThreshold := uint64(len(ack.Signature)) + newLength/2
	if uint64(len(deltaBytes)) >= forceThreshold {
		if err := m.codec.WriteForce(packet.ForcePacket{SyncrID: m.localID, KnownName: knownName}); err != nil {
			return Outcome{}, m.fail(errors.Wrap(err, "unable to send FRCE"))
		}
		m.state = StateApplying
		if err := m.codec.WriteMMAPFile(path); err != nil {
			return Outcome{}, m.fail(errors.Wrap(err, "unable to send forced full transfer"))
		}
		m.state = StateIdle
		return Outcome{Applied: true, ForcedFull: true, NewLength: newLength, BlockSize: ack.BlockSize}, nil
	}

	if err := m.codec.WriteDelta(packet.DeltaPacket{Delta: deltaBytes, NewFileSize: newLength}); err != nil {
		return Outcome{}, m.fail(errors.Wrap(err, "unable to send delta"))
	}

	ratio := computeRatio(newLength, len(deltaBytes), len(ack.Signature))
	m.predictor.Tune(newLength, ack.BlockSize, ratio)

	m.state = StateIdle
	return Outcome{Applied: true, NewLength: newLength, BlockSize: ack.BlockSize, Ratio: ratio}, nil
}

// fail records the state the machine was in when err occurred, transitions
// it to StateError, and wraps err in the protocol taxonomy type.
func (m *Machine) fail(err error) error {
	failedState := m.state
	m.state = StateError
	return &syncerr.ProtocolError{State: failedState.String(), Err: err}
}

// failSync is fail's counterpart for delta-engine and file failures
// (signature deserialization, delta computation or application, hashing):
// the exchange aborts, the predictor is not updated, and the file at path
// is left unchanged.
func (m *Machine) failSync(path string, err error) error {
	m.state = StateError
	return &syncerr.SyncError{Path: path, Err: err}
}

// lexicographicallyLower reports whether a sorts before b byte-for-byte.
func lexicographicallyLower(a, b [16]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func hashFile(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return [32]byte{}, nil
		}
		return [32]byte{}, errors.Wrap(err, "unable to read file for hashing")
	}
	return blake2b.Sum256(data), nil
}

func fileLength(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "unable to stat file")
	}
	return uint64(info.Size()), nil
}

// computeRatio implements the predictor feedback formula: how much larger
// the new file is than the bytes actually sent to reconstruct it (delta
// plus its length header, plus the signature the delta was computed
// against). The 8-byte length header keeps the denominator positive even
// for an empty signature and delta, so the unbounded-ratio branch is only
// a guard; Tune clamps an infinite ratio to its own maximum.
func computeRatio(newLength uint64, deltaLen, signatureLen int) float32 {
	denominator := float64(deltaLen) + 8 + float64(signatureLen)
	if denominator <= 0 {
		return float32(math.Inf(1))
	}
	return float32(float64(newLength) / denominator)
}
