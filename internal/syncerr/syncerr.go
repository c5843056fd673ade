// Package syncerr defines the typed error taxonomy used across syncr's
// components. Each type wraps an underlying cause (usually already wrapped
// via github.com/pkg/errors) and tags it with the subsystem it came from,
// so callers at process boundaries (cmd/syncr, logging) can branch on
// errors.As without string-matching error messages.
package syncerr

import "fmt"

// ConfigError indicates a problem loading or validating a primary or
// per-directory configuration file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError indicates a problem establishing or maintaining the
// secure transport session.
type TransportError struct {
	Phase string // "nonce-exchange", "handshake-round-1", "handshake-round-2", "record", "dial", "listen"
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates a violation of the sync protocol's state
// machine or wire framing: an unexpected packet, a malformed body, or a
// transition attempted from the wrong state.
type ProtocolError struct {
	State string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (state %s): %v", e.State, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SyncError indicates a failure in the delta engine or in applying a
// computed delta to disk.
type SyncError struct {
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error (%s): %v", e.Path, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// PredictorError indicates a failure predicting, tuning, or persisting
// block-size predictor state.
type PredictorError struct {
	Err error
}

func (e *PredictorError) Error() string {
	return fmt.Sprintf("predictor error: %v", e.Err)
}

func (e *PredictorError) Unwrap() error { return e.Err }

// WatcherError indicates a failure setting up or servicing a filesystem
// watch.
type WatcherError struct {
	Path string
	Err  error
}

func (e *WatcherError) Error() string {
	return fmt.Sprintf("watcher error (%s): %v", e.Path, e.Err)
}

func (e *WatcherError) Unwrap() error { return e.Err }
