package syncerr

import (
	"errors"
	"testing"
)

func TestProtocolErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := &ProtocolError{State: "AwaitingAck", Err: cause}

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if wrapped.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestEachTaxonomyTypeWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("underlying")

	cases := []error{
		&ConfigError{Path: "/tmp/x.toml", Err: cause},
		&TransportError{Phase: "handshake", Err: cause},
		&ProtocolError{State: "Idle", Err: cause},
		&SyncError{Path: "/tmp/f", Err: cause},
		&PredictorError{Err: cause},
		&WatcherError{Path: "/tmp/dir", Err: cause},
	}

	for _, err := range cases {
		if !errors.Is(err, cause) {
			t.Fatalf("%T: expected errors.Is to unwrap to the cause", err)
		}
	}
}
