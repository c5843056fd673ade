// Package store provides the embedded persistence layer for predictor
// state: a single logical row, keyed by a constant id, holding the most
// recently saved predictor snapshot.
package store

import "context"

// snapshotKey is the single key under which the predictor snapshot is
// stored: one logical row, keyed by a constant id.
const snapshotKey = "predictor:snapshot:1"

// PredictorStore persists and retrieves the predictor's serialized
// snapshot. LoadSnapshot returns (nil, nil) when no snapshot has ever been
// saved, so that callers can distinguish "fresh install" from a read error.
type PredictorStore interface {
	LoadSnapshot(ctx context.Context) ([]byte, error)
	SaveSnapshot(ctx context.Context, data []byte) error
	Close() error
}
