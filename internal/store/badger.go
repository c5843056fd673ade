package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore implements PredictorStore on top of an embedded badger
// database. Reads and writes go through badger's serializable transactions,
// so a concurrent save mid-load can't hand back a torn snapshot.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if necessary) a badger database rooted at
// dir. The caller is responsible for calling Close when done.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	options := badger.DefaultOptions(dir).WithLogger(discardLogger{})
	db, err := badger.Open(options)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open predictor store")
	}
	return &BadgerStore{db: db}, nil
}

// discardLogger silences badger's internal logging. The predictor store is
// a small embedded detail; its own compaction/GC chatter shouldn't appear
// in this program's logs, which follow internal/logging's conventions
// instead.
type discardLogger struct{}

func (discardLogger) Errorf(string, ...interface{})   {}
func (discardLogger) Warningf(string, ...interface{}) {}
func (discardLogger) Infof(string, ...interface{})    {}
func (discardLogger) Debugf(string, ...interface{})   {}

// LoadSnapshot returns the most recently saved snapshot, or (nil, nil) if
// none has ever been saved.
func (s *BadgerStore) LoadSnapshot(_ context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			data = append([]byte(nil), value...)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to load predictor snapshot")
	}
	return data, nil
}

// SaveSnapshot replaces the stored snapshot with data.
func (s *BadgerStore) SaveSnapshot(_ context.Context, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotKey), data)
	})
	return errors.Wrap(err, "unable to save predictor snapshot")
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return errors.Wrap(s.db.Close(), "unable to close predictor store")
}
