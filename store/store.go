package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

/*
	Local persistence for the sync engine. One badger database holds the
	pending mutation queue, the registration snapshot, and the stored
	channel identifier. Values are opaque serialized strings; callers that
	need structure go through the JSON helpers.
*/

type Config struct {
	Logger    *slog.Logger
	Directory string
}

type Store interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(key string) error

	// GetJSON decodes the value at key into target. It returns false when
	// the key is absent. A value that fails to decode is logged, deleted,
	// and reported as absent: the engine fails open to "no pending state"
	// rather than refusing to start.
	GetJSON(key string, target any) (bool, error)
	SetJSON(key string, value any) error

	Close() error
}

type kvStore struct {
	logger *slog.Logger
	db     *badger.DB
}

var _ Store = &kvStore{}

func Open(config Config) (Store, error) {
	dir := filepath.Join(config.Directory, "sync")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create store directory")
	}

	dbOpts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(8 << 20) // 8MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}

	return &kvStore{
		logger: config.Logger.WithGroup("store"),
		db:     db,
	}, nil
}

func (s *kvStore) Get(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", &ErrKeyNotFound{Key: key}
		}
		return "", errors.Wrapf(err, "failed to get key '%s'", key)
	}
	return value, nil
}

func (s *kvStore) Set(key string, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to set key '%s'", key)
	}
	return nil
}

func (s *kvStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to delete key '%s'", key)
	}
	return nil
}

func (s *kvStore) GetJSON(key string, target any) (bool, error) {
	raw, err := s.Get(key)
	if err != nil {
		var notFound *ErrKeyNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal([]byte(raw), target); err != nil {
		s.logger.Warn("Discarding corrupt persisted value", "key", key, "error", err)
		if delErr := s.Delete(key); delErr != nil {
			s.logger.Error("Failed to delete corrupt persisted value", "key", key, "error", delErr)
		}
		return false, nil
	}
	return true, nil
}

func (s *kvStore) SetJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value for key '%s'", key)
	}
	return s.Set(key, string(raw))
}

func (s *kvStore) Close() error {
	return s.db.Close()
}
