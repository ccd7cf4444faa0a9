package indexstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"swarmd/internal/textindex"

	"go.etcd.io/bbolt"
)

var fileinfoBucket = []byte("fileinfo")

// BoltStore garde une valeur JSON par fichier, indexée par GUID.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default().With("component", "indexstore", "backend", BackendBolt)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fileinfoBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create 'fileinfo' bucket: %w", err)
	}
	logger.Info("Index store opened with BoltDB persistence", "db_path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) Save(_ context.Context, entries []textindex.Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(fileinfoBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(fileinfoBucket)
		if err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to serialize entry %s: %w", e.Path(), err)
			}
			if err := b.Put([]byte(e.GUID.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Load(_ context.Context) ([]textindex.Entry, error) {
	var entries []textindex.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fileinfoBucket)
		if b == nil {
			return fmt.Errorf("fileinfo bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var e textindex.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				s.logger.Error("Failed to deserialize index entry, skipping", "key", string(k), "error", err)
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	s.logger.Info("Closing BoltDB database.")
	return s.db.Close()
}
