package indexstore

import (
	"context"
	"fmt"
	"log/slog"

	"swarmd/internal/textindex"

	"github.com/fxamacker/cbor/v2"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
)

const levelPrefix = "/fileinfo"

var (
	cborEnc, _ = cbor.EncOptions{Time: cbor.TimeUnix, Sort: cbor.SortCanonical}.EncMode()
	cborDec, _ = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
)

// LevelStore garde une valeur CBOR par fichier sous /fileinfo/<guid>.
type LevelStore struct {
	db     *dslvl.Datastore
	logger *slog.Logger
}

func NewLevelStore(path string, logger *slog.Logger) (*LevelStore, error) {
	if logger == nil {
		logger = slog.Default().With("component", "indexstore", "backend", BackendLevelDB)
	}
	db, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	logger.Info("Index store opened with LevelDB persistence", "db_path", path)
	return &LevelStore{db: db, logger: logger}, nil
}

func entryKey(e *textindex.Entry) ds.Key {
	return ds.NewKey(levelPrefix).ChildString(e.GUID.String())
}

func (s *LevelStore) Save(ctx context.Context, entries []textindex.Entry) error {
	keep := make(map[ds.Key]struct{}, len(entries))
	for i := range entries {
		e := &entries[i]
		data, err := cborEnc.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialize entry %s: %w", e.Path(), err)
		}
		k := entryKey(e)
		if err := s.db.Put(ctx, k, data); err != nil {
			return err
		}
		keep[k] = struct{}{}
	}

	res, err := s.db.Query(ctx, dsq.Query{Prefix: levelPrefix, KeysOnly: true})
	if err != nil {
		return err
	}
	defer res.Close()
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return r.Error
		}
		k := ds.NewKey(r.Key)
		if _, live := keep[k]; live {
			continue
		}
		if err := s.db.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *LevelStore) Load(ctx context.Context) ([]textindex.Entry, error) {
	res, err := s.db.Query(ctx, dsq.Query{Prefix: levelPrefix})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var entries []textindex.Entry
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return entries, r.Error
		}
		var e textindex.Entry
		if err := cborDec.Unmarshal(r.Value, &e); err != nil {
			s.logger.Error("Failed to deserialize index entry, skipping", "key", r.Key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *LevelStore) Close() error { return s.db.Close() }
