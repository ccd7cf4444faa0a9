// Package indexstore persiste l'index des téléchargements. Trois supports
// sont disponibles : le fichier texte historique, bbolt et LevelDB.
package indexstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"swarmd/internal/textindex"

	"github.com/spf13/afero"
)

const (
	BackendText    = "text"
	BackendBolt    = "bolt"
	BackendLevelDB = "leveldb"
)

var ErrUnknownBackend = errors.New("unknown index backend")

// Store sauvegarde et relit l'ensemble des strophes de l'index.
type Store interface {
	// Save remplace le contenu persisté par entries.
	Save(ctx context.Context, entries []textindex.Entry) error
	// Load relit les entrées. Un index absent n'est pas une erreur.
	Load(ctx context.Context) ([]textindex.Entry, error)
	Close() error
}

// Config choisit et configure le support.
type Config struct {
	Backend string
	Path    string
	Fs      afero.Fs // utilisé par le support texte
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendText
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "indexstore", "backend", c.Backend)
	}
}

// Open ouvre le support décrit par config.
func Open(config Config) (Store, error) {
	config.setDefaults()
	if config.Path == "" {
		return nil, errors.New("index path must be specified")
	}
	switch config.Backend {
	case BackendText:
		return NewTextStore(config.Fs, config.Path, config.Logger), nil
	case BackendBolt:
		if err := ensureDir(config.Path); err != nil {
			return nil, err
		}
		return NewBoltStore(config.Path, config.Logger)
	case BackendLevelDB:
		if err := ensureDir(config.Path); err != nil {
			return nil, err
		}
		return NewLevelStore(config.Path, config.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
}

// ensureDir crée le répertoire parent des bases bbolt et LevelDB, qui
// écrivent directement sur le disque.
func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	return nil
}
