package indexstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"swarmd/internal/textindex"
	"swarmd/internal/trailer"

	"github.com/spf13/afero"
)

// TextStore garde l'index dans un fichier texte, réécrit entièrement à
// chaque sauvegarde via un fichier temporaire renommé.
type TextStore struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
}

func NewTextStore(fs afero.Fs, path string, logger *slog.Logger) *TextStore {
	if logger == nil {
		logger = slog.Default().With("component", "indexstore", "backend", BackendText)
	}
	return &TextStore{fs: fs, path: path, logger: logger}
}

func (s *TextStore) Save(_ context.Context, entries []textindex.Entry) error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	tmp := s.path + ".new"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if err := textindex.Encode(f, entries); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("installing %s: %w", s.path, err)
	}
	s.logger.Debug("Index saved", "path", s.path, "entries", len(entries))
	return nil
}

func (s *TextStore) Load(_ context.Context) ([]textindex.Entry, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		if trailer.IsNotExist(err) {
			s.logger.Info("No index file yet", "path", s.path)
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return textindex.Decode(f, s.logger)
}

func (s *TextStore) Close() error { return nil }
