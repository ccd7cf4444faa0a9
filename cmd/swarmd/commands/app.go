package commands

import (
	"context"
	"fmt"

	"swarmd/internal/indexstore"
	"swarmd/internal/registry"

	"github.com/spf13/afero"
)

// app réunit le registre et son index persistant.
type app struct {
	fs    afero.Fs
	store indexstore.Store
	reg   *registry.Registry
}

// openApp ouvre l'index configuré et y recharge les téléchargements.
func openApp(ctx context.Context) (*app, error) {
	fs := afero.NewOsFs()
	store, err := indexstore.Open(indexstore.Config{
		Backend: cfg.IndexBackend,
		Path:    cfg.IndexPath,
		Fs:      fs,
		Logger:  logger.With("component", "indexstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	reg := registry.New(registry.Config{
		Fs:         fs,
		Store:      store,
		StrictSHA1: cfg.StrictSHA1,
		StoreDelay: cfg.StoreDelay,
		Allocator:  cfg.AllocatorSettings(logger.With("component", "allocator")),
		Logger:     logger.With("component", "registry"),
	})
	n, err := reg.RetrieveAll(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading index: %w", err)
	}
	logger.Debug("Index loaded", "backend", cfg.IndexBackend, "path", cfg.IndexPath, "records", n)
	return &app{fs: fs, store: store, reg: reg}, nil
}

// close sauvegarde l'index puis le ferme.
func (a *app) close(ctx context.Context) error {
	err := a.reg.Store(ctx, true)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
