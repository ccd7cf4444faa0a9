package registry

import (
	"context"
	"log/slog"
	"time"
)

// FlusherConfig règle les minuteries de fond.
type FlusherConfig struct {
	Interval    time.Duration // sauvegarde des enregistrements modifiés
	DHTInterval time.Duration // minuterie lente des requêtes DHT
	Logger      *slog.Logger
}

func (c *FlusherConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.DHTInterval <= 0 {
		c.DHTInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "flusher")
	}
}

// Flusher sauvegarde périodiquement le registre et relance la DHT.
type Flusher struct {
	reg    *Registry
	config FlusherConfig
}

func NewFlusher(reg *Registry, config FlusherConfig) *Flusher {
	config.setDefaults()
	return &Flusher{reg: reg, config: config}
}

// Run tourne jusqu'à l'annulation de ctx, puis force une dernière
// sauvegarde.
func (f *Flusher) Run(ctx context.Context) error {
	store := time.NewTicker(f.config.Interval)
	defer store.Stop()
	dht := time.NewTicker(f.config.DHTInterval)
	defer dht.Stop()

	f.config.Logger.Info("Flusher started", "interval", f.config.Interval, "dht_interval", f.config.DHTInterval)
	for {
		select {
		case <-ctx.Done():
			f.config.Logger.Info("Flusher stopping, final save")
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return f.reg.Store(final, true)
		case <-store.C:
			if err := f.reg.Store(ctx, false); err != nil {
				f.config.Logger.Error("Periodic save failed", "error", err)
			}
		case <-dht.C:
			f.reg.DHTTick()
		}
	}
}
