// Package config charge la configuration du démon swarmd : valeurs par
// défaut, fichier YAML facultatif et variables d'environnement SWARMD_*.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"swarmd/internal/allocator"
	"swarmd/internal/indexstore"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
)

const EnvPrefix = "SWARMD"

var ErrInvalid = errors.New("invalid configuration")

// Config est la configuration complète du démon.
type Config struct {
	DownloadDir   string
	IndexBackend  string
	IndexPath     string
	StoreDelay    time.Duration
	FlushInterval time.Duration
	DHTInterval   time.Duration
	StrictSHA1    bool
	StatusListen  string
	StatusCert    string
	StatusKey     string
	LogLevel      slog.Level
	Allocator     AllocatorConfig
}

// AllocatorConfig reprend les réglages de l'allocateur, tailles en octets.
type AllocatorConfig struct {
	MinChunk         datasize.ByteSize
	MaxChunk         datasize.ByteSize
	PipelineMaxChunk datasize.ByteSize
	MinSplit         datasize.ByteSize
	FirstChunk       datasize.ByteSize
	LastChunk        datasize.ByteSize
	ShareThreshold   datasize.ByteSize
	Pipelining       bool
	Aggressive       bool
	PartialSharing   bool
	Verify           bool
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".swarmd")

	v.SetDefault("download.dir", filepath.Join(base, "incomplete"))
	v.SetDefault("index.backend", indexstore.BackendText)
	v.SetDefault("index.path", filepath.Join(base, "fileinfo"))
	v.SetDefault("store.delay", "60s")
	v.SetDefault("store.flush_interval", "10s")
	v.SetDefault("dht.interval", "1m")
	v.SetDefault("lookup.strict_sha1", false)
	v.SetDefault("status.listen", "127.0.0.1:7300")
	v.SetDefault("status.cert", "")
	v.SetDefault("status.key", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("allocator.min_chunk", "512KB")
	v.SetDefault("allocator.max_chunk", "10MB")
	v.SetDefault("allocator.pipeline_max_chunk", "2MB")
	v.SetDefault("allocator.min_split", "512B")
	v.SetDefault("allocator.first_chunk", "0B")
	v.SetDefault("allocator.last_chunk", "0B")
	v.SetDefault("allocator.share_threshold", "0B")
	v.SetDefault("allocator.pipelining", false)
	v.SetDefault("allocator.aggressive", true)
	v.SetDefault("allocator.partial_sharing", false)
	v.SetDefault("allocator.verify", false)
}

// Load prépare v (défauts, chemins de recherche, environnement), lit le
// fichier de configuration s'il existe et renvoie la configuration.
// cfgFile force un fichier précis.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".swarmd"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("swarmd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Decode(v)
}

// Decode construit la configuration à partir des clés de v.
func Decode(v *viper.Viper) (*Config, error) {
	c := &Config{
		DownloadDir:  v.GetString("download.dir"),
		IndexBackend: v.GetString("index.backend"),
		IndexPath:    v.GetString("index.path"),
		StrictSHA1:   v.GetBool("lookup.strict_sha1"),
		StatusListen: v.GetString("status.listen"),
		StatusCert:   v.GetString("status.cert"),
		StatusKey:    v.GetString("status.key"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"store.delay", &c.StoreDelay},
		{"store.flush_interval", &c.FlushInterval},
		{"dht.interval", &c.DHTInterval},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
	}

	sizes := []struct {
		key string
		dst *datasize.ByteSize
	}{
		{"allocator.min_chunk", &c.Allocator.MinChunk},
		{"allocator.max_chunk", &c.Allocator.MaxChunk},
		{"allocator.pipeline_max_chunk", &c.Allocator.PipelineMaxChunk},
		{"allocator.min_split", &c.Allocator.MinSplit},
		{"allocator.first_chunk", &c.Allocator.FirstChunk},
		{"allocator.last_chunk", &c.Allocator.LastChunk},
		{"allocator.share_threshold", &c.Allocator.ShareThreshold},
	}
	for _, s := range sizes {
		if *s.dst, err = datasize.ParseString(v.GetString(s.key)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, s.key, err)
		}
	}
	c.Allocator.Pipelining = v.GetBool("allocator.pipelining")
	c.Allocator.Aggressive = v.GetBool("allocator.aggressive")
	c.Allocator.PartialSharing = v.GetBool("allocator.partial_sharing")
	c.Allocator.Verify = v.GetBool("allocator.verify")

	if err := c.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	if c.Allocator.MaxChunk < c.Allocator.MinChunk {
		return nil, fmt.Errorf("%w: max_chunk %s below min_chunk %s", ErrInvalid,
			c.Allocator.MaxChunk.HumanReadable(), c.Allocator.MinChunk.HumanReadable())
	}
	switch c.IndexBackend {
	case indexstore.BackendText, indexstore.BackendBolt, indexstore.BackendLevelDB:
	default:
		return nil, fmt.Errorf("%w: index.backend %q", ErrInvalid, c.IndexBackend)
	}
	return c, nil
}

// AllocatorSettings convertit la section allocateur.
func (c *Config) AllocatorSettings(logger *slog.Logger) allocator.Config {
	a := c.Allocator
	return allocator.Config{
		MinChunk:         a.MinChunk.Bytes(),
		MaxChunk:         a.MaxChunk.Bytes(),
		PipelineMaxChunk: a.PipelineMaxChunk.Bytes(),
		MinSplit:         a.MinSplit.Bytes(),
		FirstChunk:       a.FirstChunk.Bytes(),
		LastChunk:        a.LastChunk.Bytes(),
		ShareThreshold:   a.ShareThreshold.Bytes(),
		Pipelining:       a.Pipelining,
		Aggressive:       a.Aggressive,
		PartialSharing:   a.PartialSharing,
		Verify:           a.Verify,
		Logger:           logger,
	}
}
