package commands

import (
	"fmt"
	"log/slog"
	"os"

	"swarmd/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "swarmd",
	Short:         "Swarming download engine",
	SilenceUsage:  true,
	SilenceErrors: false,
	// La configuration est chargée avant chaque sous-commande.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:     cfg.LogLevel,
			AddSource: cfg.LogLevel <= slog.LevelDebug,
		}))
		slog.SetDefault(logger)
		return nil
	},
}

// Execute est le point d'entrée de la ligne de commande.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./swarmd.yaml or $HOME/.swarmd/swarmd.yaml)")
	flags.String("download-dir", "", "directory holding partial downloads")
	flags.String("index-backend", "", "index backend: text, bolt or leveldb")
	flags.String("index-path", "", "path of the download index")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	bindings := map[string]string{
		"download.dir":  "download-dir",
		"index.backend": "index-backend",
		"index.path":    "index-path",
		"log.level":     "log-level",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}
