package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmd/internal/registry"
	"swarmd/internal/statusserver"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveRescan bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the download index and keep it saved, serving status over QUIC",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case sig := <-sigChan:
				logger.Info("Received signal, shutting down", "signal", sig.String())
				cancel()
			case <-ctx.Done():
			}
		}()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		if serveRescan {
			n, err := a.reg.Rescan(ctx, cfg.DownloadDir)
			if err != nil {
				logger.Warn("Rescan failed", "dir", cfg.DownloadDir, "error", err)
			} else {
				logger.Info("Rescan done", "dir", cfg.DownloadDir, "adopted", n)
			}
		}
		logger.Info("swarmd serving", "records", a.reg.Len(), "status_listen", cfg.StatusListen)

		tlsConf, err := statusserver.ServerTLS(cfg.StatusCert, cfg.StatusKey, logger)
		if err != nil {
			a.store.Close()
			return err
		}
		srv, err := statusserver.New(statusserver.Config{
			ListenAddr: cfg.StatusListen,
			TLSConfig:  tlsConf,
			Source:     a.reg,
			Logger:     logger.With("component", "statusserver"),
		})
		if err != nil {
			a.store.Close()
			return err
		}
		flusher := registry.NewFlusher(a.reg, registry.FlusherConfig{
			Interval:    cfg.FlushInterval,
			DHTInterval: cfg.DHTInterval,
			Logger:      logger.With("component", "flusher"),
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return flusher.Run(gctx) })
		g.Go(func() error { return srv.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			return srv.Stop(stopCtx)
		})

		err = g.Wait()
		if cerr := a.store.Close(); cerr != nil {
			logger.Error("Failed to close index cleanly", "error", cerr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("swarmd shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("status-listen", "", "address of the QUIC status listener")
	serveCmd.Flags().BoolVar(&serveRescan, "rescan", false, "adopt orphan partial files of the download directory at startup")
	if err := viper.BindPFlag("status.listen", serveCmd.Flags().Lookup("status-listen")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}
