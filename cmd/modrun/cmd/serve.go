package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datadeck/modrun"
	"github.com/datadeck/modrun/modules/alerts"
	"github.com/datadeck/modrun/modules/backup"
)

// NewServeCommand builds the serve subcommand, which runs the runtime
// with the built-in modules and the HTTP admin surface.
func NewServeCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the module runtime",
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			return runServe(configPath, listenAddr)
		},
	}

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "runtime config file (TOML or YAML)")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8420", "HTTP listen address")
	return serveCmd
}

func runServe(configPath, listenAddr string) error {
	cfg := modrun.DefaultRuntimeConfig()
	if configPath != "" {
		loaded, err := modrun.LoadRuntimeConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := modrun.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	rt := modrun.NewRuntime(cfg, logger)

	if err := registerBuiltins(rt); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("admin API listening", "addr", listenAddr)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		_ = rt.Shutdown(context.Background(), true)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := rt.Shutdown(shutdownCtx, false); err != nil {
		logger.Warn("graceful shutdown failed, forcing", "error", err)
		return rt.Shutdown(shutdownCtx, true)
	}
	return nil
}

// registerBuiltins registers the built-in modules and a static
// inventory so a bare config still produces a usable runtime.
func registerBuiltins(rt *modrun.Runtime) error {
	rt.RegisterConstructor(alerts.ModuleName, alerts.New)
	rt.RegisterConstructor(backup.ModuleName, backup.NewConstructor(rt))

	for _, manifest := range []*modrun.ModuleManifest{alerts.Manifest(), backup.Manifest()} {
		if err := rt.Registry().Register(manifest, "builtin"); err != nil {
			return fmt.Errorf("registering builtin %s: %w", manifest.Name, err)
		}
	}

	rt.Population().RegisterResolver("cluster", modrun.NewStaticResolver())
	return nil
}
