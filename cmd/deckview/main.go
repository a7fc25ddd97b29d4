// Command deckview serves the run viewer: the godeck ledger's runs and
// steps as HTML, plus composite reports and delivered artifacts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/godeck/internal/config"
	"github.com/me/godeck/internal/logging"
	"github.com/me/godeck/internal/store"
	"github.com/me/godeck/internal/ui"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to a YAML configuration file")
		addr       = flag.String("addr", "", "Listen address (overrides config)")
		storePath  = flag.String("store", "", "Run ledger database path (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "Log format (text, json)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Viewer.Addr = *addr
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if cfg.StorePath == "" {
		fmt.Fprintln(os.Stderr, "deckview needs a run ledger: pass --store or set store_path in the configuration")
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(cfg.StorePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate ledger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("ledger ready", "path", cfg.StorePath)

	viewer := ui.New(st, logger)
	httpServer := &http.Server{
		Addr:    cfg.Viewer.Addr,
		Handler: viewer.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("viewer starting", "addr", cfg.Viewer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("viewer failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("viewer stopped")
}
