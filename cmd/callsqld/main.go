package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/koustreak/callsql/internal/callable"
	"github.com/koustreak/callsql/internal/config"
	"github.com/koustreak/callsql/internal/database/drivers"
	"github.com/koustreak/callsql/internal/filestore/minio"
	"github.com/koustreak/callsql/internal/logger"
	"github.com/koustreak/callsql/internal/server"
)

func main() {
	configPath := flag.String("config", "callsql.yaml", "path to the YAML config file")
	flag.Parse()

	logger.SetGlobal(logger.New(&logger.Config{Level: "info", Format: "console", Output: os.Stderr}))

	if err := run(*configPath); err != nil {
		logger.Global().With().Err(err).Logger().Error("callsqld stopped")
		os.Exit(1)
	}
}

// run serves until a signal arrives or the listener fails. Every resource it
// opens is closed before it returns.
func run(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(&cfg.Log)
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := drivers.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}
	defer db.Close()

	exec := callable.NewExecutor(
		callable.WithStatementOptions(cfg.Database.Statement),
		callable.WithLogger(log),
	)

	var opts []server.Option
	if cfg.Archive.Enabled() {
		store, err := minio.New(ctx, &cfg.Archive)
		if err != nil {
			return fmt.Errorf("connect archive at %s: %w", cfg.Archive.Endpoint, err)
		}
		defer store.Close()
		opts = append(opts, server.WithArchive(store, cfg.Archive))
		log.Info(fmt.Sprintf("archiving results to bucket %s", cfg.Archive.Bucket))
	}

	srv := server.New(db, exec, log, cfg.Server, opts...).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info(fmt.Sprintf("callsqld listening on %s (%s)", srv.Addr, cfg.Database.Driver))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.With().Err(err).Logger().Error("shutdown error")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
