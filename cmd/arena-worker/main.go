// Package main provides the arena1 worker daemon: the authority tier that
// hosts rooms, runs their fixed-tick simulations, and serves the unary RPC
// surface the gateway calls.
//
// Startup sequence: Config -> Logging -> Service -> Router -> Serve
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arena1/config"
	"arena1/database"
	"arena1/logging"
	"arena1/worker"
)

func main() {
	// Configuration initialization: Flags > Environment > .env > Defaults
	if err := config.Initialize(); err != nil {
		// Cannot use structured logging before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Configuration initialization failed: %v\n", err)
		os.Exit(1)
	}

	logConfig := &logging.Config{
		Level:        config.Config.Logging.Level,
		TraceModules: config.Config.Logging.TraceModules,
		LogDir:       config.Config.Logging.LogDir,
	}
	if err := logging.ApplyConfig(logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Optional record-store collaborator
	var store *database.Store
	if config.GetDatabaseEnabled() {
		db, err := database.NewConnection()
		if err != nil {
			logging.Fatal("record store startup failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		defer db.Close()
		if err := db.InitializeSchema(); err != nil {
			logging.Fatal("record store schema failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		store = database.NewStore(db)
	}

	sink := worker.NewHTTPSink()
	service := worker.NewService(store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	bindAddr := fmt.Sprintf("%s:%s", config.GetWorkerHost(), config.GetWorkerPort())
	server := &http.Server{
		Addr:    bindAddr,
		Handler: service.NewRouter(),
	}

	logging.Info("arena1 worker starting", map[string]interface{}{
		"address":   bindAddr,
		"tick_rate": config.GetTickRate(),
		"maps_dir":  config.GetMapsDir(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("worker server failed", map[string]interface{}{
			"address": bindAddr,
			"error":   err.Error(),
		})
		os.Exit(1)
	case sig := <-sigCh:
		logging.Info("worker shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	service.Shutdown()
}
