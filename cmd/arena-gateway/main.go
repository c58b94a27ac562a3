// Package main provides the arena1 gateway daemon: the edge tier that
// terminates client transports, gates admission, and forwards to the
// authoritative worker.
//
// Startup sequence: Config -> Logging -> Managers -> Router -> Serve
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arena1/auth"
	"arena1/config"
	"arena1/database"
	"arena1/gateway"
	"arena1/logging"
	"arena1/ratelimit"
	"arena1/router"
	"arena1/webrtc"
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

	authManager := auth.NewManager(store)
	limiter := ratelimit.NewLimiter()
	workerClient := gateway.NewWorkerClient()
	hub := gateway.NewHub(workerClient)
	rtcManager := webrtc.NewManager(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Run(ctx)

	mux := router.Setup(hub, authManager, limiter, rtcManager)

	bindAddr := fmt.Sprintf("%s:%s", config.GetGatewayHost(), config.GetGatewayPort())
	server := &http.Server{
		Addr:    bindAddr,
		Handler: mux,
	}

	logging.Info("arena1 gateway starting", map[string]interface{}{
		"version":         config.GetVersion(),
		"address":         bindAddr,
		"worker_endpoint": config.GetWorkerEndpoint(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("gateway server failed", map[string]interface{}{
			"address": bindAddr,
			"error":   err.Error(),
		})
		os.Exit(1)
	case sig := <-sigCh:
		logging.Info("gateway shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	hub.Shutdown()
}
