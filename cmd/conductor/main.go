package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/conductor/pkg/api"
	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/config"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/orchestrator"
	"github.com/fluxorio/conductor/pkg/planner"
	"github.com/fluxorio/conductor/pkg/registry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "CONDUCTOR", cfg); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else if err := config.ApplyEnvOverrides("CONDUCTOR", cfg); err != nil {
		log.Fatalf("failed to apply env overrides: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := core.NewDefaultLogger()
	logger.Info("starting conductor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(cfg.Bus.HistoryCapacity, logger)

	reg := registry.New(b, cfg.SweepInterval(), logger)
	reg.Start(ctx)
	defer reg.Stop()

	// The planner is optional: without an API key the orchestrator
	// falls back to single-step plans.
	var pl orchestrator.Planner
	if client, err := planner.New(cfg.Planner, logger); err != nil {
		logger.Warnf("planner disabled: %v", err)
	} else {
		pl = client
	}

	orch := orchestrator.New(b, reg, pl, logger,
		orchestrator.WithStepTimeout(cfg.StepTimeout()),
		orchestrator.WithStartingConfidence(cfg.Orchestrator.StartingConfidence),
	)

	server := api.New(cfg.HTTP.Addr, b, reg, orch, logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	// Debug surface: websocket trace stream of bus traffic.
	var debugSrv *http.Server
	if cfg.HTTP.DebugAddr != "" {
		trace := api.NewTraceBridge(b, logger)
		mux := http.NewServeMux()
		mux.HandleFunc("/trace", trace.HandleWebSocket)
		debugSrv = &http.Server{Addr: cfg.HTTP.DebugAddr, Handler: mux}
		go func() {
			logger.Infof("debug listening on %s", cfg.HTTP.DebugAddr)
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received signal %v, shutting down", sig)
	case err := <-errCh:
		logger.Errorf("server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if debugSrv != nil {
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("debug shutdown: %v", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("api shutdown: %v", err)
	}
	logger.Info("conductor stopped")
}
