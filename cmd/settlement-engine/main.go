package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/app"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/queue"
	"github.com/atmx/settlement-engine/internal/recovery"
)

const service = "settlement-engine"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           service,
		Short:         "Trade and vault settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, logCloser := config.SetupLogger(cfg.Log)
	defer logCloser.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := events.NewHub(logger)
	deps, err := app.Build(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	background(hub.Run)
	worker := queue.NewWorker(deps.Queue, deps.Trades.SettleJob, cfg.Worker(), logger)
	background(worker.Run)
	sweeper := recovery.NewSweeper(deps.Store, deps.Trades, deps.Vaults, cfg.Sweeper(), logger)
	background(sweeper.Run)

	r := api.NewRouter(api.NewHandler(deps.Store, logger), api.RouterConfig{
		Service:     service,
		Consistency: deps.Runner.Mode().String(),
		Feed:        hub.HandleWS,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(service+" listening", "port", cfg.Server.Port, "consistency", deps.Runner.Mode().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down " + service + "...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	stop()
	wg.Wait()
	fmt.Println(service + " stopped")
	return nil
}
