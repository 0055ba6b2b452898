package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mediaqueue/api"
	"mediaqueue/config"
	"mediaqueue/ffmpeg"
	"mediaqueue/logging"
	"mediaqueue/store"
	"mediaqueue/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to prepare data directories: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer st.Close()

	runner, err := ffmpeg.NewRunner(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize transcoder runner: %v", err)
	}

	router := api.SetupRouter(st, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for n := 0; n < workers; n++ {
		go worker.New(cfg, st, runner, logger, n).Run(ctx)
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "workers", workers)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("server exiting")
}
