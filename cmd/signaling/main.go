package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/handlers"
	"github.com/mossy-p/webrtc-roulette/internal/redis"
	"github.com/mossy-p/webrtc-roulette/internal/util"
)

func main() {
	if err := run(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := util.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Presence is optional; without Redis the relay keeps everything in memory.
	var presence redis.Presence = redis.Noop{}
	if cfg.RedisEnabled {
		client, err := redis.Connect(ctx, cfg.Redis())
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		presence = client
		util.LogInfo("Redis connection established")
	}
	defer presence.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := handlers.NewHub(cfg, presence)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(cfg, hub),
	}

	serveErr := make(chan error, 1)
	go func() {
		util.LogInfo("Starting matchmaking relay on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("failed to start server: %w", err)
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	util.LogInfo("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
