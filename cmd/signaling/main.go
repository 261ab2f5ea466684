package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/studyroom/config"
	"github.com/mossy-p/studyroom/internal/handlers"
	"github.com/mossy-p/studyroom/internal/logging"
	"github.com/mossy-p/studyroom/internal/redis"
	"github.com/mossy-p/studyroom/internal/signaling"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logFile, err := logging.Configure(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("failed to configure logger", "err", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg); err != nil {
		slog.Error("signaling server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel, closeChannel, err := openChannel(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeChannel()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(channel, handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Logger:         slog.Default(),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting signaling server", "port", cfg.Port, "backend", cfg.SignalingBackend)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down signaling server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openChannel builds the configured signaling backend and its cleanup
func openChannel(ctx context.Context, cfg *config.Config) (signaling.Channel, func(), error) {
	if cfg.SignalingBackend == config.BackendMemory {
		slog.Warn("using in-memory signaling, sessions are lost on restart")
		mem := signaling.NewMemory()
		return mem, func() { mem.Close() }, nil
	}

	// Connect to Redis
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := redis.Connect(connectCtx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("redis connection established", "addr", cfg.Redis.Addr())

	channel := redis.NewChannel(client,
		redis.WithSessionTTL(cfg.SessionTTL),
		redis.WithLogger(slog.Default().With("component", "redis")),
	)
	return channel, func() { client.Close() }, nil
}
