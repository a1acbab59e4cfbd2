package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/eduflow/platform/mediaupload/internal/config"
	"github.com/eduflow/platform/mediaupload/internal/connectors"
	"github.com/eduflow/platform/mediaupload/internal/relay"
	"github.com/eduflow/platform/mediaupload/internal/screen"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("relayd exited")
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadRelay()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dest, err := connectors.Open(ctx, cfg.Destination, filepath.Join(cfg.DataDir, "videos"), log.Logger)
	if err != nil {
		return err
	}

	var limiter relay.Limiter
	if cfg.RateLimited() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		limiter = relay.NewRedisLimiter(rdb, cfg.StatusRateLimit, cfg.StatusRateWindow)
		log.Info().Int("limit", cfg.StatusRateLimit).Dur("window", cfg.StatusRateWindow).Msg("status rate limit enabled")
	}

	scanner := screen.NewRuleScannerFromEnv()
	if scanner == nil {
		log.Warn().Msg("upload screening disabled")
	}

	server, err := relay.NewServer(relay.Options{
		Store:           store,
		Destination:     dest,
		Scanner:         scanner,
		Limiter:         limiter,
		Relay:           cfg.Relay(),
		DataDir:         cfg.DataDir,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		ProcessingDelay: cfg.ProcessingDelay,
		Logger:          log.Logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("relayd gRPC health listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server exited")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("destination", dest.Name()).
			Bool("relay", cfg.Relay()).
			Str("job_store", cfg.JobStore).
			Msg("relayd HTTP listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		grpcServer.Stop()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	grpcServer.GracefulStop()
	return nil
}

func openStore(ctx context.Context, cfg config.Relay) (relay.Store, error) {
	switch cfg.JobStore {
	case config.StorePostgres:
		log.Info().Msg("using postgres job store")
		return relay.OpenPostgres(ctx, cfg.PostgresDSN)
	case config.StoreSQLite:
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite job store")
		return relay.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return relay.NewMemoryStore(), nil
	}
}
