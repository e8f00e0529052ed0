package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ptschedule/internal/api"
	"ptschedule/internal/availability"
	"ptschedule/internal/booking"
	"ptschedule/internal/config"
	"ptschedule/internal/conflict"
	"ptschedule/internal/database"
	"ptschedule/internal/metrics"
	"ptschedule/internal/schedulechange"
	"ptschedule/internal/workinghours"
	"ptschedule/shared/audit"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()
	if cfg.Database.MaxOpenConns > 0 && cfg.Database.Driver != database.DriverSQLite {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	loc := cfg.Location()
	now := time.Now
	resolverOpts := []availability.Option{
		availability.WithLookahead(cfg.LookaheadWeeks()),
		availability.WithLocation(loc),
	}
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		resolverOpts = append(resolverOpts, availability.WithCache(availability.NewCache(rdb, cfg.AvailabilityTTL())))
	}

	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if cfg.Audit.NatsURL != "" {
		natsSink, nc, err := audit.ConnectNats(cfg.Audit.NatsURL, cfg.AuditSubject())
		if err != nil {
			logger.Error().Err(err).Str("url", cfg.Audit.NatsURL).Msg("nats unavailable, audit events go to the log only")
		} else {
			defer nc.Close()
			sinks = append(sinks, natsSink)
		}
	}
	recorder := audit.NewRecorder(audit.DefaultConfig(), logger, sinks...)
	recorder.Start()
	defer recorder.Stop()

	registry := workinghours.NewRegistry(db, logger)
	resolver := availability.NewResolver(db, logger, resolverOpts...)
	detector := conflict.NewDetector(db, registry, resolver, loc, now, logger)
	svc := api.Services{
		Registry: registry,
		Resolver: resolver,
		Offs:     availability.NewOffService(db, resolver, logger),
		Detector: detector,
		Booking:  booking.NewService(db, detector, resolver, recorder, loc, now, logger),
		Changes:  schedulechange.NewService(db, detector, resolver, recorder, cfg.ChangeRequestTTL(), loc, now, logger),
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, db, rdb, &logger)

	if cfg.Monitoring.GRPCHealthPort > 0 {
		go startGRPCHealthServer(ctx, cfg.Monitoring.GRPCHealthPort, db, &logger)
	}

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	go schedulechange.NewExpirer(db, cfg.ExpiryReconcileInterval(), logger).Start(ctx)
	go database.NewBackupService(db, cfg.Backup, cfg.BackupInterval(), logger).Start(ctx)

	server := api.NewHTTPServer(api.Options{
		Address:       cfg.HTTPAddress(),
		APIKey:        cfg.HTTP.APIKey,
		RatePerSecond: cfg.HTTP.RatePerSecond,
		Burst:         cfg.HTTP.Burst,
	}, svc, logger)

	logger.Info().Str("driver", cfg.Database.Driver).Str("timezone", loc.String()).Msg("ptschedule started")
	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("http server error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if strings.EqualFold(cfg.Log.Format, "json") {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func startHealthServer(ctx context.Context, port int, db *database.DB, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("health server error")
	}
}

// startGRPCHealthServer serves grpc.health.v1 and flips to NOT_SERVING when
// the database stops answering.
func startGRPCHealthServer(ctx context.Context, port int, db *database.DB, logger *zerolog.Logger) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error().Err(err).Int("port", port).Msg("grpc health listen error")
		return
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			ctxPing, cancel := context.WithTimeout(ctx, time.Second)
			if err := db.PingContext(ctxPing); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()
			hs.SetServingStatus("", status)

			select {
			case <-ctx.Done():
				hs.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()

	logger.Info().Str("addr", lis.Addr().String()).Msg("grpc health server starting")
	if err := srv.Serve(lis); err != nil {
		logger.Error().Err(err).Msg("grpc health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
