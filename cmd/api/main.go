package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iotportal/internal/auth"
	"iotportal/internal/config"
	"iotportal/internal/db"
	"iotportal/internal/httpapi"
	"iotportal/internal/ingest"
	"iotportal/internal/logging"
	"iotportal/internal/mirror"
	"iotportal/internal/realtime"
	"iotportal/internal/store"
	"iotportal/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal("config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st   store.Store
		pool *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := store.NewMemory()
		if cfg.DemoOwner != "" {
			d, err := mem.CreateDevice(ctx, telemetry.Device{Name: "demo", OwnerID: cfg.DemoOwner})
			if err != nil {
				logger.Fatal("seed demo device", zap.Error(err))
			}
			logger.Info("seeded demo device", zap.String("device_id", d.ID.String()), zap.String("owner_id", d.OwnerID))
		}
		st = mem
	default:
		pool, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db", zap.Error(err))
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
	}

	var authn auth.Authenticator
	switch cfg.AuthMode {
	case config.AuthAPIKey:
		authn = auth.NewAPIKeys(pool, cfg.APIKeyPepper)
	default:
		authn, err = auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			logger.Fatal("auth", zap.Error(err))
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	liveMetrics := realtime.NewMetrics(promReg)
	registry := realtime.NewRegistry()
	mgr := realtime.NewManager(registry, cfg.LiveSendBuffer, liveMetrics, logger)
	br := realtime.NewBroadcaster(registry, mgr, cfg.PublishQueue, liveMetrics, logger)

	brDone := make(chan struct{})
	brCtx, stopBroadcaster := context.WithCancel(context.Background())
	go func() {
		defer close(brDone)
		br.Run(brCtx)
	}()

	opts := []ingest.Option{ingest.WithRegisterer(promReg)}
	if cfg.InfluxURL != "" {
		influx := mirror.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
		defer influx.Close()
		opts = append(opts, ingest.WithMirror(influx))
		logger.Info("influx mirror enabled", zap.String("url", cfg.InfluxURL), zap.String("bucket", cfg.InfluxBucket))
	}
	svc := ingest.NewService(st, br, logger, opts...)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Service:            svc,
			Simulator:          ingest.NewSimulator(svc),
			Auth:               authn,
			Manager:            mgr,
			LivePingInterval:   time.Duration(cfg.LivePingSeconds) * time.Second,
			Gatherer:           promReg,
			Log:                logger,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store),
			zap.String("auth", cfg.AuthMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by Shutdown.
	mgr.CloseAll()
	stopBroadcaster()
	<-brDone
}
