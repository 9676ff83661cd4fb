// Command saunalogd runs the telemetry sync worker and serves the saunalog gRPC API.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/saunalog/internal/api"
	"github.com/and161185/saunalog/internal/config"
	"github.com/and161185/saunalog/internal/crypto"
	"github.com/and161185/saunalog/internal/detect"
	"github.com/and161185/saunalog/internal/events"
	"github.com/and161185/saunalog/internal/limiter"
	"github.com/and161185/saunalog/internal/lock"
	"github.com/and161185/saunalog/internal/metrics"
	"github.com/and161185/saunalog/internal/migrate"
	"github.com/and161185/saunalog/internal/remote"
	"github.com/and161185/saunalog/internal/repository/postgres"
	grpcserver "github.com/and161185/saunalog/internal/server/grpc"
	"github.com/and161185/saunalog/internal/server/ops"
	"github.com/and161185/saunalog/internal/service"
	"github.com/and161185/saunalog/internal/worker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Server.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run wires every component and blocks until ctx is cancelled or a server fails.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DB.DSN, logger); err != nil {
		return err
	}

	db, err := postgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	sealer, err := crypto.NewSealer([]byte(cfg.Secrets.TokenKey))
	if err != nil {
		return err
	}

	// Repositories
	devices := postgres.NewDeviceRepo(db)
	creds := postgres.NewCredentialRepo(db, sealer)
	measurements := postgres.NewMeasurementRepo(db)
	sessions := postgres.NewSessionRepo(db)
	checkpoints := postgres.NewCheckpointRepo(db)
	lim := limiter.NewPGWithQuerier(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Vendor
	hc := remote.NewHTTPClient(cfg.Vendor.HTTPTimeout)
	endpoints := remote.NewResolver(hc, cfg.Vendor.BaseURL, cfg.Vendor.DiscoveryURL, cfg.Vendor.MaxFailures)
	vendor := remote.New(hc, endpoints, cfg.Vendor.PageSize)

	// Events
	var pub events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		n, err := events.NewNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		defer n.Close()
		pub = n
	}

	// Device locks
	var locker lock.Locker = lock.NewLocal()
	readiness := map[string]ops.Pinger{"postgres": db}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL, logger.Named("lock"))
		readiness["redis"] = redisPinger{rdb}
	}

	// Services
	tokens := service.NewTokenManager(creds, vendor, lim, logger)
	syncEngine := service.NewSyncEngine(measurements, creds, tokens, vendor, remote.Vendor, logger,
		service.WithFallbackOwner(cfg.FallbackOwner()), service.WithSyncMetrics(m))
	finalizer := service.NewFinalizer(measurements, sessions, pub, m, logger)
	detector := service.NewDetector(measurements, sessions, checkpoints, finalizer, pub, m, detectConfig(cfg), cfg.Detector.PageSize, logger)
	accountSvc := service.NewAccountService(creds, devices, vendor, tokens, remote.Vendor, logger)
	sessionSvc := service.NewSessionService(devices, sessions, measurements, finalizer, 0, logger)

	w := worker.New(devices, syncEngine, detector, locker, m, worker.Config{
		Interval:      cfg.Worker.Interval,
		DeviceTimeout: cfg.Worker.DeviceTimeout,
		Concurrency:   cfg.Worker.Concurrency,
	}, logger.Named("worker"))

	// gRPC server with interceptors
	app := grpcserver.New(accountSvc, sessionSvc, []byte(cfg.Server.JWTKey))
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			app.AuthUnary(),
		),
	}
	if cfg.Server.TLSCert != "" {
		tc, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(tc))
	}
	s := grpc.NewServer(opts...)
	api.RegisterSessionsServer(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Server.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", cfg.Server.TLSCert != ""))
		return s.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})
	g.Go(func() error {
		h := ops.Router(ops.RouterOptions{Gatherer: reg, Ready: readiness, Log: logger})
		err := ops.Serve(gctx, cfg.Ops.Addr, h, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return w.Run(gctx) })

	return g.Wait()
}

func detectConfig(cfg *config.Config) detect.Config {
	d := cfg.Detector
	return detect.Config{
		ActivityThreshold:      d.ActivityThreshold,
		WarmThreshold:          d.WarmThreshold,
		MinActivitySpan:        d.MinActivitySpan,
		MinActivitySamples:     d.MinActivitySamples,
		ActivityWindow:         d.ActivityWindow,
		InactivityEndThreshold: d.InactivityEndThreshold,
	}
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
