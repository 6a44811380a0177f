package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hitrelay/internal/admin"
	"github.com/austindbirch/hitrelay/internal/auth"
	"github.com/austindbirch/hitrelay/internal/config"
	"github.com/austindbirch/hitrelay/internal/delivery"
	"github.com/austindbirch/hitrelay/internal/health"
	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/ingest"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/metrics"
	"github.com/austindbirch/hitrelay/internal/queue"
	"github.com/austindbirch/hitrelay/internal/replay"
	"github.com/austindbirch/hitrelay/internal/storage"
	"github.com/austindbirch/hitrelay/internal/tracing"
)

// storageOptions maps the env config onto the storage driver options.
func storageOptions(cfg config.Config) storage.Options {
	return storage.Options{
		Driver:    cfg.Storage.Driver,
		Namespace: storage.Namespace{Name: cfg.Storage.Name, Version: cfg.Storage.Version},
		DSN:       cfg.DSN(),
		RedisURL:  cfg.Storage.RedisURL,
	}
}

// newValidator returns nil when admin auth is not configured.
func newValidator(ctx context.Context, a config.Auth) (*auth.JWTValidator, error) {
	switch {
	case a.PublicKeyPEM != "":
		return auth.NewJWTValidator(a.PublicKeyPEM, a.Issuer, a.Audience)
	case a.JWKSURL != "":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(ctx, a.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, a.Issuer, a.Audience), nil
	default:
		return nil, nil
	}
}

type routes struct {
	collect   *ingest.Handler
	admin     *admin.Handler
	validator *auth.JWTValidator
	store     storage.Pinger
	depth     health.DepthFunc
	registry  *prometheus.Registry
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health.HTTPHandler(rt.store, rt.depth))
	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	rt.collect.Register(r)
	r.Mount("/admin", rt.admin.Routes(rt.validator))
	return r
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New(cfg.AppName + "-relay")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("unknown LOG_LEVEL, using info")
	}

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Options{
		ServiceName: cfg.AppName + "-relay",
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: 1,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	store, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		logger.Plain().WithError(err).WithField("driver", cfg.Storage.Driver).Fatal("storage open failed")
	}
	defer store.Close()

	codec, err := hit.CodecByName(cfg.Storage.Codec)
	if err != nil {
		logger.Plain().Fatalf("unknown STORAGE_CODEC %q: %v", cfg.Storage.Codec, err)
	}
	q := queue.New(queue.Config{Store: store, Codec: codec, Logger: logger})
	sender := delivery.NewHTTPSender(cfg.DeliveryTimeout)

	// DLQ producer
	var dlq delivery.Publisher
	if cfg.NSQ.PublishDLQ {
		p, err := delivery.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer p.Stop()
		dlq = p
	}

	engine := replay.New(replay.Config{
		Queue:             q,
		Sender:            sender,
		StopRetryingAfter: cfg.Replay.StopRetryingAfter,
		ParamOverrides:    cfg.Replay.ParamOverrides,
		DeadLetters:       dlq,
		Logger:            logger,
	})
	wrapper := delivery.NewWrapper(sender, q, logger)
	wrapper.OnConnectivityRestored(engine.Trigger)

	collect, err := ingest.NewHandler(cfg.UpstreamURL, wrapper, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("bad UPSTREAM_URL")
	}
	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("admin auth setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("JWT_PUBLIC_KEY and JWT_JWKS_URL unset, admin API is unauthenticated")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	pinger, _ := store.(storage.Pinger)
	httpSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: newRouter(routes{
			collect:   collect,
			admin:     admin.NewHandler(q, engine, logger),
			validator: validator,
			store:     pinger,
			depth:     q.Len,
			registry:  reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().Infof("relay HTTP server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	// gRPC health
	grpcSrv, hs := health.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("relay gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Errorf("gRPC server on %s stopped", cfg.GRPCPort)
		}
	}()
	go health.Watch(ctx, hs, pinger, 15*time.Second)

	// Replay triggers
	go engine.Run(ctx)
	go replay.RunTicker(ctx, engine, cfg.Replay.Interval)
	probe := &replay.Probe{URL: cfg.Replay.ProbeURL, Interval: cfg.Replay.ProbeInterval, Logger: logger}
	go probe.Run(ctx, engine)

	var trigger *replay.NSQTrigger
	if cfg.NSQ.TriggerTopic != "" {
		trigger, err = startNSQTrigger(cfg.NSQ, engine, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq trigger consumer failed")
		}
	}

	// hits left over from a previous run
	engine.Trigger()
	logger.Plain().
		WithField("upstream", cfg.UpstreamURL).
		WithField("storage", cfg.Storage.Driver).
		WithField("stop_retrying_after", cfg.Replay.StopRetryingAfter.String()).
		Info("relay service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay service")
	if trigger != nil {
		trigger.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	grpcSrv.GracefulStop()
	logger.Plain().Info("relay service stopped")
}

func startNSQTrigger(cfg config.NSQ, engine *replay.Engine, logger *logging.Logger) (*replay.NSQTrigger, error) {
	trigger, err := replay.NewNSQTrigger(cfg.TriggerTopic, cfg.TriggerChannel, engine, logger)
	if err != nil {
		return nil, err
	}
	// Connecting directly to nsqd creates the channel up front
	if err := trigger.ConnectNSQD(cfg.NsqdTCPAddr); err != nil {
		return nil, fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := trigger.ConnectLookupd(cfg.LookupHTTPAddr); err != nil {
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return trigger, nil
}
