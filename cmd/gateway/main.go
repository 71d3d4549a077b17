package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/cache"
	"github.com/ral-facilities/datagateway-go/internal/cache/redisstore"
	"github.com/ral-facilities/datagateway-go/internal/cache/sizecache"
	"github.com/ral-facilities/datagateway-go/internal/cartevents"
	"github.com/ral-facilities/datagateway-go/internal/core/catalog"
	"github.com/ral-facilities/datagateway-go/internal/core/config"
	"github.com/ral-facilities/datagateway-go/internal/core/health"
	"github.com/ral-facilities/datagateway-go/internal/core/httpclient"
	"github.com/ral-facilities/datagateway-go/internal/core/observability"
	"github.com/ral-facilities/datagateway-go/internal/core/router"
	"github.com/ral-facilities/datagateway-go/internal/core/server"
	"github.com/ral-facilities/datagateway-go/internal/core/session"
	"github.com/ral-facilities/datagateway-go/internal/download"
	"github.com/ral-facilities/datagateway-go/internal/invalidation/kafkaconsumer"
	"github.com/ral-facilities/datagateway-go/internal/logger"
	"github.com/ral-facilities/datagateway-go/internal/metrics"
	"github.com/ral-facilities/datagateway-go/internal/query/codec"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding the listen address and facility via flags
	addrFlag := flag.String("addr", "", "listen address")
	facilityFlag := flag.String("facility", "", "facility name")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}
	if *facilityFlag != "" {
		cfg.Upstream.Facility = strings.TrimSpace(*facilityFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
		SampleN:   cfg.Log.SampleN,
		Facility:  cfg.Upstream.Facility,
		Component: "gateway",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.SetFacility(cfg.Upstream.Facility)
	observability.ExposeBuildInfo(Version)
	appLog.Info("starting gateway",
		"addr", cfg.Addr,
		"version", Version,
		"catalog", cfg.Upstream.CatalogURL,
		"download", cfg.Upstream.DownloadURL,
		"facility", cfg.Upstream.Facility)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   os.Getenv("BUILD_VERSION"),
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(nil, true)
		metricsHandler = p.Handler()
		go serveMetrics(ctx, appLog, cfg.Metrics.Addr, cfg.Metrics.Path, metricsHandler)
	} else {
		observability.Init(nil, false)
	}

	tokens := session.FromRequest(session.Static(cfg.Upstream.SessionToken))
	httpClient := httpclient.NewOutbound()

	cat, err := catalog.New(appLog, httpClient, cfg.Upstream.CatalogURL, tokens)
	if err != nil {
		appLog.Error("failed to initialize catalog client", "err", err)
		return 1
	}
	dl, err := download.New(appLog, httpClient, download.Config{
		APIURL:   cfg.Upstream.DownloadURL,
		IDSURL:   cfg.Upstream.IDSURL,
		Facility: cfg.Upstream.Facility,
	}, tokens, cat)
	if err != nil {
		appLog.Error("failed to initialize download client", "err", err)
		return 1
	}

	var checks []health.Check
	var sizes *sizecache.Cache
	if cfg.SizeCache.Enabled {
		var l2 cache.Interface
		if cfg.SizeCache.RedisAddr != "" {
			rc, err := redisstore.New(ctx, cfg.SizeCache.RedisAddr,
				redisstore.WithReadTimeout(cfg.SizeCache.OpTimeout),
				redisstore.WithWriteTimeout(cfg.SizeCache.OpTimeout))
			if err != nil {
				appLog.Error("redis unavailable", "addr", cfg.SizeCache.RedisAddr, "err", err)
				return 1
			}
			defer func() { _ = rc.Close() }()
			l2 = rc
			checks = append(checks, health.Check{Name: "redis", Fn: rc.Ping})
		}
		sizes = sizecache.New(l2, appLog, sizecache.Options{
			Facility:  cfg.Upstream.Facility,
			TTL:       cfg.SizeCache.TTL,
			CountTTL:  cfg.SizeCache.CountTTL,
			L1Size:    cfg.SizeCache.LRUSize,
			OpTimeout: cfg.SizeCache.OpTimeout,
		})

		if cfg.Kafka.InvalidationEnabled {
			kc := kafkaconsumer.New(
				kafkaconsumer.DefaultConfig(cfg.Kafka.Brokers, cfg.Kafka.InvalidationTopic, cfg.Kafka.GroupID),
				appLog, sizes)
			if err := kc.Start(ctx); err != nil {
				appLog.Error("invalidation consumer failed to start", "err", err)
				return 1
			}
			defer kc.Stop()
			checks = append(checks, health.FromReporter("invalidation", kc))
		}
	}

	var events cartevents.Publisher = cartevents.Nop{}
	if cfg.Kafka.CartEventsEnabled {
		kp, err := cartevents.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.CartEventsTopic, 1024, appLog)
		if err != nil {
			appLog.Error("cart event producer failed to start", "err", err)
			return 1
		}
		events = kp
	}
	defer func() { _ = events.Close() }()

	h := server.NewHandler(appLog, router.Deps{
		Logger:    appLog,
		Facility:  cfg.Upstream.Facility,
		Codec:     codec.New(appLog),
		Catalog:   cat,
		Downloads: dl,
		Sizes:     sizes,
		Events:    events,
		Limits: router.Limits{
			FileCountMax: cfg.Cart.FileCountMax,
			TotalSizeMax: cfg.Cart.TotalSizeMax,
		},
		LookupTimeout: cfg.Cart.LookupTimeout,
		WaitTimeout:   cfg.Cart.WaitTimeout,
	}, server.Options{
		Facility: cfg.Upstream.Facility,
		Metrics:  metricsHandler,
		Checks:   checks,
	})

	if err := server.Run(ctx, cfg.Addr, appLog, h); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func serveMetrics(ctx context.Context, l *slog.Logger, addr, path string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Warn("metrics shutdown error", "err", err)
		}
	}()
	l.Info("metrics listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("metrics server exited", "err", err)
	}
}
