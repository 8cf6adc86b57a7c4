package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"chatsync/internal/awsutil"
	"chatsync/internal/channel/telegram"
	"chatsync/internal/config"
	"chatsync/internal/dedupe"
	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/logging"
	"chatsync/internal/media"
	"chatsync/internal/observability"
	"chatsync/internal/outbound"
	"chatsync/internal/queue/transport"
	"chatsync/internal/relay"
	"chatsync/internal/safety"
	"chatsync/internal/store/pg"
)

func main() {
	cfg := config.LoadRelay()
	log := logging.Init("relay", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Error("relay db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	tr, err := transport.Open(ctx, cfg.Queue, cfg.AWS, &cfg.Consumer)
	if err != nil {
		log.Error("relay queue init failed", "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	tg, err := telegram.New(telegram.Options{
		Token:       cfg.TelegramToken,
		APIEndpoint: cfg.TelegramEndpoint,
		CallTimeout: cfg.CallTimeout,
		PollTimeout: cfg.TelegramTimeout,
	}, log)
	if err != nil {
		log.Error("relay telegram init failed", "err", err)
		os.Exit(1)
	}

	s3Client, err := awsutil.NewS3Client(ctx, cfg.AWS)
	if err != nil {
		log.Error("relay s3 client init failed", "err", err)
		os.Exit(1)
	}
	publisher := media.NewPublisher(s3Client, cfg.MediaBucket, cfg.AWSRegion, cfg.MediaPublicBaseURL, cfg.MediaMaxBytes)

	gate, err := safety.New(cfg.SafetyPatterns, cfg.SafetyExtensions)
	if err != nil {
		log.Error("relay safety patterns invalid", "err", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.DisplayTZ)
	if err != nil {
		log.Error("relay invalid DISPLAY_TZ", "tz", cfg.DisplayTZ, "err", err)
		os.Exit(1)
	}

	checks := []httpserver.ReadyzCheck{store.Ping, tr.Publisher.Ping}
	var seen dedupe.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		rs := dedupe.NewRedis(rdb, cfg.DedupeTTL)
		checks = append(checks, rs.Ping)
		seen = rs
	} else {
		seen = dedupe.NewMemory(cfg.DedupeTTL)
	}

	observability.Register(prometheus.DefaultRegisterer)

	processor := &relay.Processor{
		Store:           store,
		Channel:         tg,
		Limiter:         rate.NewLimiter(rate.Limit(cfg.RelayRPS), cfg.RelayBurst),
		Breaker:         relay.NewBreaker("telegram"),
		Log:             log,
		MaxAttempts:     cfg.MaxAttempts,
		MaxDeliveries:   cfg.MaxDeliveries,
		CallTimeout:     cfg.CallTimeout,
		ClaimStaleAfter: cfg.ClaimStaleAfter,
	}
	ingestor := &relay.Ingestor{
		Store:    store,
		Gate:     gate,
		Files:    tg,
		Media:    publisher,
		Dedupe:   seen,
		Location: loc,
		Log:      log,
	}
	sweeper := &outbound.Sweeper{
		Store:          store,
		Publisher:      tr.Publisher,
		Log:            log,
		RepublishAfter: cfg.RepublishAfter,
		MaxAge:         cfg.PendingMaxAge,
		Batch:          cfg.SweepBatch,
	}

	// health + metrics servers
	s := httpserver.New()
	s.Mux.Use(httpserver.Logging)
	s.RegisterHealth(2*time.Second, checks...)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("relay health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("relay metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		log.Info("relay starting task consumer", "backend", cfg.QueueBackend, "concurrency", cfg.Concurrency)
		pollErrCh <- tr.Consumer.ConsumeTasks(ctx, cfg.Concurrency, func(ctx context.Context, t domain.OutboundTask) error {
			err := processor.Process(ctx, t)
			if err != nil {
				log.Warn("relay task left for redelivery", "task_id", t.ID, "action", t.Action, "err", err)
			}
			return err
		})
	}()

	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- tg.Listen(ctx, ingestor.Handle)
	}()

	sweepErrCh := make(chan error, 1)
	go func() {
		sweepErrCh <- sweeper.Run(ctx, cfg.SweepInterval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("relay task consumer failed", "err", err)
			os.Exit(1)
		}
	case err := <-listenErrCh:
		log.Error("relay update loop stopped", "err", err)
		os.Exit(1)
	case err := <-sweepErrCh:
		log.Error("relay sweeper stopped", "err", err)
		os.Exit(1)
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("relay shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		log.Info("relay shutdown timeout waiting for task consumer")
	}
}
