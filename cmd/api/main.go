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

	"chatsync/internal/config"
	"chatsync/internal/dashboard"
	"chatsync/internal/httpserver"
	"chatsync/internal/livefeed"
	"chatsync/internal/logging"
	"chatsync/internal/observability"
	"chatsync/internal/outbound"
	"chatsync/internal/queue/transport"
	"chatsync/internal/store/pg"
	"chatsync/internal/typing"
)

func main() {
	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	tr, err := transport.Open(ctx, cfg.Queue, cfg.AWS, nil)
	if err != nil {
		log.Error("api queue init failed", "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	loc, err := time.LoadLocation(cfg.DisplayTZ)
	if err != nil {
		log.Error("api invalid DISPLAY_TZ", "tz", cfg.DisplayTZ, "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	client := &dashboard.Client{
		Store:    store,
		Tasks:    &outbound.Enqueuer{Store: store, Publisher: tr.Publisher, Log: log},
		Location: loc,
		Log:      log,
	}

	hub := livefeed.NewHub(db, log)
	hubErrCh := make(chan error, 1)
	go func() { hubErrCh <- hub.Run(ctx) }()

	// REST typing pulses share one process-wide lease
	restTyping := typing.New(store, typing.SystemClock, cfg.TypingQuiet, log)
	seed := dashboard.NewSeedCache(cfg.SeedCacheTTL)

	s := httpserver.NewWithMiddleware(observability.APIRequests)
	(&httpserver.API{Dashboard: client, Typing: restTyping, PageSize: cfg.PageSize, MaxPage: 200}).Register(s.Mux)
	(&httpserver.Live{
		PageSize: cfg.PageSize,
		Open: func(ctx context.Context, patientID string) (httpserver.LiveView, error) {
			v, err := dashboard.Open(ctx, store, hub, patientID, dashboard.ViewOptions{
				Window: cfg.LiveWindow,
				Cache:  seed,
				Lease:  typing.New(store, typing.SystemClock, cfg.TypingQuiet, log),
				Log:    log,
			})
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}).Register(s.Mux)
	s.RegisterHealth(2*time.Second, store.Ping, tr.Publisher.Ping)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("api metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api metrics server failed", "err", err)
			os.Exit(1)
		}
	case err := <-hubErrCh:
		log.Error("api live feed stopped", "err", err)
		os.Exit(1)
	case sig := <-sigCh:
		log.Info("api shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	restTyping.Close()
	cancel()
	log.Info("api stopped")
}
