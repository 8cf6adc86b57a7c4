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

	"chatsync/internal/awsutil"
	"chatsync/internal/config"
	"chatsync/internal/httpserver"
	"chatsync/internal/logging"
	"chatsync/internal/observability"
	sqsqueue "chatsync/internal/queue/sqs"
	"chatsync/internal/receipts"
	"chatsync/internal/store/pg"
)

func main() {
	cfg := config.LoadReceiptProcessor()
	log := logging.Init("receipt-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Error("receipt-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		log.Error("receipt-processor sqs client init failed", "err", err)
		os.Exit(1)
	}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.ReceiptQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	processor := &receipts.Processor{Store: store, Log: log}

	observability.Register(prometheus.DefaultRegisterer)

	// health + metrics servers
	s := httpserver.New()
	s.Mux.Use(httpserver.Logging)
	s.RegisterHealth(2*time.Second, store.Ping, consumer.Ping)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("receipt-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("receipt-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		log.Info("receipt-processor starting poll", "queue_url", cfg.ReceiptQueueURL)
		pollErrCh <- consumer.ConsumeReceipts(ctx, cfg.Concurrency, processor.Apply)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("receipt-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("receipt-processor health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("receipt-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("receipt-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		log.Info("receipt-processor shutdown timeout waiting for poll loop")
	}
}
