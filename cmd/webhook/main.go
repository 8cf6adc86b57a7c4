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
)

func main() {
	cfg := config.LoadWebhook()
	log := logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		log.Error("webhook sqs client init failed", "err", err)
		os.Exit(1)
	}
	producer := &sqsqueue.ReceiptProducer{SQS: sqsClient, QueueURL: cfg.ReceiptQueueURL}

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.NewWithMiddleware(observability.APIRequests)
	(&httpserver.Webhook{
		Queue:           producer,
		VerifySignature: receipts.VerifySignature,
		Secret:          cfg.SigningSecret,
		PublicURL:       cfg.PublicWebhookURL,
	}).Register(s.Mux)
	s.RegisterHealth(2*time.Second, producer.Ping)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		log.Info("webhook listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("webhook metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("webhook server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("webhook metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("webhook shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
