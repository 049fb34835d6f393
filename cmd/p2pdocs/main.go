package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/api"
	"github.com/lilvirgola/p2pdocs/internal/config"
	"github.com/lilvirgola/p2pdocs/internal/logging"
	"github.com/lilvirgola/p2pdocs/internal/monitoring"
	"github.com/lilvirgola/p2pdocs/internal/tracing"
	"github.com/lilvirgola/p2pdocs/pkg/p2pdocs"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	peerID, err := cfg.PeerID()
	if err != nil {
		logger.Fatal("bad peer identity", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()

	if cfg.JaegerEndpoint != "" {
		tp, err := tracing.InitTracer("p2pdocs", cfg.JaegerEndpoint)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	ctx := context.Background()
	node, err := p2pdocs.New(ctx, p2pdocs.Options{
		PeerID:            string(peerID),
		APIPort:           cfg.APIPort,
		SaveDir:           cfg.SaveDir,
		AutosaveThreshold: cfg.AutosaveThreshold,
		RetryInterval:     cfg.RetryInterval,
		Logger:            logger.WithPeerID(string(peerID)),
		Metrics:           metrics,
	})
	if err != nil {
		logger.Fatal("node setup failed", zap.Error(err))
	}
	if err := node.Start(); err != nil {
		logger.Fatal("peer runtime failed", zap.Error(err))
	}

	adapter := api.NewServer(node.Session(), logger.WithPeerID(string(peerID)))
	node.Session().SetNotifier(adapter)
	go func() {
		if err := adapter.Run(cfg.FrontendPort); err != nil {
			logger.Error("editor adapter failed", zap.Error(err))
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			logger.Warn("metrics endpoint failed", zap.Error(err))
		}
	}()

	logger.Info("p2pdocs peer running",
		zap.String("peer_id", string(peerID)),
		zap.Int("api_port", cfg.APIPort),
		zap.Int("frontend_port", cfg.FrontendPort))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adapter.Shutdown(shutdownCtx); err != nil {
		logger.Warn("adapter shutdown", zap.Error(err))
	}
	node.Shutdown()
}
