package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"starknet-etl/internal/config"
	"starknet-etl/internal/engine"
	"starknet-etl/internal/sink"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("interrupt received, shutting down gracefully…")
		cancel()
	}()

	eng, err := engine.Build(cfg)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	if metricsPort := os.Getenv("METRICS_PORT"); metricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(eng.Registry, promhttp.HandlerOpts{}))
		go func() {
			logrus.Infof("metrics server listening on :%s", metricsPort)
			if err := http.ListenAndServe(":"+metricsPort, mux); err != nil {
				logrus.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	if err := eng.Orchestrator.Initialize(ctx, sink.Context{Bus: eng.Bus}); err != nil {
		log.Fatalf("failed to initialize sinks: %v", err)
	}

	if err := eng.Orchestrator.Run(ctx); err != nil {
		log.Fatalf("orchestrator terminated with error: %v", err)
	}
}
