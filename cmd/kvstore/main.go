package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/arrow_client"
	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/monitoring"
)

var (
	listenAddr  = flag.String("listen", "", "Flight listen address (overrides KVQ_FLIGHT_ADDR, default :3000)")
	metricsAddr = flag.String("metrics", "", "Address to serve /health and /metrics (overrides KVQ_METRICS_ADDR)")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg := config.Default()
	if err := cfg.LoadFromEnv(config.EnvPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.FlightAddr = *listenAddr
	}
	if cfg.FlightAddr == "" {
		cfg.FlightAddr = fmt.Sprintf(":%d", arrow_client.DefaultPort)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	store := arrow_client.NewSnapshotServer()
	srv, err := arrow_client.Serve(cfg.FlightAddr, store)
	if err != nil {
		logger.Log.Error("Failed to start Flight server", "error", err)
		return 1
	}

	monitor := monitoring.NewHealthMonitor()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := monitor.Start(cfg.MetricsAddr); err != nil {
				logger.Log.Error("Health server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info("Interrupt received, shutting down...", "snapshots", store.Len())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = monitor.Stop(ctx)
	srv.Shutdown()
	return 0
}
