package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"peernet/config"
	"peernet/observability/logging"
	telemetry "peernet/observability/otel"
	"peernet/peers"
	"peernet/store"
	"peernet/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PEERNET_ENV"))
	logger := logging.Setup("peernode", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "peernode"})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}
	dsn, err := store.FileDSN(filepath.Join(cfg.DataDir, "peernet.db"))
	if err != nil {
		panic(fmt.Sprintf("failed to build storage dsn: %v", err))
	}
	db, err := store.Open(dsn)
	if err != nil {
		panic(fmt.Sprintf("failed to open storage: %v", err))
	}
	defer db.Close()

	seeds := make([]peers.Peer, 0, len(cfg.Peers.List))
	for _, s := range cfg.Peers.List {
		seeds = append(seeds, peers.Peer{IP: s.IP, Port: s.Port})
	}

	directory := peers.New(db, logger.With(slog.String("component", "peers")), peers.Options{
		MinVersion:     cfg.MinVersion,
		MaxUpdatePeers: cfg.Peers.Options.MaxUpdatePeers,
		Seeds:          seeds,
	})
	defer directory.Stop()

	headers := transport.OutboundHeaders{
		OS:      cfg.OS,
		Version: cfg.CurrentVersion,
		NetHash: cfg.NetHash,
	}
	if _, portStr, ok := strings.Cut(cfg.ListenAddress, ":"); ok {
		if port, err := parsePort(portStr); err == nil {
			headers.Port = port
		}
	}

	client := transport.NewClient(transport.ClientConfig{
		Headers:        headers,
		CurrentVersion: cfg.CurrentVersion,
		Directory:      directory,
		Timeout:        time.Duration(cfg.Peers.Options.TimeoutMS) * time.Millisecond,
		Log:            logger.With(slog.String("component", "transport_client")),
	})
	directory.SetOutbound(client)

	server := transport.NewServer(transport.Config{
		Headers:        headers,
		MinVersion:     cfg.MinVersion,
		CurrentVersion: cfg.CurrentVersion,
		Build:          cfg.Build,
		Directory:      directory,
		Log:            logger.With(slog.String("component", "transport_server")),
		RateLimit:      cfg.Peers.Options.RateLimit,
		RateBurst:      cfg.Peers.Options.RateBurst,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directory.OnBlockchainReady(ctx, seeds)
	directory.OnPeersReady(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("peernode listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("listen: %v", err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down peernode")
	server.SetLoaded(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
