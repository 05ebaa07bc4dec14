package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel, cfg.DebugLog, os.Stderr)
	if err != nil {
		slog.Error("configure logging", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal server error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	persist, err := newPersistence(cfg.DBPath)
	if err != nil {
		return err
	}
	defer persist.close()

	backend, err := newNameserver(cfg)
	if err != nil {
		return err
	}

	srv := newServer(cfg, persist, backend, logger)
	if lookup, err := newCymruLookup("/etc/resolv.conf", cfg.BackendTimeout); err != nil {
		logger.Warn("subnet lookup disabled", "err", err)
	} else {
		srv.abuse = lookup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.runHTTP(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func newNameserver(cfg config) (nameserver, error) {
	switch cfg.Backend {
	case "powerdns":
		p, err := newPowerDNS(cfg.PowerDNS, cfg.BackendHTTPClient)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "cloudflare":
		c, err := newCloudflareNameserver(cfg.Cloudflare)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		return newMemoryNameserver(), nil
	default:
		return nil, fmt.Errorf("unsupported NAMESERVER_BACKEND %q", cfg.Backend)
	}
}

func newServer(cfg config, persist *persistence, backend nameserver, logger *slog.Logger) *server {
	signer, _ := backend.(dsPublisher)
	return &server{
		cfg:     cfg,
		persist: persist,
		syncer:  newZoneSyncer(backend, persist, cfg.BackendTimeout),
		signer:  signer,
		log:     logger,
		start:   time.Now().UTC(),
	}
}
