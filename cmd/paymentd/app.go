package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"paymentengine/config"
	"paymentengine/core"
	"paymentengine/core/events"
	"paymentengine/core/state"
	"paymentengine/integrations/audit"
	"paymentengine/native/escrow"
	"paymentengine/observability"
	"paymentengine/rpc"
	"paymentengine/storage"
)

const idempotencyPruneInterval = 10 * time.Minute

// app owns every long-lived resource of the daemon.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      storage.Database
	idem    *rpc.IdempotencyStore
	audit   *audit.Log
	closers []func() error
	server  *http.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	programID := escrow.ProgramID
	if id := strings.TrimSpace(cfg.ProgramID); id != "" {
		programID, err = solana.PublicKeyFromBase58(id)
		if err != nil {
			return nil, fmt.Errorf("program id: %w", err)
		}
	}
	mgr := state.NewManager(db)
	if err := mgr.EnsureSchema(programID, cfg.AllowMigrate); err != nil {
		return nil, err
	}
	catalog := escrow.DefaultCatalog()
	if path := strings.TrimSpace(cfg.PlansFile); path != "" {
		catalog, err = escrow.LoadCatalog(path)
		if err != nil {
			return nil, fmt.Errorf("load plans: %w", err)
		}
	}

	metrics := observability.Escrow()
	hub := rpc.NewHub(logger, metrics.ObserveSinkFailure)
	sinks := events.Multi{hub}
	if driver := strings.TrimSpace(cfg.Audit.Driver); driver != "" {
		gdb, err := audit.Open(driver, cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		a.audit, err = audit.NewLog(gdb, logger.With(slog.String("component", "audit")), metrics)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a.audit)
	}

	proc, err := core.NewStateProcessor(mgr, core.Config{
		Deriver: escrow.NewDeriver(programID),
		Policy:  escrow.NewCatalogPolicy(catalog),
		Sink:    sinks,
		Logger:  logger.With(slog.String("component", "processor")),
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	secret, err := cfg.Auth.Secret()
	if err != nil {
		return nil, err
	}
	a.idem, err = rpc.NewIdempotencyStore(cfg.Idempotency.Path, time.Duration(cfg.Idempotency.TTLSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	a.closers = append(a.closers, a.idem.Close)

	srv, err := rpc.NewServer(proc, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		TrustedProxies: cfg.RateLimit.TrustedProxies,
		Catalog:        catalog,
		Idempotency:    a.idem,
		Hub:            hub,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	a.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.RPCIdleTimeout) * time.Second,
	}
	return a, nil
}

// Run serves until ctx is cancelled and then shuts the listener down.
func (a *app) Run(ctx context.Context) error {
	go a.pruneIdempotency(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("rpc listening", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func (a *app) pruneIdempotency(ctx context.Context) {
	ticker := time.NewTicker(idempotencyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.idem.Prune(ctx)
			if err != nil {
				a.logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				a.logger.Debug("idempotency entries pruned", slog.Int64("removed", removed))
			}
		}
	}
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
