package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/adapters/events"
	"github.com/Lakakaku/brf-sub003/internal/adapters/httpapi"
	sqliteadapter "github.com/Lakakaku/brf-sub003/internal/adapters/sqlite"
	"github.com/Lakakaku/brf-sub003/internal/adapters/sqlite/gormsqlite"
	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
	"github.com/Lakakaku/brf-sub003/internal/core/usecase"
	"github.com/Lakakaku/brf-sub003/migrations"
)

type Config struct {
	Addr               string
	DBPath             string
	PolicyPath         string
	AuditPurgeInterval time.Duration

	MonitorInterval time.Duration
	CycleTimeout    time.Duration
	MonitorTenantA  string
	MonitorTenantB  string

	AlertWebhookURL    string
	AlertWebhookSecret string

	BootstrapTenants []string
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	rawPolicy, err := os.ReadFile(cfg.PolicyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read policy: %w", err)
	}
	policy, err := usecase.LoadPolicy(rawPolicy)
	if err != nil {
		return nil, nil, fmt.Errorf("load policy: %w", err)
	}

	db, err := gormsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	store := sqliteadapter.NewRowStore(db)
	auditRepo := sqliteadapter.NewAuditRepository(db)
	tenantRepo := sqliteadapter.NewTenantRepository(db)

	analyzer := usecase.NewAnalyzer(policy)
	guard := usecase.NewGuard(policy, store, auditRepo, tenantRepo, analyzer, logger)
	auditService := usecase.NewAuditService(auditRepo, policy.Retention, cfg.AuditPurgeInterval, logger)
	auditService.Start(context.Background())
	verifier := usecase.NewVerifier(guard, store, auditService, logger)

	closers := []io.Closer{auditService, db}

	if len(cfg.BootstrapTenants) > 0 {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, id := range cfg.BootstrapTenants {
			err := tenantRepo.Upsert(bootstrapCtx, domain.Tenant{ID: id, Name: id, Active: true})
			if err != nil {
				bootstrapCancel()
				_ = resourceCloser{closers: closers}.Close()
				return nil, nil, fmt.Errorf("bootstrap tenant %q: %w", id, err)
			}
		}
		bootstrapCancel()
	}

	if cfg.MonitorTenantA != "" && cfg.MonitorTenantB != "" {
		var notifier ports.AlertNotifier
		if cfg.AlertWebhookURL != "" {
			notifier = events.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, 0)
		} else {
			notifier = events.NewLogNotifier(logger)
		}

		monitor := usecase.NewMonitor(verifier, notifier, logger,
			cfg.MonitorInterval, cfg.CycleTimeout,
			domain.TenantContext{TenantID: cfg.MonitorTenantA, ActorID: "monitor", ActorRole: "admin"},
			domain.TenantContext{TenantID: cfg.MonitorTenantB, ActorID: "monitor", ActorRole: "admin"},
		)
		if err := monitor.Start(); err != nil {
			_ = resourceCloser{closers: closers}.Close()
			return nil, nil, fmt.Errorf("start monitor: %w", err)
		}
		closers = append([]io.Closer{closerFunc(func() error {
			monitor.Stop()
			return nil
		})}, closers...)
	}

	handler := httpapi.NewHandler(guard, auditService, verifier, analyzer, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, resourceCloser{closers: closers}, nil
}
