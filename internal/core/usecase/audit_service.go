package usecase

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

// AuditService fronts the audit log: query surface for reporting
// collaborators and a background purge honoring retention configuration.
type AuditService struct {
	log       ports.AuditLog
	retention domain.RetentionPolicy
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	purgedTotal atomic.Int64
}

func NewAuditService(log ports.AuditLog, retention domain.RetentionPolicy, purgeInterval time.Duration, logger *slog.Logger) *AuditService {
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	return &AuditService{log: log, retention: retention, interval: purgeInterval, logger: logger}
}

// Record appends one audit record synchronously.
func (s *AuditService) Record(ctx context.Context, rec domain.AuditRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return s.log.Append(ctx, rec)
}

// Query lists records for reporting. Limits are clamped so no consumer can
// issue an unbounded scan.
func (s *AuditService) Query(ctx context.Context, q domain.AuditQuery) ([]domain.AuditRecord, error) {
	if q.MinSeverity != "" && !q.MinSeverity.Valid() {
		return nil, &domain.ConfigError{Reason: "unknown severity " + string(q.MinSeverity)}
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	return s.log.List(ctx, q)
}

// Hold pins a record for an open investigation so retention skips it.
func (s *AuditService) Hold(ctx context.Context, recordID, reason string) error {
	return s.log.Hold(ctx, recordID, reason)
}

// Release lifts an investigation hold.
func (s *AuditService) Release(ctx context.Context, recordID string) error {
	return s.log.Release(ctx, recordID)
}

// Start launches the background retention purge.
func (s *AuditService) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *AuditService) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// PurgedTotal reports how many records retention has removed since start.
func (s *AuditService) PurgedTotal() int64 {
	return s.purgedTotal.Load()
}

func (s *AuditService) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		purged, err := s.log.PurgeExpired(ctx, s.retention, time.Now().UTC())
		if err != nil {
			s.logger.Error("audit retention purge failed", "error", err)
			continue
		}
		if purged > 0 {
			s.purgedTotal.Add(purged)
			s.logger.Info("audit retention purge", "removed", purged)
		}
	}
}
