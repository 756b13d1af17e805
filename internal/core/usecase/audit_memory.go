package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

// MemoryAuditLog is an in-process audit sink. The verifier binds one to its
// fixture transaction so synthetic enforcement decisions become evidence
// instead of polluting the durable trail; tests use it the same way.
type MemoryAuditLog struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	held    map[string]bool
}

var _ ports.AuditLog = (*MemoryAuditLog)(nil)

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (m *MemoryAuditLog) Append(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryAuditLog) List(_ context.Context, q domain.AuditQuery) ([]domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AuditRecord
	for _, rec := range m.records {
		if q.TenantID != "" && rec.TenantID != q.TenantID {
			continue
		}
		if q.ViolationsOnly && rec.Outcome != domain.OutcomeViolation {
			continue
		}
		if q.MinSeverity != "" && !rec.Severity.AtLeast(q.MinSeverity) {
			continue
		}
		if !q.From.IsZero() && rec.RecordedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.RecordedAt.After(q.To) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryAuditLog) Hold(_ context.Context, recordID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := false
	for _, rec := range m.records {
		if rec.ID == recordID {
			known = true
			break
		}
	}
	if !known {
		return domain.ErrNotFound
	}
	if m.held == nil {
		m.held = make(map[string]bool)
	}
	m.held[recordID] = true
	return nil
}

func (m *MemoryAuditLog) Release(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held[recordID] {
		return domain.ErrNotFound
	}
	delete(m.held, recordID)
	return nil
}

func (m *MemoryAuditLog) PurgeExpired(_ context.Context, retention domain.RetentionPolicy, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	var purged int64
	for _, rec := range m.records {
		cutoff := retention.ExpiryCutoff(rec.Outcome, now)
		if !cutoff.IsZero() && rec.RecordedAt.Before(cutoff) && !m.held[rec.ID] {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return purged, nil
}

// Records returns a copy of everything appended so far.
func (m *MemoryAuditLog) Records() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}
