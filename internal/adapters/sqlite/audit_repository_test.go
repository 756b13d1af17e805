package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

func auditRecord(id, tenant string, outcome domain.Outcome, severity domain.Severity, age time.Duration) domain.AuditRecord {
	return domain.AuditRecord{
		ID:         id,
		TenantID:   tenant,
		ActorID:    "actor-1",
		Operation:  domain.OpRead,
		Table:      "members",
		Outcome:    outcome,
		Severity:   severity,
		RecordedAt: time.Now().UTC().Add(-age),
	}
}

func TestAuditRepositoryAppendAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(openTestDB(t))

	seed := []domain.AuditRecord{
		auditRecord("r1", "brf-a", domain.OutcomeSuccess, domain.SeverityLow, 3*time.Hour),
		auditRecord("r2", "brf-a", domain.OutcomeViolation, domain.SeverityHigh, 2*time.Hour),
		auditRecord("r3", "brf-b", domain.OutcomeViolation, domain.SeverityCritical, time.Hour),
	}
	for _, rec := range seed {
		if err := repo.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.ID, err)
		}
	}

	all, err := repo.List(ctx, domain.AuditQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	// Newest first.
	if all[0].ID != "r3" || all[2].ID != "r1" {
		t.Fatalf("unexpected order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	tenantA, err := repo.List(ctx, domain.AuditQuery{TenantID: "brf-a", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tenantA) != 2 {
		t.Fatalf("expected 2 tenant records, got %d", len(tenantA))
	}

	violations, err := repo.List(ctx, domain.AuditQuery{ViolationsOnly: true, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(violations))
	}

	severe, err := repo.List(ctx, domain.AuditQuery{MinSeverity: domain.SeverityCritical, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(severe) != 1 || severe[0].ID != "r3" {
		t.Fatalf("severe = %+v", severe)
	}

	recent, err := repo.List(ctx, domain.AuditQuery{From: time.Now().UTC().Add(-90 * time.Minute), Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "r3" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestAuditRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(openTestDB(t))

	rec := domain.AuditRecord{
		ID:              "r1",
		TenantID:        "brf-a",
		ActorID:         "actor-1",
		Operation:       domain.OpRaw,
		Table:           "invoices",
		Outcome:         domain.OutcomeViolation,
		FingerprintHash: "abc123",
		Sensitivity:     domain.SensitivityConfidential,
		Severity:        domain.SeverityHigh,
		Detail:          "tenant predicate names foreign tenant",
		RecordedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := repo.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := repo.List(ctx, domain.AuditQuery{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Operation != rec.Operation || got[0].FingerprintHash != rec.FingerprintHash ||
		got[0].Sensitivity != rec.Sensitivity || got[0].Detail != rec.Detail {
		t.Fatalf("round trip lost fields: %+v", got[0])
	}
}

func TestAuditRepositoryHoldAndPurge(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(openTestDB(t))

	held := auditRecord("held", "brf-a", domain.OutcomeViolation, domain.SeverityHigh, 400*24*time.Hour)
	stale := auditRecord("stale", "brf-a", domain.OutcomeViolation, domain.SeverityHigh, 400*24*time.Hour)
	fresh := auditRecord("fresh", "brf-a", domain.OutcomeViolation, domain.SeverityHigh, time.Hour)
	for _, rec := range []domain.AuditRecord{held, stale, fresh} {
		if err := repo.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := repo.Hold(ctx, "held", "dispute with board"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := repo.Hold(ctx, "missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	retention := domain.RetentionPolicy{domain.OutcomeViolation: 30}
	purged, err := repo.PurgeExpired(ctx, retention, time.Now().UTC())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	rest, err := repo.List(ctx, domain.AuditQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := map[string]bool{}
	for _, rec := range rest {
		ids[rec.ID] = true
	}
	if !ids["held"] || !ids["fresh"] || ids["stale"] {
		t.Fatalf("unexpected survivors: %v", ids)
	}

	// Releasing the hold makes the record purgeable.
	if err := repo.Release(ctx, "held"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := repo.Release(ctx, "held"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("double release should be not found, got %v", err)
	}

	purged, err = repo.PurgeExpired(ctx, retention, time.Now().UTC())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}
