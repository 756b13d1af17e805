package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

// memStore is an in-memory RowStore with snapshot-based transactions, enough
// to observe what the guard actually persists and reads back.
type memStore struct {
	mu     sync.Mutex
	tables map[string][]domain.Row
}

func newMemStore() *memStore {
	return &memStore{tables: map[string][]domain.Row{}}
}

func (s *memStore) Select(_ context.Context, table string, filter domain.Filter, opts domain.ReadOptions) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Row
	for _, row := range s.tables[table] {
		if matchesFilter(row, filter) {
			out = append(out, copyRow(row))
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) Insert(_ context.Context, table string, row domain.Row) (domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], copyRow(row))
	return copyRow(row), nil
}

func (s *memStore) Update(_ context.Context, table string, patch domain.Row, filter domain.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, row := range s.tables[table] {
		if matchesFilter(row, filter) {
			for k, v := range patch {
				row[k] = v
			}
			affected++
		}
	}
	return affected, nil
}

func (s *memStore) Delete(_ context.Context, table string, filter domain.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tables[table][:0]
	var affected int64
	for _, row := range s.tables[table] {
		if matchesFilter(row, filter) {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	return affected, nil
}

func (s *memStore) Query(context.Context, string, []any) ([]domain.Row, error) {
	return nil, nil
}

func (s *memStore) Exec(context.Context, string, []any) (int64, error) {
	return 0, nil
}

func (s *memStore) WithinTx(_ context.Context, fn func(tx ports.RowStore) error) error {
	snapshot := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *memStore) snapshot() map[string][]domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string][]domain.Row, len(s.tables))
	for table, rows := range s.tables {
		copied := make([]domain.Row, 0, len(rows))
		for _, row := range rows {
			copied = append(copied, copyRow(row))
		}
		snap[table] = copied
	}
	return snap
}

func (s *memStore) restore(snap map[string][]domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = snap
}

func (s *memStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

func matchesFilter(row domain.Row, filter domain.Filter) bool {
	for _, cond := range filter {
		value, present := row[cond.Column]
		switch cond.Op {
		case "", "eq":
			if !present || fmt.Sprint(value) != fmt.Sprint(cond.Value) {
				return false
			}
		case "null":
			if present && value != nil {
				return false
			}
		case "notnull":
			if !present || value == nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func copyRow(row domain.Row) domain.Row {
	out := make(domain.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// leakyStore simulates a broken storage layer that ignores tenant predicates
// on reads.
type leakyStore struct {
	*memStore
}

func (s *leakyStore) Select(ctx context.Context, table string, filter domain.Filter, opts domain.ReadOptions) ([]domain.Row, error) {
	var stripped domain.Filter
	for _, cond := range filter {
		if cond.Column == "tenant_id" {
			continue
		}
		stripped = append(stripped, cond)
	}
	return s.memStore.Select(ctx, table, stripped, opts)
}

func (s *leakyStore) WithinTx(_ context.Context, fn func(tx ports.RowStore) error) error {
	snapshot := s.memStore.snapshot()
	if err := fn(s); err != nil {
		s.memStore.restore(snapshot)
		return err
	}
	return nil
}

var (
	verifierCtxA = domain.TenantContext{TenantID: "brf-a", ActorID: "verifier", ActorRole: "admin"}
	verifierCtxB = domain.TenantContext{TenantID: "brf-b", ActorID: "verifier", ActorRole: "admin"}
)

func newTestVerifier(t *testing.T, store ports.RowStore, policy domain.IsolationPolicy) (*Verifier, *MemoryAuditLog) {
	t.Helper()
	durable := NewMemoryAuditLog()
	guard := NewGuard(policy, store, NewMemoryAuditLog(), &stubDirectory{}, NewAnalyzer(policy), testLogger())
	audits := NewAuditService(durable, nil, time.Hour, testLogger())
	return NewVerifier(guard, store, audits, testLogger()), durable
}

func TestVerifierRunPassesWithSoundEnforcement(t *testing.T) {
	store := newMemStore()
	verifier, durable := newTestVerifier(t, store, testPolicy(t))

	report, err := verifier.Run(context.Background(), verifier.DefaultSuite(), verifierCtxA, verifierCtxB)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != domain.ReportPassed {
		for _, res := range report.Results {
			t.Logf("%s: status=%s expected=%s actual=%s detail=%s", res.CaseID, res.Status, res.Expected, res.Actual, res.Detail)
		}
		t.Fatalf("overall = %s, want passed", report.Overall)
	}
	if len(report.CriticalIssues()) != 0 {
		t.Fatalf("unexpected issues: %+v", report.CriticalIssues())
	}

	// Fixtures never survive a run.
	for _, table := range []string{"members", "apartments", "invoices"} {
		if n := store.count(table); n != 0 {
			t.Fatalf("table %s still holds %d fixture rows", table, n)
		}
	}

	// The run itself is audited durably.
	records := durable.Records()
	if len(records) != 1 || records[0].Operation != domain.OpVerify || records[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected one verify success record, got %+v", records)
	}

	if last, ok := verifier.LastReport(); !ok || last.RunID != report.RunID {
		t.Fatal("last report not retained")
	}
}

func TestVerifierRequiresDistinctTenants(t *testing.T) {
	verifier, _ := newTestVerifier(t, newMemStore(), testPolicy(t))

	_, err := verifier.Run(context.Background(), verifier.DefaultSuite(), verifierCtxA, verifierCtxA)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestVerifierDetectsUnscopedTable(t *testing.T) {
	// A policy that wrongly classifies apartments as shared leaks every
	// tenant's rows through the read path.
	doc := domain.PolicyDocument{
		TenantScopedTables: []string{"members"},
		SharedTables:       []string{"apartments"},
	}
	policy, err := doc.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	store := newMemStore()
	verifier, durable := newTestVerifier(t, store, policy)

	suite := []domain.IsolationTestCase{{
		ID:       "read-diff-apartments",
		Name:     "differential read apartments",
		Table:    "apartments",
		Op:       domain.OpRead,
		Expected: domain.BehaviorFilter,
		Critical: true,
	}}

	report, err := verifier.Run(context.Background(), suite, verifierCtxA, verifierCtxB)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != domain.ReportFailed {
		t.Fatalf("overall = %s, want failed", report.Overall)
	}

	res := report.Results[0]
	if res.Actual != domain.BehaviorAllow || res.Status != domain.TestFailed {
		t.Fatalf("result = %+v", res)
	}
	issues := report.CriticalIssues()
	if len(issues) == 0 || issues[0].Type != domain.IssueDataLeak {
		t.Fatalf("expected a critical data leak issue, got %+v", issues)
	}

	records := durable.Records()
	if len(records) != 1 || records[0].Severity != domain.SeverityCritical || records[0].Outcome != domain.OutcomeViolation {
		t.Fatalf("expected one critical violation record, got %+v", records)
	}

	// Even a failed run rolls its fixtures back.
	if n := store.count("apartments"); n != 0 {
		t.Fatalf("apartments still holds %d fixture rows", n)
	}
}

func TestVerifierDetectsLeakyStorage(t *testing.T) {
	store := &leakyStore{memStore: newMemStore()}
	verifier, _ := newTestVerifier(t, store, testPolicy(t))

	suite := []domain.IsolationTestCase{{
		ID:       "read-diff-members",
		Name:     "differential read members",
		Table:    "members",
		Op:       domain.OpRead,
		Expected: domain.BehaviorFilter,
		Critical: true,
	}}

	report, err := verifier.Run(context.Background(), suite, verifierCtxA, verifierCtxB)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != domain.ReportFailed || len(report.CriticalIssues()) == 0 {
		t.Fatalf("expected a failed report with critical issues, got %s", report.Overall)
	}
}

type brokenTxStore struct {
	*memStore
}

func (s *brokenTxStore) WithinTx(context.Context, func(tx ports.RowStore) error) error {
	return errors.New("tx begin failed")
}

func TestVerifierHarnessFailureIsNotAVerdict(t *testing.T) {
	verifier, durable := newTestVerifier(t, &brokenTxStore{memStore: newMemStore()}, testPolicy(t))

	_, err := verifier.Run(context.Background(), verifier.DefaultSuite(), verifierCtxA, verifierCtxB)
	if err == nil {
		t.Fatal("expected harness error")
	}
	if errors.Is(err, domain.ErrIsolationViolation) {
		t.Fatal("harness failure must not look like a violation")
	}
	if len(durable.Records()) != 0 {
		t.Fatal("a harness failure must not record a verdict")
	}
	if _, ok := verifier.LastReport(); ok {
		t.Fatal("a harness failure must not become the last report")
	}
}

func TestCriticalSubset(t *testing.T) {
	verifier, _ := newTestVerifier(t, newMemStore(), testPolicy(t))
	suite := verifier.DefaultSuite()

	subset := CriticalSubset(suite)
	if len(subset) == 0 || len(subset) >= len(suite) {
		t.Fatalf("subset size %d of %d", len(subset), len(suite))
	}
	for _, tc := range subset {
		if !tc.Critical {
			t.Fatalf("non-critical case %s in subset", tc.ID)
		}
	}
}
