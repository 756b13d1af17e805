package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

// errRollbackFixtures unwinds the fixture transaction after a run so no
// synthetic row stays visible to either tenant.
var errRollbackFixtures = errors.New("rollback verification fixtures")

// Verifier proves, by differential execution, that the guard actually
// isolates tenants: the identical operation runs once under each of two
// synthetic tenant contexts and the visible results are diffed. The
// technique is storage-agnostic; it tests application-layer behavior, not
// storage internals.
type Verifier struct {
	guard  *Guard
	store  ports.RowStore
	audit  *AuditService
	logger *slog.Logger

	mu   sync.Mutex
	last *domain.VerificationReport
}

func NewVerifier(guard *Guard, store ports.RowStore, audit *AuditService, logger *slog.Logger) *Verifier {
	return &Verifier{guard: guard, store: store, audit: audit, logger: logger}
}

// DefaultSuite derives a differential test suite from the active policy:
// per scoped table a read diff and a foreign-write probe, plus global raw
// bypass probes.
func (v *Verifier) DefaultSuite() []domain.IsolationTestCase {
	policy := v.guard.Policy()

	tables := make([]string, 0, len(policy.TenantScopedTables))
	for table := range policy.TenantScopedTables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var suite []domain.IsolationTestCase
	for _, table := range tables {
		suite = append(suite,
			domain.IsolationTestCase{
				ID:          "read-diff-" + table,
				Name:        "differential read " + table,
				Table:       table,
				Op:          domain.OpRead,
				Expected:    domain.BehaviorFilter,
				Description: "a read under one tenant must never surface another tenant's rows",
				Critical:    true,
			},
			domain.IsolationTestCase{
				ID:          "write-foreign-" + table,
				Name:        "foreign tenant write " + table,
				Table:       table,
				Op:          domain.OpWrite,
				Expected:    domain.BehaviorDeny,
				Description: "a payload naming another tenant must be rejected outright",
				Critical:    true,
			},
			domain.IsolationTestCase{
				ID:          "delete-diff-" + table,
				Name:        "differential delete " + table,
				Table:       table,
				Op:          domain.OpDelete,
				Expected:    domain.BehaviorFilter,
				Description: "a delete under one tenant must leave the other tenant's rows intact",
			},
		)
	}

	if len(tables) > 0 {
		probe := tables[0]
		suite = append(suite,
			domain.IsolationTestCase{
				ID:          "raw-unscoped-delete",
				Name:        "raw delete without tenant predicate",
				Table:       probe,
				Op:          domain.OpRaw,
				RawSQL:      "delete from " + probe,
				Expected:    domain.BehaviorDeny,
				Description: "set-based raw mutation without a tenant predicate must be rejected",
				Critical:    true,
			},
			domain.IsolationTestCase{
				ID:          "raw-schema-mutation",
				Name:        "raw schema mutation",
				Table:       probe,
				Op:          domain.OpRaw,
				RawSQL:      "drop table " + probe,
				Expected:    domain.BehaviorDeny,
				Description: "schema mutation through the escape hatch must be rejected",
				Critical:    true,
			},
			domain.IsolationTestCase{
				ID:          "raw-statement-chain",
				Name:        "raw statement chaining",
				Table:       probe,
				Op:          domain.OpRaw,
				RawSQL:      "select id from " + probe + "; delete from " + probe,
				Expected:    domain.BehaviorDeny,
				Description: "multi-statement chaining must be rejected",
			},
		)
	}
	return suite
}

// CriticalSubset keeps only the cases marked for the monitor's reduced runs.
func CriticalSubset(suite []domain.IsolationTestCase) []domain.IsolationTestCase {
	var subset []domain.IsolationTestCase
	for _, tc := range suite {
		if tc.Critical {
			subset = append(subset, tc)
		}
	}
	return subset
}

// Run executes the suite under tenants a and b. Fixtures are written inside
// one transaction that is always rolled back, so a run leaves no trace in
// tenant data regardless of how it ends. Enforcement decisions made during
// the run land in a sandboxed audit sink; the run's own outcome is audited
// durably.
func (v *Verifier) Run(ctx context.Context, suite []domain.IsolationTestCase, a, b domain.TenantContext) (domain.VerificationReport, error) {
	report := domain.VerificationReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		TenantA:   a.TenantID,
		TenantB:   b.TenantID,
	}
	if a.TenantID == b.TenantID {
		return report, &domain.ConfigError{Reason: "differential run needs two distinct tenants"}
	}

	txErr := v.store.WithinTx(ctx, func(tx ports.RowStore) error {
		sandbox := NewMemoryAuditLog()
		g := v.guard.WithCollaborators(tx, sandbox)

		if err := v.seedFixtures(ctx, g, suite, a, b); err != nil {
			return fmt.Errorf("seed fixtures: %w", err)
		}
		for _, tc := range suite {
			report.Results = append(report.Results, v.executeCase(ctx, g, tc, a, b))
		}
		return errRollbackFixtures
	})
	report.FinishedAt = time.Now().UTC()

	if txErr != nil && !errors.Is(txErr, errRollbackFixtures) {
		// Harness failure, not a verdict: keep it distinct from FAILED so
		// operators can tell tooling faults from real leaks.
		v.logger.Error("verification harness failure", "run", report.RunID, "error", txErr)
		return report, fmt.Errorf("verification run %s: %w", report.RunID, txErr)
	}

	report.Aggregate()
	v.recordRun(ctx, &report, a)

	v.mu.Lock()
	v.last = &report
	v.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent completed report.
func (v *Verifier) LastReport() (domain.VerificationReport, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return domain.VerificationReport{}, false
	}
	return *v.last, true
}

// seedFixtures writes a few attributable rows per table under each tenant's
// own context. The tenant_id is set explicitly in the payload so rows stay
// attributable even when the policy under test is deliberately broken.
func (v *Verifier) seedFixtures(ctx context.Context, g *Guard, suite []domain.IsolationTestCase, a, b domain.TenantContext) error {
	tables := map[string]bool{}
	for _, tc := range suite {
		if tc.Table != "" && tc.Op != domain.OpRaw {
			tables[tc.Table] = true
		}
	}

	for table := range tables {
		for i := 0; i < 2; i++ {
			if _, err := g.For(a).Write(ctx, table, domain.Row{tenantColumn: a.TenantID}); err != nil {
				return err
			}
		}
		if _, err := g.For(b).Write(ctx, table, domain.Row{tenantColumn: b.TenantID}); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) executeCase(ctx context.Context, g *Guard, tc domain.IsolationTestCase, a, b domain.TenantContext) domain.IsolationTestResult {
	res := domain.IsolationTestResult{
		CaseID:   tc.ID,
		CaseName: tc.Name,
		Status:   domain.TestPending,
		Expected: tc.Expected,
	}

	res.Status = domain.TestExecuting
	start := time.Now()
	res.Actual, res.Issues, res.Detail = v.probe(ctx, g, tc, a, b)
	res.Latency = time.Since(start)

	res.Pass = res.Actual == tc.Expected && !res.HasCriticalIssue()
	switch {
	case res.Actual == domain.BehaviorError:
		res.Status = domain.TestError
	case res.Pass:
		res.Status = domain.TestPassed
	default:
		res.Status = domain.TestFailed
	}
	return res
}

func (v *Verifier) probe(ctx context.Context, g *Guard, tc domain.IsolationTestCase, a, b domain.TenantContext) (domain.Behavior, []domain.SecurityIssue, string) {
	switch tc.Op {
	case domain.OpRead:
		return v.probeRead(ctx, g, tc, a, b)
	case domain.OpWrite:
		return v.probeForeignWrite(ctx, g, tc, a, b)
	case domain.OpDelete:
		return v.probeDelete(ctx, g, tc, a, b)
	case domain.OpRaw:
		return v.probeRaw(ctx, g, tc, a, b)
	default:
		return domain.BehaviorError, nil, fmt.Sprintf("unsupported case op %q", tc.Op)
	}
}

func (v *Verifier) probeRead(ctx context.Context, g *Guard, tc domain.IsolationTestCase, a, b domain.TenantContext) (domain.Behavior, []domain.SecurityIssue, string) {
	opts := domain.ReadOptions{Limit: 200}
	rowsA, errA := g.For(a).Read(ctx, tc.Table, nil, opts)
	rowsB, errB := g.For(b).Read(ctx, tc.Table, nil, opts)
	if errA != nil || errB != nil {
		return behaviorForError(firstErr(errA, errB)), nil, errString(firstErr(errA, errB))
	}

	leakedToB := countTenantRows(rowsB, a.TenantID)
	leakedToA := countTenantRows(rowsA, b.TenantID)
	if leakedToB > 0 || leakedToA > 0 {
		issue := domain.SecurityIssue{
			Type:     domain.IssueDataLeak,
			Severity: domain.SeverityCritical,
			Evidence: fmt.Sprintf("table %s: %d foreign rows visible to %s, %d to %s",
				tc.Table, leakedToB, b.TenantID, leakedToA, a.TenantID),
			Remediation: "add the table to tenant_scoped_tables so the read path injects the tenant predicate",
		}
		return domain.BehaviorAllow, []domain.SecurityIssue{issue}, issue.Evidence
	}
	if len(rowsA) == 0 && len(rowsB) == 0 {
		return domain.BehaviorDeny, nil, "both executions returned nothing"
	}
	return domain.BehaviorFilter, nil, fmt.Sprintf("%d rows for %s, %d rows for %s", len(rowsA), a.TenantID, len(rowsB), b.TenantID)
}

func (v *Verifier) probeForeignWrite(ctx context.Context, g *Guard, tc domain.IsolationTestCase, a, b domain.TenantContext) (domain.Behavior, []domain.SecurityIssue, string) {
	created, err := g.For(b).Write(ctx, tc.Table, domain.Row{tenantColumn: a.TenantID})
	if err != nil {
		return behaviorForError(err), nil, errString(err)
	}

	issueType := domain.IssueBypass
	if !v.guard.Policy().WriteAllowed(tc.Table, b.ActorRole) {
		issueType = domain.IssuePrivilegeEscalation
	}
	issue := domain.SecurityIssue{
		Type:        issueType,
		Severity:    domain.SeverityCritical,
		Evidence:    fmt.Sprintf("write on %s under %s persisted row %v for tenant %s", tc.Table, b.TenantID, created["id"], a.TenantID),
		Remediation: "reject payloads whose tenant_id differs from the calling context",
	}
	return domain.BehaviorAllow, []domain.SecurityIssue{issue}, issue.Evidence
}

func (v *Verifier) probeDelete(ctx context.Context, g *Guard, tc domain.IsolationTestCase, a, b domain.TenantContext) (domain.Behavior, []domain.SecurityIssue, string) {
	opts := domain.ReadOptions{Limit: 200}
	before, err := g.For(a).Read(ctx, tc.Table, nil, opts)
	if err != nil {
		return domain.BehaviorError, nil, errString(err)
	}

	if _, err := g.For(b).Delete(ctx, tc.Table, nil); err != nil {
		return behaviorForError(err), nil, errString(err)
	}

	after, err := g.For(a).Read(ctx, tc.Table, nil, opts)
	if err != nil {
		return domain.BehaviorError, nil, errString(err)
	}
	if len(after) < len(before) {
		issue := domain.SecurityIssue{
			Type:     domain.IssueDataLeak,
			Severity: domain.SeverityCritical,
			Evidence: fmt.Sprintf("delete on %s under %s removed %d rows belonging to %s",
				tc.Table, b.TenantID, len(before)-len(after), a.TenantID),
			Remediation: "inject the tenant predicate on the delete path",
		}
		return domain.BehaviorAllow, []domain.SecurityIssue{issue}, issue.Evidence
	}
	return domain.BehaviorFilter, nil, fmt.Sprintf("%s kept its %d rows", a.TenantID, len(after))
}

func (v *Verifier) probeRaw(ctx context.Context, g *Guard, tc domain.IsolationTestCase, a, b domain.TenantContext) (domain.Behavior, []domain.SecurityIssue, string) {
	rows, err := g.For(b).RawQuery(ctx, tc.RawSQL, tc.Params)
	if err != nil {
		return behaviorForError(err), nil, errString(err)
	}

	issue := domain.SecurityIssue{
		Type:        domain.IssueBypass,
		Severity:    domain.SeverityCritical,
		Evidence:    fmt.Sprintf("raw statement %q executed under %s", tc.RawSQL, b.TenantID),
		Remediation: "extend the raw statement deny checks",
	}
	if leaked := countTenantRows(rows, a.TenantID); leaked > 0 {
		issue.Type = domain.IssueDataLeak
		issue.Evidence = fmt.Sprintf("raw statement %q returned %d rows belonging to %s", tc.RawSQL, leaked, a.TenantID)
	}
	return domain.BehaviorAllow, []domain.SecurityIssue{issue}, issue.Evidence
}

// recordRun writes the durable audit record for a completed run and logs
// every critical issue.
func (v *Verifier) recordRun(ctx context.Context, report *domain.VerificationReport, a domain.TenantContext) {
	critical := report.CriticalIssues()

	outcome := domain.OutcomeSuccess
	severity := domain.SeverityLow
	if report.Overall != domain.ReportPassed {
		outcome = domain.OutcomeViolation
		severity = domain.SeverityHigh
	}
	if len(critical) > 0 {
		severity = domain.SeverityCritical
	}

	detail := fmt.Sprintf("run %s: %s, %d cases, %d critical issues", report.RunID, report.Overall, len(report.Results), len(critical))
	if err := v.audit.Record(ctx, domain.AuditRecord{
		ID:        uuid.NewString(),
		TenantID:  a.TenantID,
		ActorID:   "verifier",
		Operation: domain.OpVerify,
		Outcome:   outcome,
		Severity:  severity,
		Detail:    detail,
	}); err != nil {
		v.logger.Error("audit verification run failed", "run", report.RunID, "error", err)
	}

	for _, issue := range critical {
		v.logger.Error("isolation verification issue",
			"run", report.RunID, "type", string(issue.Type), "evidence", issue.Evidence)
	}
}

func countTenantRows(rows []domain.Row, tenantID string) int {
	count := 0
	for _, row := range rows {
		if fmt.Sprint(row[tenantColumn]) == tenantID {
			count++
		}
	}
	return count
}

// behaviorForError maps an enforcement rejection to deny and anything else
// to error, keeping tooling faults distinct from policy decisions.
func behaviorForError(err error) domain.Behavior {
	if errors.Is(err, domain.ErrIsolationViolation) || errors.Is(err, domain.ErrAccessDenied) {
		return domain.BehaviorDeny
	}
	return domain.BehaviorError
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
