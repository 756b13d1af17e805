package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

const deletedAtColumn = "deleted_at"

// Guard is the mandatory gateway for all persistent access. It holds only
// immutable collaborators; per-call state lives in the TenantGuard returned
// by For, so concurrent calls from different tenants share nothing but the
// store and the audit log.
type Guard struct {
	policy   domain.IsolationPolicy
	store    ports.RowStore
	audit    ports.AuditLog
	tenants  ports.TenantDirectory
	analyzer *Analyzer
	logger   *slog.Logger
	now      func() time.Time
}

func NewGuard(policy domain.IsolationPolicy, store ports.RowStore, audit ports.AuditLog, tenants ports.TenantDirectory, analyzer *Analyzer, logger *slog.Logger) *Guard {
	return &Guard{
		policy:   policy,
		store:    store,
		audit:    audit,
		tenants:  tenants,
		analyzer: analyzer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithCollaborators returns a guard identical to g but bound to a different
// store and audit log. The verifier uses this to run enforcement inside a
// fixture transaction with a sandboxed audit sink.
func (g *Guard) WithCollaborators(store ports.RowStore, audit ports.AuditLog) *Guard {
	clone := *g
	clone.store = store
	clone.audit = audit
	return &clone
}

// Policy exposes the active policy to collaborators such as the verifier.
func (g *Guard) Policy() domain.IsolationPolicy { return g.policy }

// Context validates a caller-supplied tenant context against the tenant
// directory. It fails closed: no guarded call can be made with a context
// that did not pass through here.
func (g *Guard) Context(ctx context.Context, tctx domain.TenantContext) (domain.TenantContext, error) {
	if err := tctx.Validate(); err != nil {
		return domain.TenantContext{}, err
	}
	tenant, err := g.tenants.Lookup(ctx, tctx.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TenantContext{}, fmt.Errorf("%w: %q", domain.ErrTenantUnknown, tctx.TenantID)
		}
		return domain.TenantContext{}, fmt.Errorf("resolve tenant: %w", err)
	}
	if !tenant.Active {
		return domain.TenantContext{}, fmt.Errorf("%w: %q", domain.ErrTenantInactive, tctx.TenantID)
	}
	return tctx, nil
}

// For binds the guard to one immutable tenant context for the duration of a
// call sequence.
func (g *Guard) For(tctx domain.TenantContext) *TenantGuard {
	return &TenantGuard{g: g, tctx: tctx}
}

// TenantGuard executes guarded operations under one tenant context.
type TenantGuard struct {
	g    *Guard
	tctx domain.TenantContext
}

// Read returns rows visible to the bound tenant. On tenant-scoped tables the
// tenant predicate is ANDed into the filter; soft-deleted rows stay hidden.
// Zero matches is an empty slice, never an error.
func (t *TenantGuard) Read(ctx context.Context, table string, filter domain.Filter, opts domain.ReadOptions) ([]domain.Row, error) {
	req := domain.AccessRequest{Table: table, Op: domain.OpRead, Filter: filter}
	fp, _ := t.g.analyzer.Classify(req)

	rows, err := t.read(ctx, table, filter, opts)
	return rows, t.finish(ctx, req, fp, err)
}

func (t *TenantGuard) read(ctx context.Context, table string, filter domain.Filter, opts domain.ReadOptions) ([]domain.Row, error) {
	if err := t.checkTable(table, false); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > t.g.policy.MaxReadLimit {
		opts.Limit = t.g.policy.MaxReadLimit
	}

	effective := t.scopeFilter(table, filter, true)
	rows, err := t.g.store.Select(ctx, table, effective, opts)
	if err != nil {
		return nil, &domain.ExecError{Table: table, Op: domain.OpRead, Err: err}
	}
	if rows == nil {
		rows = []domain.Row{}
	}
	return rows, nil
}

// Write inserts one row. The persisted tenant_id always comes from the
// context; a payload carrying a different tenant_id is rejected outright
// rather than silently corrected, since silent correction would mask a
// caller bug that leaked intent.
func (t *TenantGuard) Write(ctx context.Context, table string, payload domain.Row) (domain.Row, error) {
	req := domain.AccessRequest{Table: table, Op: domain.OpWrite, Payload: payload}
	fp, _ := t.g.analyzer.Classify(req)

	created, err := t.write(ctx, table, payload)
	return created, t.finish(ctx, req, fp, err)
}

func (t *TenantGuard) write(ctx context.Context, table string, payload domain.Row) (domain.Row, error) {
	if err := t.checkTable(table, true); err != nil {
		return nil, err
	}
	if err := t.checkForeignTenant(table, domain.OpWrite, payload); err != nil {
		return nil, err
	}

	row := make(domain.Row, len(payload)+4)
	for k, v := range payload {
		row[k] = v
	}
	if t.g.policy.Scoped(table) {
		row[tenantColumn] = t.tctx.TenantID
	}
	if id, ok := row["id"].(string); !ok || id == "" {
		row["id"] = uuid.NewString()
	}
	now := t.g.now()
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	row["updated_at"] = now

	created, err := t.g.store.Insert(ctx, table, row)
	if err != nil {
		return nil, &domain.ExecError{Table: table, Op: domain.OpWrite, Err: err}
	}
	return created, nil
}

// Update applies patch to rows matching filter, always inside the tenant
// predicate. A patch that tries to move a row to another tenant fails with
// an isolation violation and leaves the row unmodified.
func (t *TenantGuard) Update(ctx context.Context, table string, patch domain.Row, filter domain.Filter) (int64, error) {
	req := domain.AccessRequest{Table: table, Op: domain.OpUpdate, Patch: patch, Filter: filter}
	fp, _ := t.g.analyzer.Classify(req)

	affected, err := t.update(ctx, table, patch, filter)
	return affected, t.finish(ctx, req, fp, err)
}

func (t *TenantGuard) update(ctx context.Context, table string, patch domain.Row, filter domain.Filter) (int64, error) {
	if err := t.checkTable(table, true); err != nil {
		return 0, err
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if err := t.checkForeignTenant(table, domain.OpUpdate, patch); err != nil {
		return 0, err
	}

	effective := make(domain.Row, len(patch)+1)
	for k, v := range patch {
		effective[k] = v
	}
	delete(effective, tenantColumn)
	effective["updated_at"] = t.g.now()

	affected, err := t.g.store.Update(ctx, table, effective, t.scopeFilter(table, filter, true))
	if err != nil {
		return 0, &domain.ExecError{Table: table, Op: domain.OpUpdate, Err: err}
	}
	return affected, nil
}

// Delete removes rows matching filter under the tenant predicate. Tables
// whose lifecycle requires historical retention get a deletion marker
// instead of a hard delete; deleting an already-deleted row affects 0 rows.
func (t *TenantGuard) Delete(ctx context.Context, table string, filter domain.Filter) (int64, error) {
	req := domain.AccessRequest{Table: table, Op: domain.OpDelete, Filter: filter}
	fp, _ := t.g.analyzer.Classify(req)

	affected, err := t.delete(ctx, table, filter)
	return affected, t.finish(ctx, req, fp, err)
}

func (t *TenantGuard) delete(ctx context.Context, table string, filter domain.Filter) (int64, error) {
	if err := t.checkTable(table, true); err != nil {
		return 0, err
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	if t.g.policy.SoftDelete(table) {
		now := t.g.now()
		patch := domain.Row{deletedAtColumn: now, "updated_at": now}
		affected, err := t.g.store.Update(ctx, table, patch, t.scopeFilter(table, filter, true))
		if err != nil {
			return 0, &domain.ExecError{Table: table, Op: domain.OpDelete, Err: err}
		}
		return affected, nil
	}

	affected, err := t.g.store.Delete(ctx, table, t.scopeFilter(table, filter, false))
	if err != nil {
		return 0, &domain.ExecError{Table: table, Op: domain.OpDelete, Err: err}
	}
	return affected, nil
}

// RawQuery is the restricted escape hatch. The statement is parsed and
// rejected when it matches a structural bypass pattern; the configured regex
// deny-list applies on top as a blunt second line.
func (t *TenantGuard) RawQuery(ctx context.Context, sql string, params []any) ([]domain.Row, error) {
	req := domain.AccessRequest{Table: "", Op: domain.OpRaw, RawSQL: sql, Params: params}
	fp, ferr := t.g.analyzer.Classify(req)

	rows, err := t.rawQuery(ctx, sql, params, ferr)
	return rows, t.finish(ctx, req, fp, err)
}

func (t *TenantGuard) rawQuery(ctx context.Context, sql string, params []any, classifyErr error) ([]domain.Row, error) {
	if pattern, denied := t.g.policy.DeniedRaw(sql); denied {
		return nil, &domain.ViolationError{Op: domain.OpRaw, Reason: fmt.Sprintf("matches deny pattern %q", pattern)}
	}
	if classifyErr != nil {
		// A statement the parser cannot understand is never executed.
		return nil, &domain.ViolationError{Op: domain.OpRaw, Reason: classifyErr.Error()}
	}

	ins, err := t.g.analyzer.InspectRaw(sql)
	if err != nil {
		return nil, &domain.ViolationError{Op: domain.OpRaw, Reason: err.Error()}
	}
	if err := t.checkRaw(ins, params); err != nil {
		return nil, err
	}

	if ins.Kind == "select" {
		rows, err := t.g.store.Query(ctx, sql, params)
		if err != nil {
			return nil, &domain.ExecError{Op: domain.OpRaw, Err: err}
		}
		if rows == nil {
			rows = []domain.Row{}
		}
		return rows, nil
	}

	affected, err := t.g.store.Exec(ctx, sql, params)
	if err != nil {
		return nil, &domain.ExecError{Op: domain.OpRaw, Err: err}
	}
	return []domain.Row{{"rows_affected": affected}}, nil
}

func (t *TenantGuard) checkRaw(ins rawInspection, params []any) error {
	if ins.MultiStatement {
		return &domain.ViolationError{Op: domain.OpRaw, Reason: "multi-statement chaining is not allowed"}
	}
	if ins.Kind == "other" {
		return &domain.ViolationError{Op: domain.OpRaw, Reason: "schema or session mutation is not allowed"}
	}
	if ins.AssignsTenantID {
		return &domain.ViolationError{Op: domain.OpRaw, Reason: "raw statements may not assign tenant_id"}
	}

	touchesScoped := false
	for _, table := range ins.Tables {
		if !t.g.policy.Known(table) {
			return &domain.ConfigError{Table: table, Reason: "table is not on the allow-list"}
		}
		if t.g.policy.Scoped(table) {
			touchesScoped = true
		}
		if ins.Kind == "update" || ins.Kind == "delete" {
			if !t.g.policy.WriteAllowed(table, t.tctx.ActorRole) {
				return &domain.DeniedError{Table: table, Role: t.tctx.ActorRole}
			}
		}
	}

	if ins.Kind == "insert" {
		return &domain.ViolationError{Op: domain.OpRaw, Reason: "raw inserts are not allowed, use write"}
	}
	if touchesScoped && !ins.HasTenantPredicate {
		return &domain.ViolationError{Op: domain.OpRaw, Reason: "tenant-scoped table without tenant predicate"}
	}
	for _, literal := range ins.TenantLiterals {
		if literal != t.tctx.TenantID {
			return &domain.ViolationError{Op: domain.OpRaw, Reason: fmt.Sprintf("tenant predicate names foreign tenant %q", literal)}
		}
	}
	for _, ordinal := range ins.TenantParamOrdinals {
		if ordinal >= len(params) {
			return &domain.ConfigError{Reason: fmt.Sprintf("tenant predicate parameter %d not supplied", ordinal+1)}
		}
		if fmt.Sprint(params[ordinal]) != t.tctx.TenantID {
			return &domain.ViolationError{Op: domain.OpRaw, Reason: "tenant predicate parameter names a foreign tenant"}
		}
	}
	return nil
}

func (t *TenantGuard) checkTable(table string, mutating bool) error {
	if !t.g.policy.Known(table) {
		return &domain.ConfigError{Table: table, Reason: "table is not on the allow-list"}
	}
	if mutating && !t.g.policy.WriteAllowed(table, t.tctx.ActorRole) {
		return &domain.DeniedError{Table: table, Role: t.tctx.ActorRole}
	}
	return nil
}

func (t *TenantGuard) checkForeignTenant(table string, op domain.Operation, row domain.Row) error {
	if row == nil {
		return nil
	}
	if v, ok := row[tenantColumn]; ok && fmt.Sprint(v) != t.tctx.TenantID {
		return &domain.ViolationError{Table: table, Op: op, Reason: fmt.Sprintf("payload names foreign tenant %q", fmt.Sprint(v))}
	}
	return nil
}

// scopeFilter ANDs the tenant predicate into filter for scoped tables and
// hides soft-deleted rows when hideDeleted is set.
func (t *TenantGuard) scopeFilter(table string, filter domain.Filter, hideDeleted bool) domain.Filter {
	effective := make(domain.Filter, 0, len(filter)+2)
	effective = append(effective, filter...)
	if t.g.policy.Scoped(table) {
		effective = append(effective, domain.Eq(tenantColumn, t.tctx.TenantID))
	}
	if hideDeleted && t.g.policy.SoftDelete(table) {
		effective = append(effective, domain.Condition{Column: deletedAtColumn, Op: "null"})
	}
	return effective
}

// finish writes the audit record for a call. It runs synchronously before
// the call returns: a security-relevant event lost to a crash is worse than
// added latency. An unauditable success is converted into a failure.
func (t *TenantGuard) finish(ctx context.Context, req domain.AccessRequest, fp domain.QueryFingerprint, callErr error) error {
	outcome := outcomeFor(callErr)

	detail := ""
	if callErr != nil {
		detail = callErr.Error()
	}
	rec := domain.AuditRecord{
		ID:              uuid.NewString(),
		TenantID:        t.tctx.TenantID,
		ActorID:         t.tctx.ActorID,
		Operation:       req.Op,
		Table:           req.Table,
		Outcome:         outcome,
		FingerprintHash: fp.Hash,
		Sensitivity:     fp.Sensitivity,
		Severity:        severityFor(outcome),
		Detail:          detail,
		RecordedAt:      t.g.now(),
	}

	if err := t.g.audit.Append(ctx, rec); err != nil {
		t.g.logger.Error("audit append failed",
			"tenant", t.tctx.TenantID, "op", string(req.Op), "table", req.Table, "error", err)
		if callErr == nil {
			return &domain.ExecError{Table: req.Table, Op: req.Op, Err: fmt.Errorf("audit append: %w", err)}
		}
	}
	return callErr
}

func outcomeFor(err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.OutcomeSuccess
	case errors.Is(err, domain.ErrIsolationViolation), errors.Is(err, domain.ErrAccessDenied):
		return domain.OutcomeViolation
	default:
		return domain.OutcomeError
	}
}

func severityFor(outcome domain.Outcome) domain.Severity {
	switch outcome {
	case domain.OutcomeViolation:
		return domain.SeverityHigh
	case domain.OutcomeError:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
