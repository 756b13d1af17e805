package sqlite

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/Lakakaku/brf-sub003/internal/adapters/sqlite/gormsqlite"
	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

// RowStore executes parameterized statements against the shared SQLite
// store. It is tenant-agnostic on purpose: every predicate arrives from the
// guard, fully formed.
type RowStore struct {
	r *gorm.DB
	w *gorm.DB
}

var _ ports.RowStore = (*RowStore)(nil)

func NewRowStore(db *gormsqlite.DB) *RowStore {
	return &RowStore{r: db.R, w: db.W}
}

func (s *RowStore) Select(ctx context.Context, table string, filter domain.Filter, opts domain.ReadOptions) ([]domain.Row, error) {
	clause, args, err := filterSQL(filter)
	if err != nil {
		return nil, err
	}

	q := s.r.WithContext(ctx).Table(table)
	if clause != "" {
		q = q.Where(clause, args...)
	}
	if opts.OrderBy != "" {
		q = q.Order(opts.OrderBy)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []map[string]interface{}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return toDomainRows(rows), nil
}

func (s *RowStore) Insert(ctx context.Context, table string, row domain.Row) (domain.Row, error) {
	values := map[string]interface{}(row)
	if err := s.w.WithContext(ctx).Table(table).Create(values).Error; err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	if id, ok := row["id"]; ok {
		created, err := s.Select(ctx, table, domain.Filter{domain.Eq("id", id)}, domain.ReadOptions{Limit: 1})
		if err == nil && len(created) == 1 {
			return created[0], nil
		}
	}
	return row, nil
}

func (s *RowStore) Update(ctx context.Context, table string, patch domain.Row, filter domain.Filter) (int64, error) {
	clause, args, err := filterSQL(filter)
	if err != nil {
		return 0, err
	}
	if clause == "" {
		return 0, fmt.Errorf("update %s: %w", table, gorm.ErrMissingWhereClause)
	}

	res := s.w.WithContext(ctx).Table(table).Where(clause, args...).Updates(map[string]interface{}(patch))
	if res.Error != nil {
		return 0, fmt.Errorf("update %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *RowStore) Delete(ctx context.Context, table string, filter domain.Filter) (int64, error) {
	clause, args, err := filterSQL(filter)
	if err != nil {
		return 0, err
	}

	stmt := "DELETE FROM " + table
	if clause != "" {
		stmt += " WHERE " + clause
	}
	res := s.w.WithContext(ctx).Exec(stmt, args...)
	if res.Error != nil {
		return 0, fmt.Errorf("delete %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *RowStore) Query(ctx context.Context, sql string, params []any) ([]domain.Row, error) {
	var rows []map[string]interface{}
	if err := s.r.WithContext(ctx).Raw(sql, params...).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("raw query: %w", err)
	}
	return toDomainRows(rows), nil
}

func (s *RowStore) Exec(ctx context.Context, sql string, params []any) (int64, error) {
	res := s.w.WithContext(ctx).Exec(sql, params...)
	if res.Error != nil {
		return 0, fmt.Errorf("raw exec: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// WithinTx runs fn on a transaction-scoped store. Reads and writes share
// the transaction so fn observes its own uncommitted rows; returning an
// error rolls everything back.
func (s *RowStore) WithinTx(ctx context.Context, fn func(tx ports.RowStore) error) error {
	return s.w.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&RowStore{r: tx, w: tx})
	})
}

// filterSQL renders a validated filter into a parameterized WHERE clause.
// Column names were validated upstream; values always travel as parameters.
func filterSQL(filter domain.Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for _, cond := range filter {
		if err := cond.Validate(); err != nil {
			return "", nil, err
		}
		switch cond.Op {
		case "", "eq":
			clauses = append(clauses, cond.Column+" = ?")
			args = append(args, cond.Value)
		case "ne":
			clauses = append(clauses, cond.Column+" <> ?")
			args = append(args, cond.Value)
		case "gt":
			clauses = append(clauses, cond.Column+" > ?")
			args = append(args, cond.Value)
		case "gte":
			clauses = append(clauses, cond.Column+" >= ?")
			args = append(args, cond.Value)
		case "lt":
			clauses = append(clauses, cond.Column+" < ?")
			args = append(args, cond.Value)
		case "lte":
			clauses = append(clauses, cond.Column+" <= ?")
			args = append(args, cond.Value)
		case "like":
			clauses = append(clauses, cond.Column+" LIKE ?")
			args = append(args, cond.Value)
		case "null":
			clauses = append(clauses, cond.Column+" IS NULL")
		case "notnull":
			clauses = append(clauses, cond.Column+" IS NOT NULL")
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toDomainRows(rows []map[string]interface{}) []domain.Row {
	out := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Row(row))
	}
	return out
}
