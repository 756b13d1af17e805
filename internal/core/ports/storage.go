package ports

import (
	"context"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// RowStore is the storage collaborator: parameterized access to a relational
// store. Implementations never see tenant semantics; the guard owns those.
type RowStore interface {
	Select(ctx context.Context, table string, filter domain.Filter, opts domain.ReadOptions) ([]domain.Row, error)
	Insert(ctx context.Context, table string, row domain.Row) (domain.Row, error)
	Update(ctx context.Context, table string, patch domain.Row, filter domain.Filter) (int64, error)
	Delete(ctx context.Context, table string, filter domain.Filter) (int64, error)
	Query(ctx context.Context, sql string, params []any) ([]domain.Row, error)
	Exec(ctx context.Context, sql string, params []any) (int64, error)

	// WithinTx runs fn against a transaction-scoped store. Returning an
	// error rolls everything back; no partial write stays visible.
	WithinTx(ctx context.Context, fn func(tx RowStore) error) error
}
