package ports

import (
	"context"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// AuditLog is the append-only record of enforcement decisions.
type AuditLog interface {
	Append(ctx context.Context, rec domain.AuditRecord) error
	List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditRecord, error)

	// Hold marks a record as referenced by an open investigation; held
	// records survive retention until released.
	Hold(ctx context.Context, recordID, reason string) error
	Release(ctx context.Context, recordID string) error

	// PurgeExpired removes records past their retention cutoff, except
	// those referenced by an open investigation hold.
	PurgeExpired(ctx context.Context, retention domain.RetentionPolicy, now time.Time) (int64, error)
}
