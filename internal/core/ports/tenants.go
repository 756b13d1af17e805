package ports

import (
	"context"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// TenantDirectory resolves tenant ids. Tenant lifecycle itself is managed
// elsewhere; the core only needs to know whether an id is real and active.
type TenantDirectory interface {
	Lookup(ctx context.Context, tenantID string) (domain.Tenant, error)
	Upsert(ctx context.Context, tenant domain.Tenant) error
}
