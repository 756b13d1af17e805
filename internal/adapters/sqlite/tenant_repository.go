package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Lakakaku/brf-sub003/internal/adapters/sqlite/gormsqlite"
	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

type tenantModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name;not null"`
	Active    bool      `gorm:"column:active;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (tenantModel) TableName() string {
	return "tenants"
}

// TenantRepository backs the tenant directory with the tenants table.
type TenantRepository struct {
	db *gormsqlite.DB
}

var _ ports.TenantDirectory = (*TenantRepository)(nil)

func NewTenantRepository(db *gormsqlite.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) Lookup(ctx context.Context, tenantID string) (domain.Tenant, error) {
	var model tenantModel
	err := r.db.R.WithContext(ctx).Where("id = ?", tenantID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Tenant{}, domain.ErrNotFound
		}
		return domain.Tenant{}, fmt.Errorf("lookup tenant: %w", err)
	}
	return domain.Tenant{ID: model.ID, Name: model.Name, Active: model.Active, CreatedAt: model.CreatedAt}, nil
}

func (r *TenantRepository) Upsert(ctx context.Context, tenant domain.Tenant) error {
	model := tenantModel{
		ID:        tenant.ID,
		Name:      tenant.Name,
		Active:    tenant.Active,
		CreatedAt: tenant.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}

	err := r.db.W.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "active"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}
