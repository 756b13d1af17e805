package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/adapters/sqlite/gormsqlite"
	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

type auditModel struct {
	ID              string    `gorm:"column:id;primaryKey"`
	TenantID        string    `gorm:"column:tenant_id;not null;index"`
	ActorID         string    `gorm:"column:actor_id"`
	Operation       string    `gorm:"column:operation;not null"`
	TargetTable     string    `gorm:"column:target_table"`
	Outcome         string    `gorm:"column:outcome;not null"`
	FingerprintHash string    `gorm:"column:fingerprint_hash"`
	Sensitivity     string    `gorm:"column:sensitivity"`
	Severity        string    `gorm:"column:severity;not null"`
	SeverityRank    int       `gorm:"column:severity_rank;not null"`
	Detail          string    `gorm:"column:detail"`
	RecordedAt      time.Time `gorm:"column:recorded_at;not null;index"`
}

func (auditModel) TableName() string {
	return "audit_records"
}

type holdModel struct {
	RecordID   string     `gorm:"column:record_id;primaryKey"`
	Reason     string     `gorm:"column:reason"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
	ReleasedAt *time.Time `gorm:"column:released_at"`
}

func (holdModel) TableName() string {
	return "audit_holds"
}

// AuditRepository is the append-only durable audit trail. Records are only
// inserted and purged, never updated.
type AuditRepository struct {
	db *gormsqlite.DB
}

var _ ports.AuditLog = (*AuditRepository)(nil)

func NewAuditRepository(db *gormsqlite.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, rec domain.AuditRecord) error {
	model := auditModel{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		ActorID:         rec.ActorID,
		Operation:       string(rec.Operation),
		TargetTable:     rec.Table,
		Outcome:         string(rec.Outcome),
		FingerprintHash: rec.FingerprintHash,
		Sensitivity:     string(rec.Sensitivity),
		Severity:        string(rec.Severity),
		SeverityRank:    rec.Severity.Rank(),
		Detail:          rec.Detail,
		RecordedAt:      rec.RecordedAt,
	}
	if model.RecordedAt.IsZero() {
		model.RecordedAt = time.Now().UTC()
	}

	if err := r.db.W.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *AuditRepository) List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditRecord, error) {
	query := r.db.R.WithContext(ctx).Model(&auditModel{})

	if q.TenantID != "" {
		query = query.Where("tenant_id = ?", q.TenantID)
	}
	if !q.From.IsZero() {
		query = query.Where("recorded_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		query = query.Where("recorded_at <= ?", q.To)
	}
	if q.ViolationsOnly {
		query = query.Where("outcome = ?", string(domain.OutcomeViolation))
	}
	if q.MinSeverity != "" {
		query = query.Where("severity_rank >= ?", q.MinSeverity.Rank())
	}

	var models []auditModel
	err := query.Order("recorded_at DESC").Limit(q.Limit).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}

	records := make([]domain.AuditRecord, 0, len(models))
	for _, model := range models {
		records = append(records, toAuditRecord(model))
	}
	return records, nil
}

func (r *AuditRepository) Hold(ctx context.Context, recordID, reason string) error {
	var count int64
	if err := r.db.R.WithContext(ctx).Model(&auditModel{}).Where("id = ?", recordID).Count(&count).Error; err != nil {
		return fmt.Errorf("check audit record: %w", err)
	}
	if count == 0 {
		return domain.ErrNotFound
	}

	hold := holdModel{RecordID: recordID, Reason: reason, CreatedAt: time.Now().UTC()}
	err := r.db.W.WithContext(ctx).
		Where("record_id = ?", recordID).
		Assign(map[string]interface{}{"reason": reason, "released_at": nil}).
		FirstOrCreate(&hold).Error
	if err != nil {
		return fmt.Errorf("hold audit record: %w", err)
	}
	return nil
}

func (r *AuditRepository) Release(ctx context.Context, recordID string) error {
	now := time.Now().UTC()
	res := r.db.W.WithContext(ctx).Model(&holdModel{}).
		Where("record_id = ? AND released_at IS NULL", recordID).
		Update("released_at", &now)
	if res.Error != nil {
		return fmt.Errorf("release audit hold: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PurgeExpired removes expired records per category, skipping any record
// with an open hold.
func (r *AuditRepository) PurgeExpired(ctx context.Context, retention domain.RetentionPolicy, now time.Time) (int64, error) {
	var purged int64
	for outcome := range retention {
		cutoff := retention.ExpiryCutoff(outcome, now)
		if cutoff.IsZero() {
			continue
		}
		res := r.db.W.WithContext(ctx).Exec(
			`DELETE FROM audit_records
			 WHERE outcome = ? AND recorded_at < ?
			   AND id NOT IN (SELECT record_id FROM audit_holds WHERE released_at IS NULL)`,
			string(outcome), cutoff)
		if res.Error != nil {
			return purged, fmt.Errorf("purge %s audit records: %w", outcome, res.Error)
		}
		purged += res.RowsAffected
	}
	return purged, nil
}

func toAuditRecord(model auditModel) domain.AuditRecord {
	return domain.AuditRecord{
		ID:              model.ID,
		TenantID:        model.TenantID,
		ActorID:         model.ActorID,
		Operation:       domain.Operation(model.Operation),
		Table:           model.TargetTable,
		Outcome:         domain.Outcome(model.Outcome),
		FingerprintHash: model.FingerprintHash,
		Sensitivity:     domain.Sensitivity(model.Sensitivity),
		Severity:        domain.Severity(model.Severity),
		Detail:          model.Detail,
		RecordedAt:      model.RecordedAt,
	}
}
