// Package ledger is the durable usage ledger: quotas, cost records and the violation audit trail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kailas-cloud/callguard/internal/db/sqldb"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
)

// Repo implements the usage ledger on gorm.
type Repo struct {
	db *gorm.DB
}

// New creates a ledger repository.
func New(gdb *gorm.DB) *Repo {
	return &Repo{db: gdb}
}

// Migrate creates or updates the ledger tables.
func (r *Repo) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&quotaRow{}, &costRow{}, &violationRow{}); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// Ping checks the ledger connection.
func (r *Repo) Ping(ctx context.Context) error {
	return sqldb.Ping(ctx, r.db) //nolint:wrapcheck // already wrapped
}

// GetQuota returns a user's quota or domain.ErrNotFound.
func (r *Repo) GetQuota(ctx context.Context, userID string) (usage.Quota, error) {
	var row quotaRow
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return usage.Quota{}, fmt.Errorf("quota %s: %w", userID, domain.ErrNotFound)
		}
		return usage.Quota{}, fmt.Errorf("get quota %s: %w", userID, err)
	}
	return row.toDomain(), nil
}

// GetOrCreateQuota returns a user's quota, inserting def when the user is first seen.
func (r *Repo) GetOrCreateQuota(ctx context.Context, def usage.Quota) (usage.Quota, error) {
	row := fromQuota(def)
	var out quotaRow
	err := r.db.WithContext(ctx).
		Where(quotaRow{UserID: def.UserID}).
		Attrs(row).
		FirstOrCreate(&out).Error
	if err != nil {
		return usage.Quota{}, fmt.Errorf("get or create quota %s: %w", def.UserID, err)
	}
	return out.toDomain(), nil
}

// UpsertQuota writes a quota, replacing tier and limits of an existing row.
func (r *Repo) UpsertQuota(ctx context.Context, q usage.Quota) error {
	row := fromQuota(q)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tier", "daily_voice_minutes", "monthly_tts_characters",
			"monthly_llm_calls", "monthly_embedding_calls", "period_start", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert quota %s: %w", q.UserID, err)
	}
	return nil
}

// AppendCost stores a cost record.
func (r *Repo) AppendCost(ctx context.Context, rec usage.CostRecord) error {
	row := costRow{
		ID:        uuid.NewString(),
		UserID:    rec.UserID,
		Service:   string(rec.Service),
		CostMinor: rec.CostMinor,
		Units:     rec.Units,
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	return nil
}

// AppendViolation stores a rejected admission.
func (r *Repo) AppendViolation(ctx context.Context, v usage.Violation) error {
	row := violationRow{
		ID:           uuid.NewString(),
		UserID:       v.UserID,
		Service:      string(v.Service),
		Reason:       v.Reason,
		Detail:       v.Detail,
		LimitValue:   v.Limit,
		CurrentValue: v.Current,
		RetryAfterMs: v.RetryAfter.Milliseconds(),
		Context:      datatypes.JSONMap(v.Context),
		CreatedAt:    v.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

// Sum aggregates cost records matching f.
func (r *Repo) Sum(ctx context.Context, f usage.Filter) (usage.Totals, error) {
	q := r.db.WithContext(ctx).Model(&costRow{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Service != "" {
		q = q.Where("service = ?", string(f.Service))
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until.UTC())
	}

	var out struct {
		Calls     int64
		Units     int64
		CostMinor int64
	}
	err := q.Select("COUNT(*) AS calls, COALESCE(SUM(units), 0) AS units, COALESCE(SUM(cost_minor), 0) AS cost_minor").
		Scan(&out).Error
	if err != nil {
		return usage.Totals{}, fmt.Errorf("sum cost records: %w", err)
	}
	return usage.Totals(out), nil
}

// ListViolations returns the most recent violations of a user, newest first.
func (r *Repo) ListViolations(ctx context.Context, userID string, limit int) ([]usage.Violation, error) {
	var rows []violationRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list violations %s: %w", userID, err)
	}
	out := make([]usage.Violation, 0, len(rows))
	for _, row := range rows {
		out = append(out, usage.Violation{
			UserID:     row.UserID,
			Service:    domain.ServiceType(row.Service),
			Reason:     row.Reason,
			Detail:     row.Detail,
			Limit:      row.LimitValue,
			Current:    row.CurrentValue,
			RetryAfter: time.Duration(row.RetryAfterMs) * time.Millisecond,
			Context:    map[string]any(row.Context),
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}

func fromQuota(q usage.Quota) quotaRow {
	return quotaRow{
		UserID:                q.UserID,
		Tier:                  string(q.Tier),
		DailyVoiceMinutes:     q.Limits.DailyVoiceMinutes,
		MonthlyTTSCharacters:  q.Limits.MonthlyTTSCharacters,
		MonthlyLLMCalls:       q.Limits.MonthlyLLMCalls,
		MonthlyEmbeddingCalls: q.Limits.MonthlyEmbeddingCalls,
		PeriodStart:           q.PeriodStart.UTC(),
	}
}

func (row quotaRow) toDomain() usage.Quota {
	return usage.Quota{
		UserID: row.UserID,
		Tier:   usage.Tier(row.Tier),
		Limits: usage.Limits{
			DailyVoiceMinutes:     row.DailyVoiceMinutes,
			MonthlyTTSCharacters:  row.MonthlyTTSCharacters,
			MonthlyLLMCalls:       row.MonthlyLLMCalls,
			MonthlyEmbeddingCalls: row.MonthlyEmbeddingCalls,
		},
		PeriodStart: row.PeriodStart,
	}
}
