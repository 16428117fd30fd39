package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// quotaRow is one user's durable allowance. -1 means unlimited, 0 blocks the service.
type quotaRow struct {
	UserID                string `gorm:"primaryKey;size:128"`
	Tier                  string `gorm:"size:16;not null"`
	DailyVoiceMinutes     int64  `gorm:"not null"`
	MonthlyTTSCharacters  int64  `gorm:"column:monthly_tts_characters;not null"`
	MonthlyLLMCalls       int64  `gorm:"column:monthly_llm_calls;not null"`
	MonthlyEmbeddingCalls int64  `gorm:"not null"`
	PeriodStart           time.Time
	CreatedAt             time.Time `gorm:"autoCreateTime"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime"`
}

func (quotaRow) TableName() string { return "usage_quotas" }

// costRow is append-only.
type costRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:128;index:idx_cost_user_time,priority:1"`
	Service   string    `gorm:"size:16;not null"`
	CostMinor int64     `gorm:"not null"`
	Units     int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index;index:idx_cost_user_time,priority:2"`
}

func (costRow) TableName() string { return "cost_records" }

// violationRow is append-only.
type violationRow struct {
	ID           string            `gorm:"primaryKey;size:36"`
	UserID       string            `gorm:"size:128;index"`
	Service      string            `gorm:"size:16;not null"`
	Reason       string            `gorm:"size:32;not null;index"`
	Detail       string            `gorm:"size:64"`
	LimitValue   int64             `gorm:"column:limit_value"`
	CurrentValue int64             `gorm:"column:current_value"`
	RetryAfterMs int64             `gorm:"column:retry_after_ms"`
	Context      datatypes.JSONMap `gorm:"type:json"`
	CreatedAt    time.Time         `gorm:"not null;index"`
}

func (violationRow) TableName() string { return "rate_limit_violations" }
