package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/config"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
	admissionuc "github.com/kailas-cloud/callguard/internal/usecase/admission"
)

// quotaLedger is the slice of the usage ledger the quota commands need.
type quotaLedger interface {
	GetQuota(ctx context.Context, userID string) (usage.Quota, error)
	UpsertQuota(ctx context.Context, q usage.Quota) error
	ListViolations(ctx context.Context, userID string, limit int) ([]usage.Violation, error)
}

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and change per-user quotas in the usage ledger",
	}
	cmd.AddCommand(newQuotaSetTierCmd(), newQuotaShowCmd(), newQuotaViolationsCmd())
	return cmd
}

// withLedger opens the ledger from config for one command run.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, l quotaLedger) error) error {
	_, cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	ledger, closeLedger, err := openLedger(ctx, cfg.Ledger, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		return err
	}
	defer closeLedger()
	return fn(ctx, cfg, ledger)
}

func newQuotaSetTierCmd() *cobra.Command {
	var userID, tier string
	cmd := &cobra.Command{
		Use:   "set-tier",
		Short: "Move a user to a tier and reset their limits to the tier defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, func(ctx context.Context, cfg config.Config, l quotaLedger) error {
				q, err := setTier(ctx, l, admissionConfig(cfg.Admission).Tiers, userID, tier, time.Now())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), quotaView(q))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier: free, plus or pro")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func newQuotaShowCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a user's quota",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, func(ctx context.Context, _ config.Config, l quotaLedger) error {
				q, err := l.GetQuota(ctx, userID)
				if err != nil {
					return err //nolint:wrapcheck // already wrapped
				}
				return writeJSON(cmd.OutOrStdout(), quotaView(q))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newQuotaViolationsCmd() *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List a user's most recent admission rejections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, func(ctx context.Context, _ config.Config, l quotaLedger) error {
				list, err := l.ListViolations(ctx, userID, limit)
				if err != nil {
					return err //nolint:wrapcheck // already wrapped
				}
				out := make([]violationView, len(list))
				for i, v := range list {
					out[i] = violationView{
						Service:      string(v.Service),
						Reason:       v.Reason,
						Detail:       v.Detail,
						Limit:        v.Limit,
						Current:      v.Current,
						RetryAfterMs: v.RetryAfter.Milliseconds(),
						CreatedAt:    v.CreatedAt.UTC(),
					}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setTier(
	ctx context.Context, l quotaLedger, tiers admissionuc.Tiers, userID, tierName string, now time.Time,
) (usage.Quota, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usage.Quota{}, fmt.Errorf("--user is required")
	}
	tier, err := usage.ParseTier(tierName)
	if err != nil {
		return usage.Quota{}, err //nolint:wrapcheck // already wrapped
	}
	limits, ok := tiers[tier]
	if !ok {
		return usage.Quota{}, fmt.Errorf("tier %q has no limits configured", tier)
	}

	q := usage.Quota{
		UserID:      userID,
		Tier:        tier,
		Limits:      limits,
		PeriodStart: usage.WindowMonth.Start(now),
	}
	if err := l.UpsertQuota(ctx, q); err != nil {
		return usage.Quota{}, err //nolint:wrapcheck // already wrapped
	}
	return q, nil
}

type quotaJSON struct {
	UserID                string    `json:"user_id"`
	Tier                  string    `json:"tier"`
	DailyVoiceMinutes     int64     `json:"daily_voice_minutes"`
	MonthlyTTSCharacters  int64     `json:"monthly_tts_characters"`
	MonthlyLLMCalls       int64     `json:"monthly_llm_calls"`
	MonthlyEmbeddingCalls int64     `json:"monthly_embedding_calls"`
	PeriodStart           time.Time `json:"period_start"`
}

func quotaView(q usage.Quota) quotaJSON {
	return quotaJSON{
		UserID:                q.UserID,
		Tier:                  string(q.Tier),
		DailyVoiceMinutes:     q.Limits.DailyVoiceMinutes,
		MonthlyTTSCharacters:  q.Limits.MonthlyTTSCharacters,
		MonthlyLLMCalls:       q.Limits.MonthlyLLMCalls,
		MonthlyEmbeddingCalls: q.Limits.MonthlyEmbeddingCalls,
		PeriodStart:           q.PeriodStart.UTC(),
	}
}

type violationView struct {
	Service      string    `json:"service"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	Limit        int64     `json:"limit"`
	Current      int64     `json:"current"`
	RetryAfterMs int64     `json:"retry_after_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
