// store.go hand-writes the SQL the quota and write-queue components need.
// The retrieval pack never shipped a sqlc-generated query package for this
// schema (see DESIGN.md), so this is raw database/sql against Database.DB.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eternisai/voicerelay/internal/quota"
	"github.com/eternisai/voicerelay/internal/writequeue"
)

// QuotaStore implements quota.Store against Postgres.
type QuotaStore struct {
	db *sql.DB
}

// NewQuotaStore wraps db for use by the Quota Service.
func NewQuotaStore(db *sql.DB) *QuotaStore {
	return &QuotaStore{db: db}
}

func (s *QuotaStore) GetSubscriptionAndPlan(ctx context.Context, orgID string) (quota.Subscription, quota.Plan, error) {
	const query = `
		SELECT s.id, s.organization_id, s.plan_id, s.status, s.current_period_start,
		       s.current_period_end, s.lifetime_usage_minutes,
		       p.name, p.quota_minutes, p.quota_resets_monthly
		FROM organization_subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.organization_id = $1`

	var sub quota.Subscription
	var plan quota.Plan
	var periodEnd sql.NullTime

	row := s.db.QueryRowContext(ctx, query, orgID)
	err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart,
		&periodEnd, &sub.LifetimeUsageMinutes,
		&plan.Name, &plan.QuotaMinutes, &plan.QuotaResetsMonthly,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Subscription{}, quota.Plan{}, quota.ErrNoSubscription
	}
	if err != nil {
		return quota.Subscription{}, quota.Plan{}, fmt.Errorf("load subscription: %w", err)
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}

	return sub, plan, nil
}

func (s *QuotaStore) CurrentPeriod(ctx context.Context, subscriptionID string, now time.Time) (quota.Period, bool, error) {
	const query = `
		SELECT id, subscription_id, period_start, period_end, usage_minutes
		FROM usage_periods
		WHERE subscription_id = $1 AND period_start <= $2 AND period_end >= $2
		ORDER BY period_start DESC
		LIMIT 1`

	var p quota.Period
	row := s.db.QueryRowContext(ctx, query, subscriptionID, now)
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.PeriodStart, &p.PeriodEnd, &p.UsageMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Period{}, false, nil
	}
	if err != nil {
		return quota.Period{}, false, fmt.Errorf("load current period: %w", err)
	}
	return p, true, nil
}

// RollPeriodForward advances the subscription's period pointer by the
// previous period's length and find-or-creates the new UsagePeriod row,
// per SPEC_FULL.md's Open Question #1 resolution (literal, not
// calendar-aware rollover).
func (s *QuotaStore) RollPeriodForward(ctx context.Context, sub quota.Subscription, now time.Time) (quota.Period, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Period{}, fmt.Errorf("begin roll-forward tx: %w", err)
	}
	defer tx.Rollback()

	periodStart := sub.CurrentPeriodStart
	prevLen := 30 * 24 * time.Hour
	if sub.CurrentPeriodEnd != nil {
		prevLen = sub.CurrentPeriodEnd.Sub(sub.CurrentPeriodStart)
	}
	for !now.Before(periodStart.Add(prevLen)) {
		periodStart = periodStart.Add(prevLen)
	}
	periodEnd := periodStart.AddDate(0, 1, 0)

	if _, err := tx.ExecContext(ctx, `
		UPDATE organization_subscriptions
		SET current_period_start = $1, current_period_end = $2, updated_at = now()
		WHERE id = $3`, periodStart, periodEnd, sub.ID); err != nil {
		return quota.Period{}, fmt.Errorf("update subscription period: %w", err)
	}

	var p quota.Period
	err = tx.QueryRowContext(ctx, `
		INSERT INTO usage_periods (id, subscription_id, period_start, period_end, usage_minutes)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (subscription_id, period_start) DO UPDATE SET period_start = EXCLUDED.period_start
		RETURNING id, subscription_id, period_start, period_end, usage_minutes`,
		periodKeyID(sub.ID, periodStart), sub.ID, periodStart, periodEnd,
	).Scan(&p.ID, &p.SubscriptionID, &p.PeriodStart, &p.PeriodEnd, &p.UsageMinutes)
	if err != nil {
		return quota.Period{}, fmt.Errorf("find-or-create usage period: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return quota.Period{}, fmt.Errorf("commit roll-forward tx: %w", err)
	}
	return p, nil
}

func periodKeyID(subscriptionID string, periodStart time.Time) string {
	return fmt.Sprintf("%s:%d", subscriptionID, periodStart.Unix())
}

// IncrementLifetimeUsage performs the atomic UPDATE ... SET x = x + $1
// increment described in SPEC_FULL.md's Open Question #2 resolution.
func (s *QuotaStore) IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organization_subscriptions
		SET lifetime_usage_minutes = lifetime_usage_minutes + $1, updated_at = now()
		WHERE id = $2`, minutes, subscriptionID)
	if err != nil {
		return fmt.Errorf("increment lifetime usage: %w", err)
	}
	return nil
}

func (s *QuotaStore) IncrementPeriodUsage(ctx context.Context, periodID string, minutes float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_periods SET usage_minutes = usage_minutes + $1 WHERE id = $2`, minutes, periodID)
	if err != nil {
		return fmt.Errorf("increment period usage: %w", err)
	}
	return nil
}

// TranscriptionExecutor implements writequeue.Executor for the
// transcriptions table: create populates every column on first insert,
// update overwrites the streaming fields on every write, and
// target_language/source_language are only overwritten when $11/$12 carry a
// non-nil value — which the Session only supplies when finalizing, so a
// periodic in-progress checkpoint can never clobber a language a later
// finalize corrects.
type TranscriptionExecutor struct {
	db *sql.DB
}

// NewTranscriptionExecutor wraps db for use as the write queue's executor.
func NewTranscriptionExecutor(db *sql.DB) *TranscriptionExecutor {
	return &TranscriptionExecutor{db: db}
}

func (e *TranscriptionExecutor) Execute(ctx context.Context, op writequeue.Op) error {
	create, _ := op.Payload["create"].(map[string]interface{})
	update, _ := op.Payload["update"].(map[string]interface{})

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO transcriptions (
			id, organization_id, duration_in_ms, model_name, target_language, source_language,
			transcription_result, translation_result, vocabularies, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			duration_in_ms       = EXCLUDED.duration_in_ms,
			target_language      = COALESCE($11, transcriptions.target_language),
			source_language      = COALESCE($12, transcriptions.source_language),
			transcription_result = COALESCE(EXCLUDED.transcription_result, transcriptions.transcription_result),
			translation_result   = COALESCE(EXCLUDED.translation_result, transcriptions.translation_result),
			vocabularies         = COALESCE(EXCLUDED.vocabularies, transcriptions.vocabularies),
			status                = CASE
				WHEN transcriptions.status = 'COMPLETED' AND EXCLUDED.status = 'NO_DATA' THEN transcriptions.status
				ELSE EXCLUDED.status
			END,
			updated_at = now()`,
		create["id"], create["orgId"], update["durationInMs"], create["modelName"],
		create["targetLanguage"], create["sourceLanguage"],
		update["transcriptionResult"], update["translationResult"], update["vocabularies"], update["status"],
		update["targetLanguageUpdate"], update["sourceLanguageUpdate"],
	)
	if err != nil {
		return fmt.Errorf("upsert transcription: %w", err)
	}
	return nil
}
