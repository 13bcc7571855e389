// Package quota implements the Quota Service (C4): it decides whether an
// organization may open a new recording session and durably accounts for
// recorded minutes once a session closes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Plan mirrors the SubscriptionPlan row the service needs to make a decision.
type Plan struct {
	ID                 string
	Name               string
	QuotaMinutes        float64
	QuotaResetsMonthly bool
}

// Subscription mirrors the OrganizationSubscription row.
type Subscription struct {
	ID                   string
	OrganizationID       string
	PlanID               string
	Status               string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     *time.Time
	LifetimeUsageMinutes float64
}

// Period mirrors a UsagePeriod row.
type Period struct {
	ID            string
	SubscriptionID string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	UsageMinutes  float64
}

// Store is the persistence seam the Quota Service needs. Implemented by
// internal/storage/pg against the real schema; a fake in tests.
type Store interface {
	// GetSubscriptionAndPlan loads the subscription and its plan for an
	// organization. Returns ErrNoSubscription if none exists.
	GetSubscriptionAndPlan(ctx context.Context, orgID string) (Subscription, Plan, error)

	// CurrentPeriod returns the UsagePeriod covering now, if any.
	CurrentPeriod(ctx context.Context, subscriptionID string, now time.Time) (Period, bool, error)

	// RollPeriodForward advances the subscription's period pointer and
	// find-or-creates the new UsagePeriod row, returning it.
	RollPeriodForward(ctx context.Context, sub Subscription, now time.Time) (Period, error)

	// IncrementLifetimeUsage atomically adds minutes to the subscription's
	// lifetimeUsageMinutes column.
	IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error

	// IncrementPeriodUsage atomically adds minutes to a UsagePeriod's
	// usageMinutes column.
	IncrementPeriodUsage(ctx context.Context, periodID string, minutes float64) error
}

var (
	// ErrNoSubscription is returned when an organization has no subscription row.
	ErrNoSubscription = errors.New("quota: no subscription for organization")
)

// ExceededError carries the wire-shaped quota:exceeded payload (spec.md 4.6,
// scenario 5): {currentPlan, quotaMinutes, usedMinutes, upgradeRequired}.
type ExceededError struct {
	CurrentPlan     string
	QuotaMinutes    float64
	UsedMinutes     float64
	UpgradeRequired bool
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: plan %s used %.4f/%.4f minutes", e.CurrentPlan, e.UsedMinutes, e.QuotaMinutes)
}

// Availability is the result of checkQuotaAvailability.
type Availability struct {
	Allowed          bool
	RemainingMinutes float64
	UsedMinutes      float64
	QuotaMinutes     float64
	PlanName         string
}

// Service implements C4's two operations against a Store.
type Service struct {
	store Store
}

// New creates a Quota Service backed by store.
func New(store Store) *Service {
	return &Service{store: store}
}

// CheckQuotaAvailability implements spec.md 4.4's checkQuotaAvailability.
func (s *Service) CheckQuotaAvailability(ctx context.Context, orgID string) (Availability, error) {
	sub, plan, err := s.store.GetSubscriptionAndPlan(ctx, orgID)
	if err != nil {
		return Availability{}, err
	}

	if sub.Status != "active" {
		return Availability{}, &ExceededError{
			CurrentPlan:     plan.Name,
			QuotaMinutes:    plan.QuotaMinutes,
			UsedMinutes:     0,
			UpgradeRequired: true,
		}
	}

	used, err := s.usedMinutes(ctx, sub, plan, time.Now())
	if err != nil {
		return Availability{}, err
	}

	remaining := plan.QuotaMinutes - used
	allowed := remaining > 0

	avail := Availability{
		Allowed:          allowed,
		RemainingMinutes: remaining,
		UsedMinutes:      used,
		QuotaMinutes:     plan.QuotaMinutes,
		PlanName:         plan.Name,
	}

	if !allowed {
		return avail, &ExceededError{
			CurrentPlan:     plan.Name,
			QuotaMinutes:    plan.QuotaMinutes,
			UsedMinutes:     used,
			UpgradeRequired: true,
		}
	}

	return avail, nil
}

// RecordUsage implements spec.md 4.4's recordUsage: durationMs/60000 minutes,
// IEEE-754 division, folded into lifetime or period usage depending on the
// plan's reset policy.
func (s *Service) RecordUsage(ctx context.Context, orgID string, durationMs int64) error {
	minutes := float64(durationMs) / 60000.0

	sub, plan, err := s.store.GetSubscriptionAndPlan(ctx, orgID)
	if err != nil {
		return err
	}

	if !plan.QuotaResetsMonthly {
		return s.store.IncrementLifetimeUsage(ctx, sub.ID, minutes)
	}

	period, err := s.currentOrRolledPeriod(ctx, sub, time.Now())
	if err != nil {
		return err
	}
	return s.store.IncrementPeriodUsage(ctx, period.ID, minutes)
}

// usedMinutes resolves the "used" figure per spec.md 4.4 step 3.
func (s *Service) usedMinutes(ctx context.Context, sub Subscription, plan Plan, now time.Time) (float64, error) {
	if !plan.QuotaResetsMonthly {
		return sub.LifetimeUsageMinutes, nil
	}
	period, err := s.currentOrRolledPeriod(ctx, sub, now)
	if err != nil {
		return 0, err
	}
	return period.UsageMinutes, nil
}

// currentOrRolledPeriod finds the UsagePeriod covering now, rolling one
// forward if the existing period is missing or expired.
func (s *Service) currentOrRolledPeriod(ctx context.Context, sub Subscription, now time.Time) (Period, error) {
	period, ok, err := s.store.CurrentPeriod(ctx, sub.ID, now)
	if err != nil {
		return Period{}, err
	}
	if ok && !now.Before(period.PeriodStart) && !now.After(period.PeriodEnd) {
		return period, nil
	}
	return s.store.RollPeriodForward(ctx, sub, now)
}
