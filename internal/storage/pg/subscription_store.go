package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eternisai/voicerelay/internal/stripe"
)

// SubscriptionStore implements stripe.SubscriptionStore against Postgres.
type SubscriptionStore struct {
	db *sql.DB
}

// NewSubscriptionStore wraps db for use by the Stripe ingestion service.
func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func (s *SubscriptionStore) LinkCheckoutSession(ctx context.Context, organizationID, stripeCustomerID, stripeSubscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organization_subscriptions
		SET stripe_customer_id = $1, stripe_subscription_id = $2, updated_at = now()
		WHERE organization_id = $3`,
		stripeCustomerID, stripeSubscriptionID, organizationID)
	if err != nil {
		return fmt.Errorf("link checkout session: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) UpsertByCustomer(ctx context.Context, stripeCustomerID string, update stripe.StripeSubscriptionUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organization_subscriptions
		SET plan_id = $1, status = $2, current_period_start = $3, current_period_end = $4,
		    stripe_subscription_id = $5, canceled_at = $6, updated_at = now()
		WHERE stripe_customer_id = $7`,
		update.PlanID, update.Status, update.CurrentPeriodStart, update.CurrentPeriodEnd,
		update.StripeSubscriptionID, nullableTime(update.CanceledAt), stripeCustomerID)
	if err != nil {
		return fmt.Errorf("update subscription by customer: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("no subscription linked to stripe customer %s", stripeCustomerID)
	}
	return nil
}

func (s *SubscriptionStore) PlanIDForPrice(ctx context.Context, stripePriceID string) (string, error) {
	var planID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM subscription_plans WHERE stripe_price_id = $1`, stripePriceID).Scan(&planID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no plan configured for stripe price %s", stripePriceID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve plan for price: %w", err)
	}
	return planID, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
