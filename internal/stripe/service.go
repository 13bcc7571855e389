// Package stripe ingests Stripe subscription lifecycle events and keeps
// organization_subscriptions in sync with what Stripe believes is true.
// It does not create Checkout Sessions or a billing portal — this relay
// has no web app surface to redirect from, so the only Stripe-facing
// endpoint is the webhook.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eternisai/voicerelay/internal/logger"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// SubscriptionStore is the persistence seam the lifecycle ingestion needs.
// It is a separate, narrower interface than quota.Store because the
// webhook writes subscription rows keyed by Stripe IDs, not by the
// organization ID the quota path reads by.
type SubscriptionStore interface {
	// UpsertByCustomer finds the subscription owned by stripeCustomerID and
	// updates its status/period/plan, or returns an error if none is linked
	// yet (checkout.session.completed is expected to create the link first).
	UpsertByCustomer(ctx context.Context, stripeCustomerID string, sub StripeSubscriptionUpdate) error

	// LinkCheckoutSession attaches a Stripe customer+subscription ID pair to
	// the organization named in the Checkout Session's client_reference_id.
	LinkCheckoutSession(ctx context.Context, organizationID, stripeCustomerID, stripeSubscriptionID string) error

	// PlanIDForPrice resolves a Stripe Price ID to the internal plan ID,
	// so a subscription row always points at a row in subscription_plans.
	PlanIDForPrice(ctx context.Context, stripePriceID string) (string, error)
}

// StripeSubscriptionUpdate carries the fields read off a Stripe
// subscription object that organization_subscriptions needs mirrored.
type StripeSubscriptionUpdate struct {
	StripeSubscriptionID string
	PlanID               string
	Status               string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CanceledAt           *time.Time
}

// Service verifies and routes Stripe webhook events into SubscriptionStore.
type Service struct {
	store         SubscriptionStore
	webhookSecret string
	logger        *logger.Logger
}

// NewService wires the webhook secret and store used to verify and apply
// incoming events.
func NewService(store SubscriptionStore, webhookSecret string, log *logger.Logger) *Service {
	return &Service{
		store:         store,
		webhookSecret: webhookSecret,
		logger:        log.WithComponent("stripe_service"),
	}
}

// HandleWebhook verifies the signature on payload and applies the event.
// Handler acknowledges receipt (200 OK) even when this returns an error,
// a bad signature included — retrying a malformed event will never succeed.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return fmt.Errorf("webhook signature verification failed: %w", err)
	}

	s.logger.Info("webhook event received", "type", event.Type, "event_id", event.ID)

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated", "customer.subscription.created":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	default:
		s.logger.Info("unhandled webhook event type", "type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted links the organization that initiated checkout
// (carried as the session's client_reference_id) to the Stripe customer
// and subscription IDs Stripe just created. It does not change the
// subscription's plan, status or period; those are applied when a
// customer.subscription.* event arrives.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	organizationID := session.ClientReferenceID
	if organizationID == "" {
		return fmt.Errorf("checkout session %s missing client_reference_id", session.ID)
	}
	if session.Customer == nil || session.Subscription == nil {
		return fmt.Errorf("checkout session %s missing customer or subscription", session.ID)
	}

	if err := s.store.LinkCheckoutSession(ctx, organizationID, session.Customer.ID, session.Subscription.ID); err != nil {
		return fmt.Errorf("link checkout session: %w", err)
	}

	s.logger.Info("organization linked to stripe customer",
		"organization_id", organizationID,
		"stripe_customer_id", session.Customer.ID,
		"stripe_subscription_id", session.Subscription.ID)

	return nil
}

// handleSubscriptionUpdated mirrors a subscription's status, plan, and
// current billing period whenever it renews, changes plan, or moves
// between active/past_due/trialing.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	sub, err := parseSubscription(event)
	if err != nil {
		return err
	}

	update, err := s.subscriptionUpdate(ctx, sub)
	if err != nil {
		return err
	}

	if err := s.store.UpsertByCustomer(ctx, sub.Customer.ID, update); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	s.logger.Info("subscription updated",
		"stripe_customer_id", sub.Customer.ID,
		"stripe_subscription_id", sub.ID,
		"status", sub.Status)

	return nil
}

// handleSubscriptionDeleted marks the subscription canceled. Usage
// already recorded for the current period is left untouched; only the
// status and canceled_at change, so quota checks start rejecting new
// sessions on the next Connect.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	sub, err := parseSubscription(event)
	if err != nil {
		return err
	}

	canceledAt := time.Unix(sub.CanceledAt, 0)
	update, err := s.subscriptionUpdate(ctx, sub)
	if err != nil {
		return err
	}
	update.Status = "canceled"
	update.CanceledAt = &canceledAt

	if err := s.store.UpsertByCustomer(ctx, sub.Customer.ID, update); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	s.logger.Info("subscription canceled",
		"stripe_customer_id", sub.Customer.ID,
		"stripe_subscription_id", sub.ID)

	return nil
}

func parseSubscription(event stripe.Event) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return stripe.Subscription{}, fmt.Errorf("parse subscription: %w", err)
	}
	if sub.Customer == nil {
		return stripe.Subscription{}, fmt.Errorf("subscription %s missing customer", sub.ID)
	}
	return sub, nil
}

func (s *Service) subscriptionUpdate(ctx context.Context, sub stripe.Subscription) (StripeSubscriptionUpdate, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return StripeSubscriptionUpdate{}, fmt.Errorf("subscription %s has no items", sub.ID)
	}
	item := sub.Items.Data[0]

	planID, err := s.store.PlanIDForPrice(ctx, item.Price.ID)
	if err != nil {
		return StripeSubscriptionUpdate{}, fmt.Errorf("resolve plan for price %s: %w", item.Price.ID, err)
	}

	return StripeSubscriptionUpdate{
		StripeSubscriptionID: sub.ID,
		PlanID:               planID,
		Status:               string(sub.Status),
		CurrentPeriodStart:   time.Unix(item.CurrentPeriodStart, 0),
		CurrentPeriodEnd:     time.Unix(item.CurrentPeriodEnd, 0),
	}, nil
}
