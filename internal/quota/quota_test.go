package quota

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	sub     Subscription
	plan    Plan
	periods map[string]Period // keyed by periodStart.Format(time.RFC3339)
	nextID  int
}

func newFakeStore(sub Subscription, plan Plan) *fakeStore {
	return &fakeStore{sub: sub, plan: plan, periods: map[string]Period{}}
}

func (f *fakeStore) GetSubscriptionAndPlan(ctx context.Context, orgID string) (Subscription, Plan, error) {
	if orgID != f.sub.OrganizationID {
		return Subscription{}, Plan{}, ErrNoSubscription
	}
	return f.sub, f.plan, nil
}

func (f *fakeStore) CurrentPeriod(ctx context.Context, subscriptionID string, now time.Time) (Period, bool, error) {
	for _, p := range f.periods {
		if !now.Before(p.PeriodStart) && !now.After(p.PeriodEnd) {
			return p, true, nil
		}
	}
	return Period{}, false, nil
}

func (f *fakeStore) RollPeriodForward(ctx context.Context, sub Subscription, now time.Time) (Period, error) {
	f.nextID++
	p := Period{
		ID:             "period-" + string(rune('0'+f.nextID)),
		SubscriptionID: sub.ID,
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 1, 0),
		UsageMinutes:   0,
	}
	f.periods[p.ID] = p
	f.sub.CurrentPeriodStart = p.PeriodStart
	return p, nil
}

func (f *fakeStore) IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error {
	f.sub.LifetimeUsageMinutes += minutes
	return nil
}

func (f *fakeStore) IncrementPeriodUsage(ctx context.Context, periodID string, minutes float64) error {
	p, ok := f.periods[periodID]
	if !ok {
		return errors.New("no such period")
	}
	p.UsageMinutes += minutes
	f.periods[periodID] = p
	return nil
}

func TestCheckQuotaAvailability_LifetimePlanUnderQuota(t *testing.T) {
	sub := Subscription{ID: "sub1", OrganizationID: "org1", Status: "active", LifetimeUsageMinutes: 30}
	plan := Plan{Name: "Free", QuotaMinutes: 60, QuotaResetsMonthly: false}
	store := newFakeStore(sub, plan)
	svc := New(store)

	avail, err := svc.CheckQuotaAvailability(context.Background(), "org1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !avail.Allowed {
		t.Error("expected allowed=true")
	}
	if avail.RemainingMinutes != 30 {
		t.Errorf("RemainingMinutes = %v, want 30", avail.RemainingMinutes)
	}
}

func TestCheckQuotaAvailability_LifetimePlanExhausted(t *testing.T) {
	sub := Subscription{ID: "sub1", OrganizationID: "org1", Status: "active", LifetimeUsageMinutes: 60}
	plan := Plan{Name: "Free", QuotaMinutes: 60, QuotaResetsMonthly: false}
	store := newFakeStore(sub, plan)
	svc := New(store)

	avail, err := svc.CheckQuotaAvailability(context.Background(), "org1")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.CurrentPlan != "Free" || exceeded.QuotaMinutes != 60 || exceeded.UsedMinutes != 60 || !exceeded.UpgradeRequired {
		t.Errorf("unexpected exceeded payload: %+v", exceeded)
	}
	if avail.Allowed {
		t.Error("expected allowed=false")
	}
}

func TestCheckQuotaAvailability_InactiveSubscription(t *testing.T) {
	sub := Subscription{ID: "sub1", OrganizationID: "org1", Status: "canceled"}
	plan := Plan{Name: "Pro", QuotaMinutes: 500, QuotaResetsMonthly: true}
	store := newFakeStore(sub, plan)
	svc := New(store)

	_, err := svc.CheckQuotaAvailability(context.Background(), "org1")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError for inactive subscription, got %v", err)
	}
}

func TestCheckQuotaAvailability_NoSubscription(t *testing.T) {
	store := newFakeStore(Subscription{OrganizationID: "org1"}, Plan{})
	svc := New(store)

	_, err := svc.CheckQuotaAvailability(context.Background(), "missing-org")
	if !errors.Is(err, ErrNoSubscription) {
		t.Fatalf("expected ErrNoSubscription, got %v", err)
	}
}

func TestCheckQuotaAvailability_MonthlyPlanRollsPeriodForwardWhenMissing(t *testing.T) {
	sub := Subscription{ID: "sub1", OrganizationID: "org1", Status: "active"}
	plan := Plan{Name: "Pro", QuotaMinutes: 500, QuotaResetsMonthly: true}
	store := newFakeStore(sub, plan)
	svc := New(store)

	avail, err := svc.CheckQuotaAvailability(context.Background(), "org1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if avail.UsedMinutes != 0 || avail.RemainingMinutes != 500 {
		t.Errorf("expected a freshly-rolled period with 0 usage, got %+v", avail)
	}
	if len(store.periods) != 1 {
		t.Errorf("expected one period to have been created, got %d", len(store.periods))
	}
}

func TestRecordUsage_LifetimePlanIncrementsSubscription(t *testing.T) {
	sub := Subscription{ID: "sub1", OrganizationID: "org1", Status: "active", LifetimeUsageMinutes: 10}
	plan := Plan{Name: "Free", QuotaMinutes: 60, QuotaResetsMonthly: false}
	store := newFakeStore(sub, plan)
	svc := New(store)

	if err := svc.RecordUsage(context.Background(), "org1", 3141); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := 10 + 3141.0/60000.0
	if store.sub.LifetimeUsageMinutes != want {
		t.Errorf("LifetimeUsageMinutes = %v, want %v", store.sub.LifetimeUsageMinutes, want)
	}
}

func TestRecordUsage_MonthlyPlanIncrementsCurrentPeriod(t *testing.T) {
	sub := Subscription{ID: "sub1", OrganizationID: "org1", Status: "active"}
	plan := Plan{Name: "Pro", QuotaMinutes: 500, QuotaResetsMonthly: true}
	store := newFakeStore(sub, plan)
	svc := New(store)

	if err := svc.RecordUsage(context.Background(), "org1", 3141); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got float64
	for _, p := range store.periods {
		got = p.UsageMinutes
	}
	want := 3141.0 / 60000.0
	if got != want {
		t.Errorf("period usage = %v, want %v", got, want)
	}
}
