package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/voicerelay/internal/quota"
	"github.com/eternisai/voicerelay/internal/transcript"
	"github.com/eternisai/voicerelay/internal/upstream"
	"github.com/eternisai/voicerelay/internal/writequeue"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []OutEvent
}

func (e *recordingEmitter) Emit(ev OutEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.events))
	for i, ev := range e.events {
		names[i] = ev.Name
	}
	return names
}

type fakeQuotaStore struct {
	sub  quota.Subscription
	plan quota.Plan
}

func (f *fakeQuotaStore) GetSubscriptionAndPlan(ctx context.Context, orgID string) (quota.Subscription, quota.Plan, error) {
	return f.sub, f.plan, nil
}
func (f *fakeQuotaStore) CurrentPeriod(ctx context.Context, subscriptionID string, now time.Time) (quota.Period, bool, error) {
	return quota.Period{}, false, nil
}
func (f *fakeQuotaStore) RollPeriodForward(ctx context.Context, sub quota.Subscription, now time.Time) (quota.Period, error) {
	return quota.Period{ID: "p1", SubscriptionID: sub.ID, PeriodStart: now, PeriodEnd: now.AddDate(0, 1, 0)}, nil
}
func (f *fakeQuotaStore) IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error {
	f.sub.LifetimeUsageMinutes += minutes
	return nil
}
func (f *fakeQuotaStore) IncrementPeriodUsage(ctx context.Context, periodID string, minutes float64) error {
	return nil
}

func newTestSession(t *testing.T) (*Session, *recordingEmitter, *writequeue.Queue, *[]writequeue.Op) {
	t.Helper()

	var mu sync.Mutex
	var executed []writequeue.Op
	exec := writequeue.ExecutorFunc(func(ctx context.Context, op writequeue.Op) error {
		mu.Lock()
		executed = append(executed, op)
		mu.Unlock()
		return nil
	})
	queue := writequeue.New(exec, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	store := &fakeQuotaStore{
		sub:  quota.Subscription{ID: "sub1", OrganizationID: "org1", Status: "active", LifetimeUsageMinutes: 0},
		plan: quota.Plan{Name: "Free", QuotaMinutes: 60, QuotaResetsMonthly: false},
	}
	quotaSvc := quota.New(store)

	emitter := &recordingEmitter{}
	adapter := upstream.New(&noopDialer{}, "wss://stt.example")

	session := NewSession(context.Background(), ConnectParams{
		UserID:               "user1",
		ActiveOrganizationID: "org1",
		ConversationID:       "conv1",
		TargetLanguage:       "es",
	}, adapter, emitter, quotaSvc, queue, nil)

	return session, emitter, queue, &executed
}

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, url string) (upstream.Conn, error) {
	return &noopConn{}, nil
}

type noopConn struct{}

func (noopConn) WriteJSON(v interface{}) error                    { return nil }
func (noopConn) WriteMessage(messageType int, data []byte) error { return nil }
func (noopConn) ReadMessage() (int, []byte, error)                 { select {} }
func (noopConn) Close() error                                      { return nil }

func TestFinalize_ZeroDurationSafeguardSkipsWrite(t *testing.T) {
	session, _, queue, executed := newTestSession(t)

	session.Finalize()
	queue.Flush()

	if len(*executed) != 0 {
		t.Errorf("expected no durable write for a zero-duration session, got %d", len(*executed))
	}
}

func TestFinalize_IsIdempotent(t *testing.T) {
	session, _, queue, executed := newTestSession(t)

	session.meter.Start()
	time.Sleep(2 * time.Millisecond)
	session.meter.Stop()
	session.acc.AppendToken(transcript.Token{Text: "hi", Speaker: "1", IsFinal: true}, "")

	session.Finalize()
	session.Finalize() // second call must be a no-op

	queue.Flush()

	if len(*executed) != 1 {
		t.Errorf("expected exactly one durable write across two Finalize calls, got %d", len(*executed))
	}
}

func TestFinalize_CompletedWhenDataReceivedEvenWithError(t *testing.T) {
	session, _, queue, executed := newTestSession(t)

	session.meter.Start()
	time.Sleep(2 * time.Millisecond)
	session.meter.Stop()
	session.acc.AppendToken(transcript.Token{Text: "hi", Speaker: "1", IsFinal: true}, "")
	session.acc.SetError()

	session.Finalize()
	queue.Flush()

	if len(*executed) != 1 {
		t.Fatalf("expected one write, got %d", len(*executed))
	}
	payload, ok := (*executed)[0].Payload["update"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected update payload map")
	}
	if payload["status"] != "COMPLETED" {
		t.Errorf("status = %v, want COMPLETED (data received takes priority over hasError)", payload["status"])
	}
}

func TestSchedulePeriodicSave_SkipsWhenLiveBuffersEmpty(t *testing.T) {
	session, _, queue, executed := newTestSession(t)

	session.SchedulePeriodicSave()
	queue.Flush()

	if len(*executed) != 0 {
		t.Errorf("expected periodic save to be skipped for an empty accumulator, got %d writes", len(*executed))
	}
}

func TestHandleAudioChunk_RejectedWhenNotRecording(t *testing.T) {
	session, emitter, _, _ := newTestSession(t)

	session.HandleAudioChunk(context.Background(), []byte{1, 2})

	names := emitter.names()
	if len(names) != 1 || names[0] != "transcription:error" {
		t.Errorf("expected a single transcription:error event, got %v", names)
	}
}
