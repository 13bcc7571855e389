package meter

import (
	"testing"
	"time"
)

func TestStartStop_AccumulatesAcrossSegments(t *testing.T) {
	m := New(time.Now())

	if !m.Start() {
		t.Fatal("Start() = false on first call")
	}
	time.Sleep(5 * time.Millisecond)
	stopped, seg1 := m.Stop()
	if !stopped || seg1 <= 0 {
		t.Fatalf("Stop() = (%v, %d), want (true, >0)", stopped, seg1)
	}

	if !m.Start() {
		t.Fatal("Start() = false on resume")
	}
	time.Sleep(5 * time.Millisecond)
	_, seg2 := m.Stop()

	total := m.CurrentDurationMs()
	if total < seg1+seg2-1 { // tolerate a 1ms clock rounding
		t.Errorf("CurrentDurationMs() = %d, want >= %d", total, seg1+seg2)
	}
}

func TestStart_IdempotentWhileRecording(t *testing.T) {
	m := New(time.Now())
	m.Start()
	if m.Start() {
		t.Error("second Start() while recording should be a no-op returning false")
	}
}

func TestStop_NoOpWhenNotRecording(t *testing.T) {
	m := New(time.Now())
	if stopped, _ := m.Stop(); stopped {
		t.Error("Stop() while not recording should be a no-op returning false")
	}
}

func TestCurrentDurationMs_FallsBackToSessionAgeBeforeAnySegment(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)
	m := New(start)

	d := m.CurrentDurationMs()
	if d < 40 {
		t.Errorf("CurrentDurationMs() = %d, want roughly >= 50 (legacy fallback)", d)
	}
}

func TestCurrentDurationMs_InvariantWhilePaused(t *testing.T) {
	m := New(time.Now())
	m.Start()
	time.Sleep(5 * time.Millisecond)
	m.Stop()

	d1 := m.CurrentDurationMs()
	time.Sleep(5 * time.Millisecond)
	d2 := m.CurrentDurationMs()

	if d1 != d2 {
		t.Errorf("duration changed while paused: %d -> %d", d1, d2)
	}
}
