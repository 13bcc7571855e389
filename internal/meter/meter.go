// Package meter implements the recording-duration meter (C3): it separates
// "connected" time from "actually recording" time by accumulating billable
// milliseconds across start/stop segments.
package meter

import (
	"sync"
	"time"
)

type segment struct {
	start time.Time
	end   time.Time
	open  bool
}

// Meter tracks start/stop of user-initiated recording and accumulates billable
// milliseconds across pause/resume segments. Owned by a single session actor;
// the mutex only guards against the rare case of a concurrent currentDurationMs
// read from an observability path.
type Meter struct {
	mu sync.Mutex

	sessionStart time.Time
	segments     []segment
	totalMs      int64
	isRecording  bool
	segmentStart time.Time
}

// New creates a Meter; sessionStart anchors the legacy pre-metering fallback in
// CurrentDurationMs.
func New(sessionStart time.Time) *Meter {
	return &Meter{sessionStart: sessionStart}
}

// Start begins a recording segment. A second Start while already recording is a
// no-op (idempotent), matching spec.md's "log and ignore" rule.
func (m *Meter) Start() (started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRecording {
		return false
	}

	now := time.Now()
	m.segmentStart = now
	m.isRecording = true
	m.segments = append(m.segments, segment{start: now, open: true})
	return true
}

// Stop ends the current recording segment and folds its duration into the
// running total. Stop while not recording is a no-op.
func (m *Meter) Stop() (stopped bool, segmentMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRecording {
		return false, 0
	}

	now := time.Now()
	segMs := now.Sub(m.segmentStart).Milliseconds()
	m.totalMs += segMs

	if n := len(m.segments); n > 0 {
		m.segments[n-1].end = now
		m.segments[n-1].open = false
	}

	m.isRecording = false
	m.segmentStart = time.Time{}
	return true, segMs
}

// IsRecording reports whether a recording segment is currently open — the gate
// the Session Gateway uses to accept or reject incoming audio frames.
func (m *Meter) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRecording
}

// RecordingStart exposes (segment start time, isRecording) for the transcript
// Accumulator's finalization timestamp calculation without leaking the mutex.
func (m *Meter) RecordingStart() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmentStart, m.isRecording
}

// CurrentDurationMs returns total recorded milliseconds, including the open
// segment if currently recording. If no segment has ever been opened, it falls
// back to wall-clock time since session start (legacy compatibility for
// pre-metering clients, per spec.md 4.3).
func (m *Meter) CurrentDurationMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.segments) == 0 {
		return time.Since(m.sessionStart).Milliseconds()
	}

	total := m.totalMs
	if m.isRecording {
		total += time.Since(m.segmentStart).Milliseconds()
	}
	return total
}
