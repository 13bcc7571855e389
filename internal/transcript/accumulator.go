// Package transcript implements the per-session token accumulator (C2): it turns an
// interleaved partial/final token stream from the upstream STT adapter into live
// display buffers and speaker-grouped final segments.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TrackKind distinguishes the original-language track from the translation track.
type TrackKind string

const (
	TrackOriginal    TrackKind = "original"
	TrackTranslation TrackKind = "translation"
)

// Segment is a speaker-attributed, finalized chunk of text.
type Segment struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Token is one inbound recognition unit from the upstream provider.
type Token struct {
	Text              string
	TranslationStatus string
	IsFinal           bool
	Speaker           string
}

// Result is the live event emitted to the session for forwarding to the client.
type Result struct {
	Text           string
	Type           TrackKind
	Language       string
	SourceLanguage string
	TimestampMs    int64
	IsFinal        bool
	Speaker        string
}

type track struct {
	live         strings.Builder
	lastSpeaker  string
	hasSpeaker   bool
	finalized    []Segment
}

// Accumulator holds the mutable per-session transcription state. It is owned by
// exactly one session actor and is never accessed concurrently — callers must
// serialize access the same way the Session Gateway serializes all other
// per-session state (see internal/gateway).
type Accumulator struct {
	mu sync.Mutex

	original    track
	translation track

	hasReceivedData bool
	hasError        bool

	targetLanguage string
	sourceLanguage string
	vocabularies   string // opaque JSON, stored verbatim

	recordingStart func() (time.Time, bool) // returns (start, isRecording); injected by the session
}

// New creates an empty Accumulator for the given target language.
func New(targetLanguage string, recordingStart func() (time.Time, bool)) *Accumulator {
	return &Accumulator{
		targetLanguage: targetLanguage,
		recordingStart: recordingStart,
	}
}

// SetVocabularies stores the opaque vocabularies JSON blob verbatim.
func (a *Accumulator) SetVocabularies(raw string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vocabularies = raw
}

// Vocabularies returns the stored opaque vocabularies JSON, if any.
func (a *Accumulator) Vocabularies() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vocabularies
}

// AppendToken processes one inbound token and returns the live Result to emit, if
// the token carried non-empty, non-sentinel text. The "<end>" sentinel and
// empty-text tokens are ignored per spec.
func (a *Accumulator) AppendToken(t Token, detectedLanguage string) (Result, bool) {
	if t.Text == "" || t.Text == "<end>" {
		if detectedLanguage != "" {
			a.mu.Lock()
			a.maybeSetSourceLanguage(detectedLanguage, t)
			a.mu.Unlock()
		}
		return Result{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.hasReceivedData = true

	kind := TrackOriginal
	if t.TranslationStatus == "translation" {
		kind = TrackTranslation
	}

	tr := a.trackFor(kind)

	if t.Speaker != "" && t.Speaker != tr.lastSpeaker {
		if tr.hasSpeaker {
			tr.live.WriteString("\n\n")
		}
		tr.lastSpeaker = t.Speaker
		tr.hasSpeaker = true
		tr.live.WriteString(fmt.Sprintf("Speaker %s: ", t.Speaker))
	}
	tr.live.WriteString(t.Text)

	var tsMs int64
	if t.IsFinal && t.Speaker != "" {
		if start, recording := a.recordingStart(); recording {
			tsMs = time.Since(start).Milliseconds()
		}
		role := fmt.Sprintf("Speaker %s", t.Speaker)
		a.appendOrMergeFinal(tr, role, t.Text, tsMs)
	}

	if kind == TrackOriginal {
		a.maybeSetSourceLanguage(detectedLanguage, t)
	}
	a.setTrack(kind, tr)

	return Result{
		Text:           t.Text,
		Type:           kind,
		Language:       a.targetLanguage,
		SourceLanguage: a.sourceLanguage,
		TimestampMs:    tsMs,
		IsFinal:        t.IsFinal,
		Speaker:        t.Speaker,
	}, true
}

// maybeSetSourceLanguage stores detectedLanguage the first time it is observed on
// the original track. Must be called with a.mu held.
func (a *Accumulator) maybeSetSourceLanguage(detectedLanguage string, t Token) {
	if detectedLanguage == "" || a.sourceLanguage != "" {
		return
	}
	if t.TranslationStatus == "translation" {
		return
	}
	a.sourceLanguage = detectedLanguage
}

// appendOrMergeFinal implements the speaker-grouped append-or-merge rule: consecutive
// finals from the same role are concatenated into one Segment.
func (a *Accumulator) appendOrMergeFinal(tr *track, role, text string, tsMs int64) {
	if n := len(tr.finalized); n > 0 && tr.finalized[n-1].Role == role {
		tr.finalized[n-1].Text += text
		return
	}
	tr.finalized = append(tr.finalized, Segment{Role: role, Text: text, TimestampMs: tsMs})
}

func (a *Accumulator) trackFor(kind TrackKind) *track {
	if kind == TrackTranslation {
		return &a.translation
	}
	return &a.original
}

func (a *Accumulator) setTrack(kind TrackKind, tr *track) {
	if kind == TrackTranslation {
		a.translation = *tr
		return
	}
	a.original = *tr
}

// SetError marks that the upstream reported an error envelope. Accumulated data is
// preserved — callers must not clear the Accumulator on error.
func (a *Accumulator) SetError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hasError = true
}

// HasReceivedData reports whether any token with non-empty text has been observed.
func (a *Accumulator) HasReceivedData() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasReceivedData
}

// HasError reports whether the upstream has reported an error_code.
func (a *Accumulator) HasError() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasError
}

// SourceLanguage returns the detected source language, if any.
func (a *Accumulator) SourceLanguage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sourceLanguage
}

// TargetLanguage returns the configured target language.
func (a *Accumulator) TargetLanguage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetLanguage
}

// LiveOriginal returns the live, human-readable original-track buffer (partial and
// final tokens interleaved).
func (a *Accumulator) LiveOriginal() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.original.live.String()
}

// LiveTranslation returns the live, human-readable translation-track buffer.
func (a *Accumulator) LiveTranslation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.translation.live.String()
}

// FinalOriginalSegments returns a snapshot of the finalized, speaker-grouped
// original-track segments.
func (a *Accumulator) FinalOriginalSegments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Segment(nil), a.original.finalized...)
}

// FinalTranslationSegments returns a snapshot of the finalized, speaker-grouped
// translation-track segments.
func (a *Accumulator) FinalTranslationSegments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Segment(nil), a.translation.finalized...)
}

// IsLiveEmpty reports whether both live buffers are empty, used by the periodic
// save gate in the Session Gateway.
func (a *Accumulator) IsLiveEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.original.live.Len() == 0 && a.translation.live.Len() == 0
}
