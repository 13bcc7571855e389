// Package gateway implements the Session Gateway (C6): it authenticates
// the client connection, binds a conversationId to its accumulator,
// recording meter, and upstream adapter, schedules periodic persistence,
// and drives disconnect finalization.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eternisai/voicerelay/internal/logger"
	"github.com/eternisai/voicerelay/internal/meter"
	"github.com/eternisai/voicerelay/internal/metrics"
	"github.com/eternisai/voicerelay/internal/quota"
	"github.com/eternisai/voicerelay/internal/transcript"
	"github.com/eternisai/voicerelay/internal/upstream"
	"github.com/eternisai/voicerelay/internal/writequeue"
)

const periodicSaveInterval = 60 * time.Second

// TranscriptionStatus mirrors the Transcription.status enum.
type TranscriptionStatus string

const (
	StatusInProgress TranscriptionStatus = "IN_PROGRESS"
	StatusCompleted  TranscriptionStatus = "COMPLETED"
	StatusNoData     TranscriptionStatus = "NO_DATA"
	StatusFailed     TranscriptionStatus = "FAILED"
)

// OutEvent is one server-to-client wire event.
type OutEvent struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// Emitter sends an OutEvent to the connected client. Implemented by a thin
// gorilla/websocket wrapper in production, a recorder in tests.
type Emitter interface {
	Emit(OutEvent)
}

// ConnectParams are the handshake-time inputs the transport layer parses
// out of the cookie and query string before constructing a Session.
type ConnectParams struct {
	UserID               string
	ActiveOrganizationID string
	ConversationID       string
	TargetLanguage       string
	VocabulariesRaw      string // opaque JSON, already validated to parse or empty
}

// Session owns one connected client's mutable state. Three goroutines feed
// it: the gateway's client read loop (audio frames, control events), the
// upstream adapter's result loop (tokens), and the periodic-save timer.
// Every one of them reaches session state only through do, which posts a
// closure onto cmds and blocks until the session's own run loop has
// executed it — so acc and meter are only ever touched from that one
// goroutine, matching the single-actor requirement in SPEC_FULL.md's
// concurrency model.
type Session struct {
	ctx context.Context

	conversationID string
	orgID          string
	targetLanguage string

	acc      *transcript.Accumulator
	meter    *meter.Meter
	adapter  *upstream.Adapter
	emit     Emitter
	quotaSvc *quota.Service
	queue    *writequeue.Queue
	log      *logger.Logger

	cmds chan func()

	resultLoopOnce    sync.Once
	resultLoopStarted bool
	resultLoopDone    chan struct{}

	periodicMu      sync.Mutex
	periodicTimer   *time.Timer
	periodicStopped bool
	periodicWG      sync.WaitGroup

	finalizeMu sync.Mutex
	finalizing bool
	finalized  bool
}

// NewSession constructs a Session and starts its actor loop. The caller
// (the Gateway) is responsible for opening the upstream adapter and
// starting the periodic timer.
func NewSession(ctx context.Context, p ConnectParams, adapter *upstream.Adapter, emit Emitter, quotaSvc *quota.Service, queue *writequeue.Queue, log *logger.Logger) *Session {
	m := meter.New(time.Now())
	acc := transcript.New(p.TargetLanguage, m.RecordingStart)
	if p.VocabulariesRaw != "" {
		acc.SetVocabularies(p.VocabulariesRaw)
	}

	s := &Session{
		ctx:            ctx,
		conversationID: p.ConversationID,
		orgID:          p.ActiveOrganizationID,
		targetLanguage: p.TargetLanguage,
		acc:            acc,
		meter:          m,
		adapter:        adapter,
		emit:           emit,
		quotaSvc:       quotaSvc,
		queue:          queue,
		log:            log,
		cmds:           make(chan func()),
		resultLoopDone: make(chan struct{}),
	}
	go s.run()
	return s
}

// run is the session's single actor loop.
func (s *Session) run() {
	for cmd := range s.cmds {
		cmd()
	}
}

// do submits fn to the actor loop and blocks until it has executed there.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	s.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// StartPeriodicSave arms the 60s recurring checkpoint. Each fire is tracked
// in periodicWG so cancelPeriodicSave can wait out an in-flight callback
// instead of racing Finalize against it.
func (s *Session) StartPeriodicSave(onFire func()) {
	s.periodicMu.Lock()
	defer s.periodicMu.Unlock()
	if s.periodicStopped {
		return
	}
	s.periodicWG.Add(1)
	s.periodicTimer = time.AfterFunc(periodicSaveInterval, func() {
		defer s.periodicWG.Done()
		onFire()
		s.StartPeriodicSave(onFire)
	})
}

// cancelPeriodicSave stops future fires and waits for any fire already in
// progress to finish running its save through the actor loop, so no
// periodic-save command can still be in flight once Finalize proceeds.
func (s *Session) cancelPeriodicSave() {
	s.periodicMu.Lock()
	s.periodicStopped = true
	if s.periodicTimer != nil && s.periodicTimer.Stop() {
		// The pending fire will never run, so release its WaitGroup slot.
		s.periodicWG.Done()
	}
	s.periodicMu.Unlock()
	s.periodicWG.Wait()
}

// HandleStartRecording implements the start_recording control event.
func (s *Session) HandleStartRecording() {
	s.do(func() {
		s.meter.Start()
		s.emit.Emit(OutEvent{
			Name: "recording:started",
			Data: map[string]interface{}{
				"conversationId": s.conversationID,
				"timestamp":      time.Now().UnixMilli(),
			},
		})
	})
}

// HandleStopRecording implements the stop_recording control event: stop
// the meter, enqueue one periodic save so the pause durably checkpoints,
// and reply with the elapsed duration.
func (s *Session) HandleStopRecording() {
	s.do(func() {
		s.meter.Stop()
		s.schedulePeriodicSaveLocked()
		s.emit.Emit(OutEvent{
			Name: "recording:stopped",
			Data: map[string]interface{}{
				"conversationId": s.conversationID,
				"durationMs":     s.meter.CurrentDurationMs(),
				"timestamp":      time.Now().UnixMilli(),
			},
		})
	})
}

// HandleAudioChunk implements the audio_chunk control event. On the first
// chunk it starts the session's own subscription to the upstream adapter's
// result stream, so the session only pays for one read goroutine.
func (s *Session) HandleAudioChunk(ctx context.Context, frame []byte) {
	s.do(func() {
		if !s.meter.IsRecording() {
			s.emit.Emit(OutEvent{
				Name: "transcription:error",
				Data: map[string]interface{}{"code": "RECORDING_NOT_STARTED"},
			})
			return
		}

		s.resultLoopOnce.Do(func() {
			s.resultLoopStarted = true
			go s.runResultLoop()
		})

		if err := s.adapter.SendAudio(ctx, frame); err != nil {
			s.emit.Emit(OutEvent{
				Name: "transcription:error",
				Data: map[string]interface{}{"message": err.Error(), "transcriptionId": s.conversationID},
			})
		}
	})
}

// runResultLoop subscribes to the upstream adapter's token stream until it
// terminates (transport error, upstream "finished", or ctx cancellation),
// routing every message through the actor loop via onUpstreamMessage/
// onUpstreamTerminal. Finalize joins resultLoopDone before snapshotting, so
// a token already in flight when the client disconnects is still folded
// into the accumulator before the final write is built.
func (s *Session) runResultLoop() {
	s.adapter.ReadLoop(s.ctx, s.onUpstreamMessage, s.onUpstreamTerminal)
	close(s.resultLoopDone)
}

func (s *Session) onUpstreamMessage(msg upstream.InboundMessage) {
	s.do(func() { s.handleUpstreamMessage(msg) })
}

func (s *Session) onUpstreamTerminal(err error) {
	s.do(func() { s.handleUpstreamTerminal(err) })
}

// handleUpstreamMessage routes one parsed inbound upstream message into
// the Accumulator and forwards the resulting live event, if any. Runs on
// the actor loop only.
func (s *Session) handleUpstreamMessage(msg upstream.InboundMessage) {
	for _, tok := range msg.Tokens {
		result, ok := s.acc.AppendToken(transcript.Token{
			Text:              tok.Text,
			TranslationStatus: tok.TranslationStatus,
			IsFinal:           tok.IsFinal,
			Speaker:           tok.Speaker,
		}, msg.DetectedLanguage)
		if !ok {
			continue
		}
		s.emit.Emit(OutEvent{
			Name: "translation:result",
			Data: map[string]interface{}{
				"text":           result.Text,
				"type":           string(result.Type),
				"language":       result.Language,
				"sourceLanguage": result.SourceLanguage,
				"timestamp":      result.TimestampMs,
				"isFinal":        result.IsFinal,
				"speaker":        result.Speaker,
			},
		})
	}

	if msg.Finished {
		s.emit.Emit(OutEvent{
			Name: "conversation:complete",
			Data: map[string]interface{}{"conversationId": s.conversationID},
		})
	}
}

// handleUpstreamTerminal marks the error on the Accumulator (without
// discarding accumulated data) and surfaces a transcription:error event.
// Runs on the actor loop only.
func (s *Session) handleUpstreamTerminal(err error) {
	s.acc.SetError()
	s.emit.Emit(OutEvent{
		Name: "transcription:error",
		Data: map[string]interface{}{"message": err.Error(), "transcriptionId": s.conversationID},
	})
}

// SchedulePeriodicSave implements schedulePeriodicSave: skip if both live
// buffers are empty or the target language is missing, else enqueue an
// upsert at periodic priority.
func (s *Session) SchedulePeriodicSave() {
	s.do(s.schedulePeriodicSaveLocked)
}

// schedulePeriodicSaveLocked is the actor-loop body of SchedulePeriodicSave;
// callers already running on the actor loop (HandleStopRecording) call this
// directly instead of re-entering do.
func (s *Session) schedulePeriodicSaveLocked() {
	if s.acc.IsLiveEmpty() || s.targetLanguage == "" {
		return
	}

	create, update := s.snapshotPayloads(StatusInProgress, true, false)

	s.queue.Enqueue(writequeue.Op{
		ID:       s.conversationID,
		Kind:     writequeue.KindUpsert,
		Table:    "transcriptions",
		Priority: writequeue.PriorityPeriodic,
		Payload:  map[string]interface{}{"create": create, "update": update},
	})
}

// Finalize implements disconnect finalization. It is idempotent: a second
// call on the same Session is a no-op, guarded by finalizeMu. It joins
// every other goroutine that can still touch session state before
// snapshotting, so the persisted record can never miss a token or a
// periodic save that was already in flight.
func (s *Session) Finalize() {
	s.finalizeMu.Lock()
	if s.finalizing || s.finalized {
		s.finalizeMu.Unlock()
		return
	}
	s.finalizing = true
	s.finalizeMu.Unlock()

	defer func() {
		s.finalizeMu.Lock()
		s.finalizing = false
		s.finalized = true
		s.finalizeMu.Unlock()
	}()

	s.cancelPeriodicSave()

	s.adapter.Close()
	if s.resultLoopStarted {
		<-s.resultLoopDone
	}

	s.do(s.finalizeLocked)

	close(s.cmds)
}

// finalizeLocked is the actor-loop body of Finalize, run only after every
// producer of session commands has been joined or stopped.
func (s *Session) finalizeLocked() {
	durationMs := s.meter.CurrentDurationMs()
	if durationMs == 0 {
		// Zero-duration safeguard: the user never started recording.
		return
	}
	if s.targetLanguage == "" {
		return
	}

	status := s.finalStatus()
	metrics.RecordSessionFinalized(string(status))
	create, update := s.snapshotPayloads(status, status == StatusCompleted, true)

	s.queue.Enqueue(writequeue.Op{
		ID:       s.conversationID,
		Kind:     writequeue.KindUpsert,
		Table:    "transcriptions",
		Priority: writequeue.PriorityFinal,
		Payload:  map[string]interface{}{"create": create, "update": update},
	})

	if err := s.quotaSvc.RecordUsage(context.Background(), s.orgID, durationMs); err != nil {
		if s.log != nil {
			s.log.Warn("gateway: failed to record usage, quota will under-count this session", "conversationId", s.conversationID, "orgId", s.orgID, "err", err)
		}
	}
}

// finalStatus implements the finalization status decision table.
func (s *Session) finalStatus() TranscriptionStatus {
	switch {
	case s.acc.HasReceivedData():
		return StatusCompleted
	case s.acc.HasError():
		return StatusFailed
	default:
		return StatusNoData
	}
}

// snapshotPayloads builds the create/update payloads for an upsert op.
// When includeResults is false the transcript/translation/vocabularies
// fields are omitted (left null), per the finalization rule that only
// writes results when data was actually received. targetLanguage and
// sourceLanguage are only added to update when finalizing: spec.md
// requires those corrected on the row at finalization only, never
// overwritten by an in-progress periodic checkpoint.
func (s *Session) snapshotPayloads(status TranscriptionStatus, includeResults, finalizing bool) (create, update map[string]interface{}) {
	durationMs := s.meter.CurrentDurationMs()

	update = map[string]interface{}{
		"durationInMs": durationMs,
		"status":       string(status),
	}
	if includeResults {
		update["transcriptionResult"] = marshalSegments(s.acc.FinalOriginalSegments())
		update["translationResult"] = marshalSegments(s.acc.FinalTranslationSegments())
		update["vocabularies"] = vocabulariesPayload(s.acc.Vocabularies())
	} else {
		update["transcriptionResult"] = nil
		update["translationResult"] = nil
		update["vocabularies"] = nil
	}
	if finalizing {
		// Distinct keys from create's targetLanguage/sourceLanguage: the
		// insert path always carries those, but the update path must only
		// overwrite them at finalization, so they need their own bind
		// parameters rather than aliasing create's.
		update["targetLanguageUpdate"] = s.targetLanguage
		update["sourceLanguageUpdate"] = nullableString(s.acc.SourceLanguage())
	}

	create = map[string]interface{}{
		"id":             s.conversationID,
		"orgId":          s.orgID,
		"targetLanguage": s.targetLanguage,
		"sourceLanguage": s.acc.SourceLanguage(),
		"modelName":      "stt-rt-v3",
	}
	for k, v := range update {
		create[k] = v
	}

	return create, update
}

// marshalSegments renders segs as a JSON string for the transcription_result/
// translation_result columns, returning nil (SQL NULL) for an empty slice so
// the upsert's COALESCE leaves an existing result untouched instead of
// clobbering it with an empty value.
func marshalSegments(segs []transcript.Segment) interface{} {
	if len(segs) == 0 {
		return nil
	}
	raw, err := json.Marshal(segs)
	if err != nil {
		return nil
	}
	return string(raw)
}

// vocabulariesPayload returns nil (SQL NULL) for an empty vocabularies
// blob instead of the Go zero-value "", which Postgres rejects as invalid
// input for the JSONB vocabularies column.
func vocabulariesPayload(raw string) interface{} {
	if raw == "" {
		return nil
	}
	return raw
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
