// Package upstream implements the Upstream STT Adapter (C1): it owns one
// streaming duplex connection to the speech-to-text provider per session,
// sending a configuration frame followed by raw audio frames, and routing
// incoming JSON token messages back to the session.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eternisai/voicerelay/internal/metrics"
	"github.com/gorilla/websocket"
)

// Config is the JSON configuration frame sent immediately after the
// transport opens, per the wire contract the provider expects.
type Config struct {
	APIKey                     string         `json:"api_key"`
	Model                      string         `json:"model"`
	EnableLanguageIdentification bool         `json:"enable_language_identification"`
	EnableSpeakerDiarization   bool           `json:"enable_speaker_diarization"`
	EnableEndpointDetection    bool           `json:"enable_endpoint_detection"`
	AudioFormat                string         `json:"audio_format"`
	SampleRate                 int            `json:"sample_rate"`
	NumChannels                int            `json:"num_channels"`
	Translation                translationCfg `json:"translation"`
	LanguageHints               []string       `json:"language_hints"`
}

type translationCfg struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

// InboundMessage is the parsed shape of a JSON message received from the
// provider: either a token batch, a `finished` marker, or an error envelope.
type InboundMessage struct {
	Tokens           []InboundToken `json:"tokens"`
	DetectedLanguage string         `json:"detected_language"`
	Finished         bool           `json:"finished"`
	ErrorCode        string         `json:"error_code"`
	ErrorMessage     string         `json:"error_message"`
}

// InboundToken is one recognition unit inside a token batch.
type InboundToken struct {
	Text              string `json:"text"`
	TranslationStatus string `json:"translation_status"`
	IsFinal           bool   `json:"is_final"`
	Speaker           string `json:"speaker"`
}

// Dialer opens the upstream transport. Implemented by a thin
// gorilla/websocket wrapper in production and a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is the minimal duplex socket surface the adapter needs.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// wsDialer dials a real websocket connection to the provider.
type wsDialer struct{}

// NewDialer returns the production Dialer, a thin gorilla/websocket wrapper.
func NewDialer() Dialer { return wsDialer{} }

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream dial: %w", err)
	}
	return conn, nil
}

// Adapter owns exactly one upstream connection for one Session. open is
// asynchronous but audio may arrive eagerly, so the connection is
// represented as a future: the first sendAudio call awaits it, and all
// sends thereafter serialize onto a single writer via writeMu.
type Adapter struct {
	dialer Dialer
	url    string

	openOnce sync.Once
	opened   chan struct{}
	openErr  error

	writeMu sync.Mutex
	conn    Conn

	closeOnce sync.Once
}

// New creates an Adapter that will dial url (including the resolved
// provider endpoint and any query parameters) once Open is called.
func New(dialer Dialer, url string) *Adapter {
	return &Adapter{
		dialer: dialer,
		url:    url,
		opened: make(chan struct{}),
	}
}

// Open establishes the connection and sends the configuration frame. Only
// the first call does anything; later calls are no-ops. Open returns (and
// the connection future resolves) only after the configuration send completes.
func (a *Adapter) Open(ctx context.Context, cfg Config) {
	a.openOnce.Do(func() {
		defer close(a.opened)

		conn, err := a.dialer.Dial(ctx, a.url)
		if err != nil {
			a.openErr = err
			metrics.RecordUpstreamConnectFailure(a.url)
			return
		}
		a.conn = conn

		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		if err := conn.WriteJSON(cfg); err != nil {
			a.openErr = fmt.Errorf("upstream config send: %w", err)
			metrics.RecordUpstreamConnectFailure(a.url)
		}
	})
}

// awaitOpen blocks until Open has resolved, respecting ctx cancellation.
func (a *Adapter) awaitOpen(ctx context.Context) error {
	select {
	case <-a.opened:
		return a.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio forwards a raw PCM frame. The first call awaits the connection
// future; later calls serialize onto the single writer. A frame sent while
// the connection failed to open is dropped with the open error returned.
func (a *Adapter) SendAudio(ctx context.Context, frame []byte) error {
	if err := a.awaitOpen(ctx); err != nil {
		return fmt.Errorf("upstream not open, dropping audio frame: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("upstream connection unavailable")
	}
	return a.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close gracefully closes the upstream connection. Idempotent: a second
// Close is a no-op.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		if a.conn != nil {
			err = a.conn.Close()
		}
	})
	return err
}

// ReadLoop reads inbound JSON messages until the connection closes, ctx
// is canceled, or a message with finished set has been delivered, invoking
// onMessage for each one. Transport errors and
// upstream error_code envelopes are surfaced via onTerminal; the caller
// (the Session) decides how to propagate them without touching the
// Accumulator's accumulated data.
func (a *Adapter) ReadLoop(ctx context.Context, onMessage func(InboundMessage), onTerminal func(error)) {
	if err := a.awaitOpen(ctx); err != nil {
		onTerminal(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := a.conn.ReadMessage()
		if err != nil {
			onTerminal(fmt.Errorf("upstream transport error: %w", err))
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			onTerminal(fmt.Errorf("upstream malformed message: %w", err))
			continue
		}

		if msg.ErrorCode != "" {
			onTerminal(fmt.Errorf("upstream error %s: %s", msg.ErrorCode, msg.ErrorMessage))
			continue
		}

		onMessage(msg)

		if msg.Finished {
			return
		}
	}
}

// NewConfig builds the configuration frame per the wire contract: a fixed
// model name and feature flags, plus the per-session target language,
// optional source-language hint, and API key.
func NewConfig(apiKey, targetLanguage, sourceLangHint string) Config {
	hints := []string{}
	if sourceLangHint != "" {
		hints = append(hints, sourceLangHint)
	}
	return Config{
		APIKey:                       apiKey,
		Model:                        "stt-rt-v3",
		EnableLanguageIdentification: true,
		EnableSpeakerDiarization:     true,
		EnableEndpointDetection:      true,
		AudioFormat:                  "pcm_s16le",
		SampleRate:                   16000,
		NumChannels:                  1,
		Translation: translationCfg{
			Type:           "one_way",
			TargetLanguage: targetLanguage,
		},
		LanguageHints: hints,
	}
}
