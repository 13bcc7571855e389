package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []interface{}
	frames   [][]byte
	inbound  [][]byte
	readIdx  int
	closed   bool
	dialErr  error
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readIdx >= len(c.inbound) {
		return 0, nil, errors.New("fakeConn: no more inbound messages")
	}
	msg := c.inbound[c.readIdx]
	c.readIdx++
	return 1, msg, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestOpen_SendsConfigFrameExactlyOnce(t *testing.T) {
	conn := &fakeConn{}
	a := New(&fakeDialer{conn: conn}, "wss://stt.example/v1")

	cfg := NewConfig("key123", "es", "en")
	a.Open(context.Background(), cfg)
	a.Open(context.Background(), cfg) // second call must be a no-op

	if len(conn.written) != 1 {
		t.Fatalf("expected exactly one config frame written, got %d", len(conn.written))
	}
	got, ok := conn.written[0].(Config)
	if !ok {
		t.Fatalf("written value is not a Config: %#v", conn.written[0])
	}
	if got.Model != "stt-rt-v3" || got.AudioFormat != "pcm_s16le" || got.SampleRate != 16000 {
		t.Errorf("unexpected config frame: %+v", got)
	}
	if got.Translation.TargetLanguage != "es" || len(got.LanguageHints) != 1 || got.LanguageHints[0] != "en" {
		t.Errorf("unexpected translation/hints: %+v", got)
	}
}

func TestSendAudio_AwaitsOpenThenWrites(t *testing.T) {
	conn := &fakeConn{}
	a := New(&fakeDialer{conn: conn}, "wss://stt.example/v1")

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.Open(context.Background(), NewConfig("k", "es", ""))
	}()

	if err := a.SendAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conn.frames) != 1 {
		t.Fatalf("expected 1 audio frame written, got %d", len(conn.frames))
	}
}

func TestSendAudio_FailedOpenReturnsError(t *testing.T) {
	a := New(&fakeDialer{err: errors.New("boom")}, "wss://stt.example/v1")
	a.Open(context.Background(), NewConfig("k", "es", ""))

	if err := a.SendAudio(context.Background(), []byte{1}); err == nil {
		t.Error("expected error when sending audio after failed open")
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	a := New(&fakeDialer{conn: conn}, "wss://stt.example/v1")
	a.Open(context.Background(), NewConfig("k", "es", ""))

	if err := a.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if !conn.closed {
		t.Error("expected underlying connection to be closed")
	}
}

func TestReadLoop_RoutesTokenBatchesAndStopsOnFinished(t *testing.T) {
	batch, _ := json.Marshal(InboundMessage{Tokens: []InboundToken{{Text: "hi", IsFinal: true, Speaker: "1"}}})
	done, _ := json.Marshal(InboundMessage{Finished: true})

	conn := &fakeConn{inbound: [][]byte{batch, done}}
	a := New(&fakeDialer{conn: conn}, "wss://stt.example/v1")
	a.Open(context.Background(), NewConfig("k", "es", ""))

	var received []InboundMessage
	var terminal error
	a.ReadLoop(context.Background(), func(m InboundMessage) {
		received = append(received, m)
	}, func(err error) {
		terminal = err
	})

	if len(received) != 1 || received[0].Tokens[0].Text != "hi" {
		t.Fatalf("unexpected received messages: %+v", received)
	}
	if terminal != nil {
		t.Errorf("expected no terminal error on clean finish, got %v", terminal)
	}
}

func TestReadLoop_SurfacesErrorCodeAsTerminalWithoutStopping(t *testing.T) {
	errMsg, _ := json.Marshal(InboundMessage{ErrorCode: "UPSTREAM_DOWN", ErrorMessage: "backend unavailable"})
	conn := &fakeConn{inbound: [][]byte{errMsg}}
	a := New(&fakeDialer{conn: conn}, "wss://stt.example/v1")
	a.Open(context.Background(), NewConfig("k", "es", ""))

	var terminalCount int
	a.ReadLoop(context.Background(), func(InboundMessage) {}, func(err error) {
		terminalCount++
	})

	if terminalCount == 0 {
		t.Error("expected at least one terminal error callback for error_code message")
	}
}
