package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/eternisai/voicerelay/internal/auth"
	apierrors "github.com/eternisai/voicerelay/internal/errors"
	"github.com/eternisai/voicerelay/internal/logger"
	"github.com/eternisai/voicerelay/internal/metrics"
	"github.com/eternisai/voicerelay/internal/quota"
	"github.com/eternisai/voicerelay/internal/upstream"
	"github.com/eternisai/voicerelay/internal/writequeue"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SessionCookieName is the cookie the external auth collaborator sets.
const SessionCookieName = "voicerelay_session"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the rs/cors middleware ahead of the upgrade
	// route, so the upgrader itself stays permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway wires together the session registry, authentication, quota
// checks, the upstream STT provider, and the durable write queue.
type Gateway struct {
	log        *logger.Logger
	sessionVal auth.SessionValidator
	quotaSvc   *quota.Service
	queue      *writequeue.Queue
	upstreamURL string
	upstreamKey string
	dialer     upstream.Dialer

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Gateway.
func New(log *logger.Logger, sessionVal auth.SessionValidator, quotaSvc *quota.Service, queue *writequeue.Queue, dialer upstream.Dialer, upstreamURL, upstreamKey string) *Gateway {
	return &Gateway{
		log:         log,
		sessionVal:  sessionVal,
		quotaSvc:    quotaSvc,
		queue:       queue,
		upstreamURL: upstreamURL,
		upstreamKey: upstreamKey,
		dialer:      dialer,
		sessions:    make(map[string]*Session),
	}
}

// wsEmitter forwards OutEvents onto a gorilla/websocket connection,
// serializing writes with a mutex (one writer goroutine convention).
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *logger.Logger
}

func (e *wsEmitter) Emit(ev OutEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(ev); err != nil {
		e.log.Warn("gateway: failed to emit event", "event", ev.Name, "err", err)
	}
}

// HandleUpgrade is the gin handler for the websocket upgrade route. It
// drives the full Connect -> Authenticated -> QuotaChecked -> Ready state
// machine and, on success, reads control events until disconnect.
func (g *Gateway) HandleUpgrade(c *gin.Context) {
	ctx := c.Request.Context()

	claims, ok := g.authenticate(c)
	if !ok {
		return // silent disconnect, no diagnostic leaked per error taxonomy
	}

	conversationID := c.Query("conversationId")
	targetLanguage := c.Query("targetLanguage")
	if conversationID == "" || targetLanguage == "" {
		g.log.Warn("gateway: missing session params", "hasConversationId", conversationID != "", "hasTargetLanguage", targetLanguage != "")
		return
	}

	if claims.ActiveOrganizationID == "" {
		g.log.Warn("gateway: no active organization", "userId", claims.UserID)
		return
	}

	vocab := parseVocabularies(c.Query("vocabularies"), g.log)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("gateway: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	emitter := &wsEmitter{conn: conn, log: g.log}

	avail, err := g.quotaSvc.CheckQuotaAvailability(ctx, claims.ActiveOrganizationID)
	if err != nil {
		if exceeded, ok := err.(*quota.ExceededError); ok {
			metrics.RecordQuotaRejection()
			emitter.Emit(OutEvent{
				Name: "quota:exceeded",
				Data: map[string]interface{}{
					"error": "QUOTA_EXCEEDED",
					"data": apierrors.NewQuotaExceeded(
						exceeded.CurrentPlan, exceeded.QuotaMinutes, exceeded.UsedMinutes, exceeded.UpgradeRequired,
					),
				},
			})
		}
		g.log.Warn("gateway: quota check failed", "orgId", claims.ActiveOrganizationID, "err", err)
		return
	}
	_ = avail

	params := ConnectParams{
		UserID:               claims.UserID,
		ActiveOrganizationID: claims.ActiveOrganizationID,
		ConversationID:       conversationID,
		TargetLanguage:       targetLanguage,
		VocabulariesRaw:      vocab,
	}

	adapter := upstream.New(g.dialer, g.upstreamURL)
	go adapter.Open(ctx, upstream.NewConfig(g.upstreamKey, targetLanguage, ""))

	session := NewSession(ctx, params, adapter, emitter, g.quotaSvc, g.queue, g.log)
	if !g.register(conversationID, session) {
		g.log.Warn("gateway: duplicate conversationId, rejecting", "conversationId", conversationID)
		return
	}
	defer g.finalizeAndUnregister(conversationID, session)

	session.StartPeriodicSave(session.SchedulePeriodicSave)

	g.runReadLoop(ctx, conn, session)
}

// runReadLoop consumes inbound client frames (control events and binary
// audio) until the connection closes. The session starts its own upstream
// result subscription on the first audio chunk.
func (g *Gateway) runReadLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return // disconnect
		}

		if messageType == websocket.BinaryMessage {
			session.HandleAudioChunk(ctx, data)
			continue
		}

		var evt struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			g.log.Warn("gateway: malformed control event", "err", err)
			continue
		}

		switch evt.Event {
		case "start_recording":
			session.HandleStartRecording()
		case "stop_recording":
			session.HandleStopRecording()
		}
	}
}

// authenticate decodes the session cookie. On any failure it logs and
// returns ok=false; per the error taxonomy, handshake auth failures
// disconnect silently to avoid leaking auth state.
func (g *Gateway) authenticate(c *gin.Context) (auth.SessionClaims, bool) {
	cookie, err := c.Request.Cookie(SessionCookieName)
	if err != nil {
		g.log.Warn("gateway: missing session cookie")
		return auth.SessionClaims{}, false
	}

	claims, err := g.sessionVal.ValidateSession(cookie.Value)
	if err != nil {
		g.log.Warn("gateway: session validation failed", "err", err)
		return auth.SessionClaims{}, false
	}

	return claims, true
}

func parseVocabularies(raw string, log *logger.Logger) string {
	if raw == "" {
		return ""
	}
	var js json.RawMessage
	if err := json.Unmarshal([]byte(raw), &js); err != nil {
		log.Warn("gateway: malformed vocabularies JSON, treating as null", "err", err)
		return ""
	}
	return raw
}

// register binds conversationId to session, guarding against a duplicate
// connection racing in for the same id.
func (g *Gateway) register(conversationID string, session *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sessions[conversationID]; exists {
		return false
	}
	g.sessions[conversationID] = session
	return true
}

// finalizeAndUnregister runs Finalize exactly once (guarded inside Session
// itself) and removes the registry entry.
func (g *Gateway) finalizeAndUnregister(conversationID string, session *Session) {
	session.Finalize()
	g.mu.Lock()
	delete(g.sessions, conversationID)
	g.mu.Unlock()
}

// ActiveSessionCount reports the number of currently registered sessions,
// for the observability endpoint.
func (g *Gateway) ActiveSessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
