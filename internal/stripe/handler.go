package stripe

import (
	"io"
	"net/http"

	"github.com/eternisai/voicerelay/internal/errors"
	"github.com/eternisai/voicerelay/internal/logger"
	"github.com/gin-gonic/gin"
)

// Handler exposes the single public endpoint Stripe calls: the webhook.
type Handler struct {
	logger  *logger.Logger
	service *Service
}

// NewHandler wraps service for use as a gin route.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		logger:  log.WithComponent("stripe_handler"),
		service: service,
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// Endpoint: POST /webhooks/stripe
// Authentication: none — security is the Stripe-Signature verification
// inside Service.HandleWebhook. The route must never sit behind session
// auth middleware since Stripe cannot present a session cookie.
//
// Returns 400 when the body cannot be read or the Stripe-Signature header
// is missing. Otherwise returns 200, even when processing fails, so Stripe
// does not retry events that will never succeed (a bad signature is also
// acknowledged with 200 here to stop a flood of retries against a
// likely-misconfigured secret — the failure is visible in the logs instead).
func (h *Handler) HandleWebhook(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context())

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Error("failed to read webhook payload", "error", err.Error())
		errors.BadRequest(c, "invalid payload", nil)
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		log.Error("missing Stripe-Signature header")
		errors.BadRequest(c, "missing signature", nil)
		return
	}

	if err := h.service.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		log.Error("webhook processing failed", "error", err.Error())
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
