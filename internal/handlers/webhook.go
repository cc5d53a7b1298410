package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/inbound"
)

// WebhookHandler receives messaging-network callbacks on /webhook/network.
// The network delivers the sender's phone number out of band of the message
// text, so it arrives channel-verified.
type WebhookHandler struct {
	processor *inbound.Processor
	logger    *slog.Logger
}

// WebhookRequest is the network callback body.
type WebhookRequest struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// WebhookResponse carries the assistant reply back to the network for delivery.
type WebhookResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

// NewWebhookHandler creates the network webhook handler.
func NewWebhookHandler(log *slog.Logger, processor *inbound.Processor) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		logger:    log.With(slog.String("handler", "webhook")),
	}
}

// Register mounts POST /webhook/network on the Echo instance.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook/network", h.Receive)
}

// Receive processes one inbound network message and returns the reply.
func (h *WebhookHandler) Receive(c echo.Context) error {
	var req WebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "from and text are required")
	}

	result, err := h.processor.HandleNetworkMessage(c.Request().Context(), req.From, req.Text)
	if err != nil {
		if errors.Is(err, inbound.ErrRateLimited) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
		}
		h.logger.Error("webhook turn failed",
			slog.String("from", req.From),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process message")
	}
	return c.JSON(http.StatusOK, WebhookResponse{
		ConversationID: result.ConversationID,
		Reply:          result.Reply,
	})
}
