package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/inbound"
	"github.com/threadline/threadline/internal/session"
)

// turnTimeout bounds one webchat turn, tool round trip included.
const turnTimeout = 3 * time.Minute

// WebChatHandler serves the browser webchat over a websocket at /ws. Each
// connection gets a session id; the client may pin an existing one with the
// ?session query parameter to survive reconnects.
type WebChatHandler struct {
	processor *inbound.Processor
	sessions  *session.Registry
	logger    *slog.Logger
}

// ChatFrame is one client-to-server or server-to-client websocket message.
type ChatFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewWebChatHandler creates the webchat websocket handler.
func NewWebChatHandler(log *slog.Logger, processor *inbound.Processor, sessions *session.Registry) *WebChatHandler {
	return &WebChatHandler{
		processor: processor,
		sessions:  sessions,
		logger:    log.With(slog.String("handler", "webchat")),
	}
}

// Register mounts GET /ws on the Echo instance.
func (h *WebChatHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Serve)
}

// Serve upgrades the connection and relays messages to the turn processor,
// one turn at a time per connection.
func (h *WebChatHandler) Serve(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	sessionID := c.QueryParam("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	// The binding lives for the connection; a reconnect with the same session
	// id finds the conversation again through its persisted session identifier.
	defer h.sessions.Release(sessionID)
	ctx := c.Request().Context()
	h.logger.Info("webchat session opened", slog.String("session_id", sessionID))

	if err := wsjson.Write(ctx, conn, ChatFrame{Type: "session", SessionID: sessionID}); err != nil {
		return nil
	}

	for {
		var frame ChatFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.logger.Info("webchat session closed", slog.String("session_id", sessionID))
			} else {
				h.logger.Debug("webchat read ended",
					slog.String("session_id", sessionID),
					slog.Any("error", err),
				)
			}
			return nil
		}
		if frame.Type != "message" || frame.Text == "" {
			_ = wsjson.Write(ctx, conn, ChatFrame{Type: "error", Error: "expected a message frame with text"})
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
		result, err := h.processor.HandleWebMessage(turnCtx, sessionID, frame.Text)
		cancel()
		if err != nil {
			h.logger.Error("webchat turn failed",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
			_ = wsjson.Write(ctx, conn, ChatFrame{Type: "error", Error: "failed to process message"})
			continue
		}
		if err := wsjson.Write(ctx, conn, ChatFrame{Type: "reply", SessionID: sessionID, Reply: result.Reply}); err != nil {
			return nil
		}
	}
}
