package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/conversation"
	"github.com/threadline/threadline/internal/summary"
)

func TestConversationListCapsLimit(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemStore()
	for i := 0; i < maxListLimit+10; i++ {
		conv := &conversation.Conversation{
			ID:           "conv-" + strconv.Itoa(i),
			Channel:      conversation.ChannelWeb,
			LastActivity: time.Now().Add(-time.Duration(i) * time.Minute),
		}
		conv.AddIdentifier(conversation.Identifier{Type: conversation.IdentifierSession, Value: "sess-" + strconv.Itoa(i)})
		if err := store.Create(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}

	generator := summary.NewGenerator(slog.Default(), nil, config.SummaryConfig{})
	handler := NewConversationsHandler(slog.Default(), store, generator)
	e := echo.New()
	handler.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations?limit=1000000", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var views []ConversationSummaryView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != maxListLimit {
		t.Fatalf("page size = %d, want %d", len(views), maxListLimit)
	}
}

func TestConversationListRejectsBadLimit(t *testing.T) {
	handler := NewConversationsHandler(slog.Default(), conversation.NewMemStore(),
		summary.NewGenerator(slog.Default(), nil, config.SummaryConfig{}))
	e := echo.New()
	handler.Register(e)

	for _, raw := range []string{"0", "-5", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/conversations?limit="+raw, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: status = %d, want 400", raw, rec.Code)
		}
	}
}
