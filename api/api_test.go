package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-chat-relay/db"
	"llm-chat-relay/llm"
	"llm-chat-relay/service"
	"llm-chat-relay/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProvider struct {
	reply string
	err   error
}

func (p *fakeProvider) Chat(_ context.Context, _ string, _ []llm.Message) (string, error) {
	return p.reply, p.err
}
func (p *fakeProvider) Name() string          { return "Fake" }
func (p *fakeProvider) Models() []string      { return []string{"fake-1", "fake-2"} }
func (p *fakeProvider) DefaultModel() string  { return "fake-1" }
func (p *fakeProvider) ValidateConfig() error { return nil }

type testServer struct {
	handler  http.Handler
	provider *fakeProvider
	convs    *service.ConversationService
}

type serverOption func(*Deps)

func newTestServer(t *testing.T, persist bool, opts ...serverOption) *testServer {
	t.Helper()
	logger := utils.NewNopLogger()
	provider := &fakeProvider{reply: "Kyoto in November."}
	registry := llm.NewRegistry(nil, logger, nil)
	registry.Register("openai", provider)

	reg := prometheus.NewRegistry()
	deps := Deps{
		Providers:     registry,
		Logger:        logger,
		RetentionDays: 30,
		Registerer:    reg,
		Gatherer:      reg,
		Now:           func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) },
		RateLimit:     RateLimiterOptions{Limit: 1000, Burst: 1000},
	}

	var chatOpts service.ChatOptions
	if persist {
		database, err := db.Open(t.TempDir() + "/chat.db")
		require.NoError(t, err)
		t.Cleanup(func() { _ = database.Close() })
		deps.Database = database
		deps.Conversations = service.NewConversationService(db.NewStore(database), logger)
		chatOpts.Conversations = deps.Conversations
	}
	deps.Chat = service.NewChatService(registry, logger, chatOpts)

	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{
		handler:  NewServer(deps).Handler(),
		provider: provider,
		convs:    deps.Conversations,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, code, decode[errorBody](t, w).Error.Code)
}

func TestChatCreatesConversation(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{
		"provider": "openai",
		"content":  "Where to see autumn leaves?",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.ChatResult](t, w)
	assert.Equal(t, "Kyoto in November.", res.Reply)
	assert.Equal(t, "fake-1", res.Model)
	require.NotEmpty(t, res.ConversationID)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = s.do(t, http.MethodGet, "/api/v1/conversations/"+res.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	conv := decode[db.ConversationWithMessages](t, w)
	assert.Equal(t, "Where to see autumn leaves?", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "openai", conv.Messages[1].Provider)
}

func TestChatErrors(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"provider": "nope", "content": "hi"})
	assertError(t, w, http.StatusBadRequest, "UNKNOWN_PROVIDER")

	w = s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"provider": "openai", "content": " "})
	assertError(t, w, http.StatusBadRequest, "INVALID_REQUEST")

	w = s.do(t, http.MethodPost, "/api/v1/chat", "{not json")
	assertError(t, w, http.StatusBadRequest, "INVALID_BODY")

	w = s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"provider": "openai", "content": "hi", "conversationId": "missing"})
	assertError(t, w, http.StatusNotFound, "NOT_FOUND")

	s.provider.err = &llm.APIError{Provider: "OpenAI", StatusCode: 500, Body: "boom"}
	w = s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"provider": "openai", "content": "hi"})
	assertError(t, w, http.StatusBadGateway, "PROVIDER_ERROR")
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodPost, "/api/v1/conversations", map[string]string{"title": "Trip planning"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	conv := decode[db.Conversation](t, w)
	base := "/api/v1/conversations/" + conv.ID

	w = s.do(t, http.MethodPost, base+"/messages", map[string]string{"role": "user", "content": "Where should I go?"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[db.Message](t, w)

	w = s.do(t, http.MethodPost, base+"/messages", map[string]string{"role": "assistant", "content": "Japan.", "provider": "openai", "model": "gpt-4o"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, base+"/messages", map[string]string{"role": "robot", "content": "beep"})
	assertError(t, w, http.StatusBadRequest, "INVALID_ROLE")

	w = s.do(t, http.MethodGet, base+"/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[struct {
		Messages []db.Message `json:"messages"`
	}](t, w).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, first.ID, msgs[0].ID)

	w = s.do(t, http.MethodPatch, base, map[string]string{"title": "  "})
	assertError(t, w, http.StatusBadRequest, "INVALID_TITLE")
	w = s.do(t, http.MethodPatch, base, map[string]string{"title": "Japan trip"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/conversations?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Conversations []db.Conversation `json:"conversations"`
		Total         int64             `json:"total"`
	}](t, w)
	assert.Equal(t, int64(1), list.Total)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "Japan trip", list.Conversations[0].Title)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/messages/%d", first.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", first.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", first.ID), nil)
	assertError(t, w, http.StatusNotFound, "NOT_FOUND")
	w = s.do(t, http.MethodDelete, "/api/v1/messages/abc", nil)
	assertError(t, w, http.StatusBadRequest, "INVALID_ID")

	w = s.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, base, nil)
	assertError(t, w, http.StatusNotFound, "CONVERSATION_NOT_FOUND")
	w = s.do(t, http.MethodDelete, base, nil)
	assertError(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestBranchEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	conv, err := s.convs.CreateConversation(ctx, "Source")
	require.NoError(t, err)
	first, err := s.convs.SaveMessage(ctx, db.NewMessage{ConversationID: conv.ID, Role: db.RoleUser, Content: "one"})
	require.NoError(t, err)
	base := "/api/v1/conversations/" + conv.ID + "/branch"

	w := s.do(t, http.MethodPost, base, map[string]any{"title": "Fork"})
	assertError(t, w, http.StatusBadRequest, "INVALID_TIMESTAMP")

	for _, bad := range []string{`"abc"`, `1.5`, `null`, `"123"`, `true`} {
		w = s.do(t, http.MethodPost, base, `{"upToTimestamp": `+bad+`, "title": "Fork"}`)
		assertError(t, w, http.StatusBadRequest, "INVALID_TIMESTAMP")
	}
	w = s.do(t, http.MethodPost, base, map[string]any{"upToTimestamp": 0, "title": "Fork"})
	assertError(t, w, http.StatusBadRequest, "INVALID_TIMESTAMP")
	w = s.do(t, http.MethodPost, base, `{"upToTimestamp": "abc",`)
	assertError(t, w, http.StatusBadRequest, "INVALID_BODY")

	w = s.do(t, http.MethodPost, base, map[string]any{"upToTimestamp": first.Timestamp, "title": " "})
	assertError(t, w, http.StatusBadRequest, "INVALID_TITLE")

	w = s.do(t, http.MethodPost, base, map[string]any{"upToTimestamp": first.Timestamp, "title": "Fork"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	branch := decode[db.ConversationWithMessages](t, w)
	assert.NotEqual(t, conv.ID, branch.ID)
	assert.Equal(t, "Fork", branch.Title)
	require.Len(t, branch.Messages, 1)
	assert.Equal(t, "one", branch.Messages[0].Content)

	w = s.do(t, http.MethodPost, "/api/v1/conversations/missing/branch", map[string]any{"upToTimestamp": first.Timestamp, "title": "Fork"})
	assertError(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestExportEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	conv, err := s.convs.CreateConversation(ctx, "Trip planning")
	require.NoError(t, err)
	_, err = s.convs.SaveMessage(ctx, db.NewMessage{ConversationID: conv.ID, Role: db.RoleUser, Content: "Where should I go?"})
	require.NoError(t, err)
	base := "/api/v1/conversations/" + conv.ID + "/export"

	w := s.do(t, http.MethodGet, base+"?format=markdown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.Equal(t, `attachment; filename="Trip planning_20240301_093000.md"`, w.Header().Get("Content-Disposition"))
	assert.Contains(t, w.Body.String(), "# Trip planning")
	assert.Contains(t, w.Body.String(), "Where should I go?")

	w = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := decode[utils.ConversationExport](t, w)
	assert.Equal(t, conv.ID, exported.ID)

	w = s.do(t, http.MethodGet, base+"?format=pdf", nil)
	assertError(t, w, http.StatusBadRequest, "INVALID_FORMAT")

	w = s.do(t, http.MethodGet, "/api/v1/conversations/missing/export", nil)
	assertError(t, w, http.StatusNotFound, "CONVERSATION_NOT_FOUND")
}

func TestSearchAndStats(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"provider": "openai", "content": "autumn in Kyoto"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/search?q=kyoto", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decode[struct {
		Results []db.SearchResult `json:"results"`
	}](t, w).Results
	assert.Len(t, results, 2)

	w = s.do(t, http.MethodGet, "/api/v1/search?limit=x", nil)
	assertError(t, w, http.StatusBadRequest, "INVALID_QUERY")

	w = s.do(t, http.MethodGet, "/api/v1/stats?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode[db.UsageStats](t, w)
	require.Len(t, usage.Models, 1)
	assert.Equal(t, "openai", usage.Models[0].Provider)
	assert.Equal(t, "fake-1", usage.Models[0].Model)
}

func TestCleanupEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	_, err := s.convs.CreateConversation(ctx, "Old")
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":0,"retentionDays":30}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", map[string]int{"retentionDays": 0})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":0,"retentionDays":0}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/maintenance/vacuum", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCleanupDeletesExpired(t *testing.T) {
	s := newTestServer(t, true, func(d *Deps) {
		// Run retention as if two days had passed.
		d.Conversations = service.NewConversationService(
			db.NewStore(d.Database), d.Logger,
			service.WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) }),
		)
	})
	_, err := s.convs.CreateConversation(context.Background(), "Old")
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", map[string]int{"retentionDays": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":1,"retentionDays":1}`, w.Body.String())
}

func TestPersistenceDisabled(t *testing.T) {
	s := newTestServer(t, false)

	w := s.do(t, http.MethodGet, "/api/v1/conversations", nil)
	assertError(t, w, http.StatusServiceUnavailable, "PERSISTENCE_DISABLED")

	w = s.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"provider": "openai", "content": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[service.ChatResult](t, w)
	assert.Empty(t, res.ConversationID)
	assert.Equal(t, "Kyoto in November.", res.Reply)

	w = s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"disabled"`)
}

func TestProvidersEndpoint(t *testing.T) {
	s := newTestServer(t, false)

	w := s.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	providers := decode[struct {
		Providers []llm.ProviderInfo `json:"providers"`
	}](t, w).Providers
	require.Len(t, providers, 1)
	assert.Equal(t, "openai", providers[0].Name)
	assert.Equal(t, []string{"fake-1", "fake-2"}, providers[0].Models)
	assert.True(t, providers[0].Configured)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[struct {
		Status   string `json:"status"`
		Database struct {
			Status string     `json:"status"`
			Stats  db.DBStats `json:"stats"`
		} `json:"database"`
	}](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database.Status)
	assert.Equal(t, "wal", strings.ToLower(health.Database.Stats.JournalMode))

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="GET",route="/api/v1/health",status="200"} 1`)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, false, func(d *Deps) {
		d.RateLimit = RateLimiterOptions{Limit: 0.001, Burst: 1}
	})

	w := s.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/providers", nil)
	assertError(t, w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Top-level routes are not limited.
	w = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	s := newTestServer(t, false, func(d *Deps) {
		d.RateLimit = RateLimiterOptions{Limit: 0.001, Burst: 1}
	})

	send := func(forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	assertError(t, send("10.0.0.2"), http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")
}

func TestRateLimitHonoursTrustedProxy(t *testing.T) {
	s := newTestServer(t, false, func(d *Deps) {
		d.RateLimit = RateLimiterOptions{Limit: 0.001, Burst: 1}
		d.TrustedProxies = []string{"203.0.113.0/24"}
	})

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(utils.NewNopLogger(), RateLimiterOptions{ExpiryDuration: time.Minute})
	rl.getLimiter("10.0.0.1")
	rl.getLimiter("10.0.0.2")
	rl.clients["10.0.0.1"].lastSeen = time.Now().Add(-2 * time.Minute)

	rl.evict(time.Now())
	assert.NotContains(t, rl.clients, "10.0.0.1")
	assert.Contains(t, rl.clients, "10.0.0.2")
}

func TestRecoveryWithLogger(t *testing.T) {
	logger := utils.NewNopLogger()
	engine := gin.New()
	engine.Use(RequestLogger(logger), ErrorHandler(logger), RecoveryWithLogger(logger))
	engine.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assertError(t, w, http.StatusInternalServerError, "SERVER_ERROR")
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", NewNotFoundError("X", "x"), http.StatusNotFound, "X"},
		{"invalid request", fmt.Errorf("%w: content", service.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown provider", fmt.Errorf("%w: %q", llm.ErrUnknownProvider, "x"), http.StatusBadRequest, "UNKNOWN_PROVIDER"},
		{"not configured", fmt.Errorf("%w: key", llm.ErrNotConfigured), http.StatusBadRequest, "PROVIDER_NOT_CONFIGURED"},
		{"provider failure", &llm.ProviderError{Provider: "openai", Err: errors.New("bad")}, http.StatusBadGateway, "PROVIDER_ERROR"},
		{"provider timeout", &llm.ProviderError{Provider: "openai", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT"},
		{"not found", db.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"invalid timestamp", db.ErrInvalidTimestamp, http.StatusBadRequest, "INVALID_TIMESTAMP"},
		{"no messages", db.ErrNoMessagesFound, http.StatusBadRequest, "NO_MESSAGES_FOUND"},
		{"empty content", db.ErrEmptyContent, http.StatusBadRequest, "EMPTY_CONTENT"},
		{"storage", &db.Error{Kind: db.KindStorage, Op: "save", Err: errors.New("disk I/O error")}, http.StatusInternalServerError, "STORAGE_ERROR"},
		{"unknown", errors.New("odd"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromError(tt.err)
			assert.Equal(t, tt.status, appErr.StatusCode)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}

	assert.Nil(t, FromError(nil))
	storage := FromError(&db.Error{Kind: db.KindStorage, Err: errors.New("disk I/O error")})
	assert.NotContains(t, storage.Message, "disk")
}
