package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatgrid/internal/auth"
	"chatgrid/internal/config"
	"chatgrid/internal/conversation"
	"chatgrid/internal/llm"
	"chatgrid/internal/registry"
	"chatgrid/internal/retrieval"
	"chatgrid/internal/service/account"
	"chatgrid/internal/service/admin"
	"chatgrid/internal/service/chat"
	"chatgrid/internal/storage"
)

type scriptedCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *scriptedCompleter) Complete(_ context.Context, _ []llm.Turn, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls++
	if s.reply != "" {
		return s.reply, nil
	}
	return fmt.Sprintf("canned reply %d", s.calls), nil
}

type testEmbedder struct{}

func (testEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type testServer struct {
	router    *gin.Engine
	db        *sql.DB
	completer *scriptedCompleter
	accounts  *account.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	accounts := account.NewService(db)
	authService := auth.NewService(db, nil, time.Hour)
	builder := retrieval.NewBuilder(db, testEmbedder{}, retrieval.Options{ChunkSize: 200})
	reg := registry.NewService(db, builder, time.Minute)
	convs := conversation.NewStore(db)
	completer := &scriptedCompleter{}
	orchestrator := chat.NewService(accounts, reg, convs, builder, completer, nil, time.Second, 50)
	adminService := admin.NewService(db, convs, nil)

	handler := NewHandler(accounts, reg, convs, orchestrator, adminService, authService)
	router := gin.New()
	handler.RegisterRoutes(router)

	return &testServer{router: router, db: db, completer: completer, accounts: accounts}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func assertErrorKind(t *testing.T, w *httptest.ResponseRecorder, kind string) {
	t.Helper()
	var body struct {
		Kind string `json:"kind"`
	}
	decodeJSON(t, w, &body)
	if body.Kind != kind {
		t.Fatalf("expected kind %q, got %q (%s)", kind, body.Kind, w.Body.String())
	}
}

func registerAndLogin(t *testing.T, ts *testServer, username, password string) string {
	t.Helper()
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, resp, http.StatusCreated)
	return login(t, ts, username, password)
}

func login(t *testing.T, ts *testServer, username, password string) string {
	t.Helper()
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, resp, &body)
	if body.AuthToken == "" {
		t.Fatalf("login returned no token")
	}
	return body.AuthToken
}

func adminToken(t *testing.T, ts *testServer) string {
	t.Helper()
	if _, err := ts.accounts.EnsureAdmin(context.Background(), "root", "root@example.com", "adminpw"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return login(t, ts, "root", "adminpw")
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func createHostedModel(t *testing.T, ts *testServer, adminTok, name string, public bool) int64 {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("kind", "hosted")
	_ = mw.WriteField("name", name)
	_ = mw.WriteField("provider", "openai")
	_ = mw.WriteField("model_name", "gpt-4o")
	if public {
		_ = mw.WriteField("public", "true")
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/models", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminTok)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusCreated)

	var body struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, w, &body)
	resp := doJSONRequest(t, ts.router, http.MethodPost, fmt.Sprintf("/api/admin/models/%d/start", body.ID), nil, bearer(adminTok))
	assertStatus(t, resp, http.StatusOK)
	return body.ID
}

func TestHandlersEndToEndFlow(t *testing.T) {
	ts := newTestServer(t)

	adminTok := adminToken(t, ts)
	modelID := createHostedModel(t, ts, adminTok, "general", true)

	userTok := registerAndLogin(t, ts, "alice", "pass123")

	// Models visible to the user.
	resp := doJSONRequest(t, ts.router, http.MethodGet, "/api/models", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var modelsBody struct {
		Models []struct {
			ID      int64 `json:"id"`
			Running bool  `json:"running"`
		} `json:"models"`
	}
	decodeJSON(t, resp, &modelsBody)
	if len(modelsBody.Models) != 1 || modelsBody.Models[0].ID != modelID {
		t.Fatalf("unexpected model list: %s", resp.Body.String())
	}

	// First submission creates the chat.
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "hello there",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var turn struct {
		ChatID        int64  `json:"chat_id"`
		Reply         string `json:"reply"`
		UserRank      int    `json:"user_rank"`
		AssistantRank int    `json:"assistant_rank"`
	}
	decodeJSON(t, resp, &turn)
	if turn.ChatID == 0 || turn.UserRank != 1 || turn.AssistantRank != 2 || turn.Reply == "" {
		t.Fatalf("unexpected turn result: %+v", turn)
	}

	// Second submission reuses the chat.
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"chat_id":  turn.ChatID,
		"model_id": modelID,
		"content":  "follow-up",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)

	// History comes back rank-ordered.
	resp = doJSONRequest(t, ts.router, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", turn.ChatID), nil, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var history struct {
		Messages []struct {
			Rank int    `json:"rank"`
			Role string `json:"role"`
		} `json:"messages"`
	}
	decodeJSON(t, resp, &history)
	if len(history.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(history.Messages))
	}
	for i, m := range history.Messages {
		if m.Rank != i+1 {
			t.Fatalf("rank order broken at %d: %+v", i, m)
		}
	}

	// Chat list shows the lazily created chat.
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/chats", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var chats struct {
		Chats []struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"chats"`
	}
	decodeJSON(t, resp, &chats)
	if len(chats.Chats) != 1 || chats.Chats[0].Title != "hello there" {
		t.Fatalf("unexpected chat list: %s", resp.Body.String())
	}

	// Logout revokes the token.
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/users/logout", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/chats", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestRegisterIssuesSession(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/register", map[string]string{
		"username": "alice",
		"password": "pass123",
	}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
		ExpiresAt string `json:"expires_at"`
	}
	decodeJSON(t, resp, &body)
	if body.AuthToken == "" || body.ExpiresAt == "" {
		t.Fatalf("registration returned no session: %s", resp.Body.String())
	}

	var tokens int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE user_id = ?`, body.ID).Scan(&tokens); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if tokens != 1 {
		t.Fatalf("expected 1 token row, got %d", tokens)
	}

	// The fresh token authenticates without a separate login.
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/users/me", nil, bearer(body.AuthToken))
	assertStatus(t, resp, http.StatusOK)
}

func TestSubmitRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": 1,
		"content":  "hi",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertErrorKind(t, resp, "unauthorized")
}

func TestSubmitErrorKinds(t *testing.T) {
	ts := newTestServer(t)
	adminTok := adminToken(t, ts)
	userTok := registerAndLogin(t, ts, "alice", "pass123")

	// Unknown model.
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": 999,
		"content":  "hi",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusNotFound)
	assertErrorKind(t, resp, "not_found")

	// Stopped model.
	modelID := createHostedModel(t, ts, adminTok, "general", true)
	stopResp := doJSONRequest(t, ts.router, http.MethodPost, fmt.Sprintf("/api/admin/models/%d/stop", modelID), nil, bearer(adminTok))
	assertStatus(t, stopResp, http.StatusOK)
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "hi",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusConflict)
	assertErrorKind(t, resp, "model_unavailable")

	// Backend failure leaves nothing behind.
	startResp := doJSONRequest(t, ts.router, http.MethodPost, fmt.Sprintf("/api/admin/models/%d/start", modelID), nil, bearer(adminTok))
	assertStatus(t, startResp, http.StatusOK)
	ts.completer.err = errors.New("provider down")
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "hi",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusBadGateway)
	assertErrorKind(t, resp, "backend_error")
	var count int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed turn persisted %d messages", count)
	}
	ts.completer.err = nil

	// Banned user.
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/users/me", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var me struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, resp, &me)
	banResp := doJSONRequest(t, ts.router, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/ban", me.ID), nil, bearer(adminTok))
	assertStatus(t, banResp, http.StatusNoContent)
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "hi",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusForbidden)
	assertErrorKind(t, resp, "forbidden")
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	userTok := registerAndLogin(t, ts, "alice", "pass123")

	resp := doJSONRequest(t, ts.router, http.MethodGet, "/api/admin/usage", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusForbidden)
	assertErrorKind(t, resp, "forbidden")
}

func TestAdminChatLimitEndpoints(t *testing.T) {
	ts := newTestServer(t)
	adminTok := adminToken(t, ts)
	modelID := createHostedModel(t, ts, adminTok, "general", true)
	userTok := registerAndLogin(t, ts, "alice", "pass123")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "hello",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var turn struct {
		ChatID int64 `json:"chat_id"`
	}
	decodeJSON(t, resp, &turn)

	// Cap the chat below its current message count.
	resp = doJSONRequest(t, ts.router, http.MethodPut, fmt.Sprintf("/api/admin/chats/%d/limit", turn.ChatID), map[string]any{
		"limit": 1,
	}, bearer(adminTok))
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"chat_id":  turn.ChatID,
		"model_id": modelID,
		"content":  "over the cap",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusTooManyRequests)
	assertErrorKind(t, resp, "limit_reached")

	// Default limit applies only to chats created afterwards.
	resp = doJSONRequest(t, ts.router, http.MethodPut, "/api/admin/limits/default", map[string]any{
		"limit": 4,
	}, bearer(adminTok))
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "new chat please",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var newTurn struct {
		ChatID int64 `json:"chat_id"`
	}
	decodeJSON(t, resp, &newTurn)
	var limit int
	if err := ts.db.QueryRow(`SELECT message_limit FROM chats WHERE id = ?`, newTurn.ChatID).Scan(&limit); err != nil {
		t.Fatalf("query limit: %v", err)
	}
	if limit != 4 {
		t.Fatalf("expected new chat limit 4, got %d", limit)
	}

	// Usage aggregates reflect the stored messages.
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/admin/usage", nil, bearer(adminTok))
	assertStatus(t, resp, http.StatusOK)
	var usage struct {
		ActiveChats int `json:"active_chats"`
		ActiveUsers int `json:"active_users"`
	}
	decodeJSON(t, resp, &usage)
	if usage.ActiveChats != 2 || usage.ActiveUsers != 1 {
		t.Fatalf("unexpected usage: %s", resp.Body.String())
	}
}

func TestGroundedModelUpload(t *testing.T) {
	ts := newTestServer(t)
	adminTok := adminToken(t, ts)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("kind", "grounded")
	_ = mw.WriteField("name", "manual-bot")
	_ = mw.WriteField("provider", "openai")
	_ = mw.WriteField("model_name", "gpt-4o")
	_ = mw.WriteField("public", "true")
	fw, err := mw.CreateFormFile("document", "manual.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write([]byte("The invoice is due on May 5.")); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/models", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminTok)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusCreated)

	var created struct {
		ID      int64  `json:"id"`
		Kind    string `json:"kind"`
		IndexID string `json:"index_id"`
	}
	decodeJSON(t, w, &created)
	if created.Kind != "grounded" || created.IndexID == "" {
		t.Fatalf("unexpected model: %s", w.Body.String())
	}

	var chunks int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM index_chunks WHERE index_id = ?`, created.IndexID).Scan(&chunks); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if chunks == 0 {
		t.Fatalf("no chunks persisted")
	}

	// A rejected extension never reaches the index builder.
	var bad bytes.Buffer
	mw = multipart.NewWriter(&bad)
	_ = mw.WriteField("kind", "grounded")
	_ = mw.WriteField("name", "bad-upload")
	_ = mw.WriteField("provider", "openai")
	_ = mw.WriteField("model_name", "gpt-4o")
	fw, _ = mw.CreateFormFile("document", "binary.exe")
	_, _ = fw.Write([]byte{0x4d, 0x5a, 0x00})
	mw.Close()

	req = httptest.NewRequest(http.MethodPost, "/api/admin/models", &bad)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminTok)
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusBadRequest)
}

func TestModelDeleteInUse(t *testing.T) {
	ts := newTestServer(t)
	adminTok := adminToken(t, ts)
	modelID := createHostedModel(t, ts, adminTok, "general", true)
	userTok := registerAndLogin(t, ts, "alice", "pass123")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/chats/messages", map[string]any{
		"model_id": modelID,
		"content":  "hello",
	}, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, ts.router, http.MethodDelete, fmt.Sprintf("/api/admin/models/%d", modelID), nil, bearer(adminTok))
	assertStatus(t, resp, http.StatusConflict)
	assertErrorKind(t, resp, "model_in_use")
}

func TestRefreshRotatesSession(t *testing.T) {
	ts := newTestServer(t)
	userTok := registerAndLogin(t, ts, "alice", "pass123")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/refresh", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, resp, &body)
	if body.AuthToken == "" || body.AuthToken == userTok {
		t.Fatalf("expected a rotated token")
	}

	// The old token is dead, the new one works.
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/users/me", nil, bearer(userTok))
	assertStatus(t, resp, http.StatusUnauthorized)
	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/users/me", nil, bearer(body.AuthToken))
	assertStatus(t, resp, http.StatusOK)
}
