package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestHTTPServer(t *testing.T, fs *fakeStore, opts ...Option) (*HTTPServer, *Service) {
	t.Helper()
	svc := newTestService(t, fs, opts...)
	return NewHTTPServer(svc, svc.cfg.Server, zerolog.Nop()), svc
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantReady  string
	}{
		{name: "database reachable", wantStatus: http.StatusOK, wantReady: "ready"},
		{name: "database down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.pingFn = func(context.Context) error { return tt.pingErr }
			server, _ := newTestHTTPServer(t, fs)

			rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if payload["status"] != tt.wantReady {
				t.Fatalf("expected status %q, got %v", tt.wantReady, payload["status"])
			}
		})
	}
}

func TestCatalogEndpointPaginates(t *testing.T) {
	fs := newFakeStore()
	for _, text := range []string{"git add", "git commit", "git push"} {
		fs.add(gitCommand(text))
	}
	server, _ := newTestHTTPServer(t, fs)

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/commands?category=git&page=2", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["totalPages"] != float64(2) || payload["total"] != float64(3) {
		t.Fatalf("unexpected paging %v", payload)
	}
	items, _ := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 item on page 2, got %d", len(items))
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/commands?page=9", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if items, _ := payload["items"].([]any); items == nil || len(items) != 0 {
		t.Fatalf("expected empty items array, got %v", payload["items"])
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/commands?page=two", "", "")
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_QUERY" {
		t.Fatalf("expected 400 INVALID_QUERY, got %d %v", rr.Code, payload)
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	_, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/categories", "", "")
	tabs, _ := payload["categories"].([]any)
	if len(tabs) != 3 {
		t.Fatalf("expected 3 tabs, got %v", payload)
	}
	first, _ := tabs[0].(map[string]any)
	if first["id"] != "git" || first["label"] != "Git" {
		t.Fatalf("unexpected first tab %v", first)
	}
}

func TestChatbotEndpoint(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/chatbot", "", `{"message":"how do i stash"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["matched"] != true {
		t.Fatalf("expected a matched answer, got %v", payload)
	}
}

func TestSignUpThenSession(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	handler := server.Handler()

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"dev@example.com","password":"long enough","displayName":"Dev","handle":"dev"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["refreshToken"] == "" {
		t.Fatalf("expected tokens, got %v", payload)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/api/session", token, "")
	if payload["authenticated"] != true || payload["handle"] != "dev" || payload["isAdmin"] != false {
		t.Fatalf("unexpected session %v", payload)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/api/session", "", "")
	if payload["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", payload)
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"not-an-email","password":"short","displayName":"","handle":"x"}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422, got %d %v", rr.Code, payload)
	}
}

func TestInvalidBearerTokenRejected(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/commands", "not-a-jwt", "")
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", rr.Code, payload)
	}
}

func TestSubmitAndModerateOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(adminUser)
	fs.addUser(memberUser)
	server, _ := newTestHTTPServer(t, fs)
	handler := server.Handler()
	memberToken := tokenFor(t, memberUser)
	adminToken := tokenFor(t, adminUser)

	rr, _ := doRequest(t, handler, http.MethodPost, "/api/commands", "", `{"category":"git","commandText":"git log","description":"history"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous submit, got %d", rr.Code)
	}

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/commands", memberToken, `{"category":"git","commandText":"git log","description":"history"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	command, _ := payload["command"].(map[string]any)
	id, _ := command["id"].(string)

	rr, _ = doRequest(t, handler, http.MethodPost, "/api/admin/commands/"+id+"/approve", memberToken, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member approve, got %d", rr.Code)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/admin/pending", adminToken, "")
	if rr.Code != http.StatusOK || payload["pendingCount"] != float64(1) {
		t.Fatalf("unexpected pending queue %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, handler, http.MethodPost, "/api/admin/commands/"+id+"/approve", adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 approve, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr, payload = doRequest(t, handler, http.MethodPost, "/api/admin/commands/"+id+"/approve", adminToken, "")
	if rr.Code != http.StatusConflict || payload["code"] != "INVALID_TRANSITION" {
		t.Fatalf("expected 409 on second approve, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/commands/"+id+"/like", memberToken, "")
	if rr.Code != http.StatusOK || payload["liked"] != true {
		t.Fatalf("expected liked, got %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, handler, http.MethodDelete, "/api/admin/commands/"+id, adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 delete, got %d", rr.Code)
	}
	if _, ok := fs.command(id); ok {
		t.Fatal("expected record to be removed")
	}
}

func TestResolveDuplicatesNeedsConfirmOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(adminUser)
	fs.add(gitCommand("git status"))
	fs.add(gitCommand("GIT STATUS"))
	server, _ := newTestHTTPServer(t, fs)
	handler := server.Handler()
	adminToken := tokenFor(t, adminUser)

	rr, payload := doRequest(t, handler, http.MethodGet, "/api/admin/duplicates", adminToken, "")
	if rr.Code != http.StatusOK || payload["removeCount"] != float64(1) {
		t.Fatalf("unexpected scan %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/admin/duplicates/resolve", adminToken, `{}`)
	if rr.Code != http.StatusPreconditionRequired || payload["code"] != "CONFIRMATION_REQUIRED" {
		t.Fatalf("expected 428, got %d %v", rr.Code, payload)
	}
	if fs.count() != 2 {
		t.Fatal("nothing may be deleted before confirmation")
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/admin/duplicates/resolve", adminToken, `{"confirm":true}`)
	if rr.Code != http.StatusOK || payload["deleted"] != float64(1) {
		t.Fatalf("expected one deletion, got %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, handler, http.MethodGet, "/api/admin/duplicates", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous scan, got %d", rr.Code)
	}
}

func TestWipeOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(adminUser)
	fs.add(gitCommand("git status"))
	server, _ := newTestHTTPServer(t, fs)
	handler := server.Handler()
	adminToken := tokenFor(t, adminUser)

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/admin/wipe/prepare", adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	token, _ := payload["token"].(string)

	body, _ := json.Marshal(map[string]any{"token": token, "confirm": true})
	rr, payload = doRequest(t, handler, http.MethodPost, "/api/admin/wipe", adminToken, string(body))
	if rr.Code != http.StatusOK || payload["deleted"] != float64(1) {
		t.Fatalf("unexpected wipe %d %v", rr.Code, payload)
	}
	if fs.count() != 0 {
		t.Fatal("expected empty catalog")
	}
}

func TestFeedbackUnavailableOverHTTP(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/feedback", "", `{"name":"Ada","email":"ada@example.com","message":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable || payload["code"] != "FEEDBACK_UNAVAILABLE" {
		t.Fatalf("expected 503, got %d %v", rr.Code, payload)
	}
}

func TestMalformedBody(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/signin", "", `{"email":`)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400, got %d %v", rr.Code, payload)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestHTTPServer(t, newFakeStore())
	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/nope", "", "")
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, payload)
	}
}

func TestSearchEndpointFallsBackToSQL(t *testing.T) {
	fs := newFakeStore()
	server, _ := newTestHTTPServer(t, fs)
	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/search?q=status", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["backend"] != "sql" {
		t.Fatalf("expected sql backend, got %v", payload["backend"])
	}
}
