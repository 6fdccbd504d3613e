package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"devcommandhub/api/internal/auth"
	"devcommandhub/api/internal/config"
	"devcommandhub/api/internal/logging"
	"devcommandhub/api/internal/metrics"
	"devcommandhub/api/internal/search"
	"devcommandhub/api/internal/store"
)

type HTTPServer struct {
	service *Service
	server  config.ServerConfig
	logger  zerolog.Logger
}

func NewHTTPServer(service *Service, server config.ServerConfig, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, server: server, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(httprate.LimitByIP(limitOr(s.server.AuthRateLimit, 20), time.Minute))
		r.Post("/signup", s.handleSignUp)
		r.Post("/signin", s.handleSignIn)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(limitOr(s.server.RateLimit, 120), time.Minute))
		r.Use(s.withSession)

		r.Get("/api/session", s.handleSession)
		r.Post("/api/session/refresh", s.handleRefresh)
		r.Post("/api/session/logout", s.handleLogout)

		r.Get("/api/categories", s.handleCategories)
		r.Get("/api/commands", s.handleCatalog)
		r.Post("/api/commands", s.handleSubmit)
		r.Post("/api/commands/{id}/like", s.handleLike)
		r.Post("/api/commands/{id}/copy", s.handleCopy)
		r.Get("/api/search", s.handleSearch)
		r.Post("/api/chatbot", s.handleChatbot)
		r.Post("/api/feedback", s.handleFeedback)
		r.Get("/api/catalog/live", s.handleLive)

		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/pending", s.handlePending)
			r.Post("/commands", s.handleAdminAdd)
			r.Post("/commands/{id}/approve", s.handleModerate(s.service.Approve))
			r.Post("/commands/{id}/reject", s.handleModerate(s.service.Reject))
			r.Delete("/commands/{id}", s.handleModerate(s.service.DeleteCommand))
			r.Get("/duplicates", s.handleDuplicates)
			r.Post("/duplicates/resolve", s.handleResolveDuplicates)
			r.Post("/wipe/prepare", s.handlePrepareWipe)
			r.Post("/wipe", s.handleWipe)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func limitOr(limit, fallback int) int {
	if limit > 0 {
		return limit
	}
	return fallback
}

// Middleware

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewRequestID()
		}
		r = r.WithContext(logging.WithRequestID(r.Context(), s.logger, requestID))

		started := time.Now()
		writer := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		metrics.RecordHTTPRequest(route, r.Method, status, elapsed)

		event := logging.FromContext(r.Context()).Info()
		if status >= http.StatusInternalServerError {
			event = logging.FromContext(r.Context()).Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type sessionKey struct{}

// withSession attaches the caller's session when a valid bearer token is
// present. Requests without one continue as anonymous.
func (s *HTTPServer) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && r.URL.Path == "/api/catalog/live" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			logging.FromContext(r.Context()).Error().Err(err).Msg("session lookup failed")
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

// Health

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Auth

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"handle":       session.Handle,
		"role":         session.Role,
	}
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body SignUpInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if !session.Authenticated() {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"handle":        session.Handle,
		"role":          session.Role,
		"isAdmin":       session.IsAdmin(),
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Catalog

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.service.Categories()})
}

func (s *HTTPServer) handleCatalog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := intParam(query.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "page must be a number", nil)
		return
	}
	pageSize, err := intParam(query.Get("pageSize"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "pageSize must be a number", nil)
		return
	}

	result, err := s.service.Catalog(r.Context(), sessionFrom(r), CatalogQuery{
		Category: store.Category(strings.ToLower(strings.TrimSpace(query.Get("category")))),
		Query:    query.Get("q"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a number", nil)
		return
	}
	offset, err := intParam(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a number", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:     query.Get("q"),
		Category: store.Category(strings.ToLower(strings.TrimSpace(query.Get("category")))),
		Limit:    limit,
		Offset:   offset,
	}))
}

func (s *HTTPServer) handleChatbot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Ask(body.Message))
}

func (s *HTTPServer) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body FeedbackInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SendFeedback(r.Context(), body); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// Submissions and engagement

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body CommandInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.SubmitCommand(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"command": view, "message": "Thanks! Your command is waiting for review."})
}

func (s *HTTPServer) handleLike(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ToggleLike(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCopy(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.RecordCopy(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Admin

func (s *HTTPServer) handlePending(w http.ResponseWriter, r *http.Request) {
	queue, err := s.service.PendingCommands(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *HTTPServer) handleAdminAdd(w http.ResponseWriter, r *http.Request) {
	var body CommandInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.AdminAddCommand(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"command": view})
}

type moderateFunc func(context.Context, Session, string) (CommandView, error)

func (s *HTTPServer) handleModerate(moderate moderateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := moderate(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"command": view})
	}
}

func (s *HTTPServer) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.ScanDuplicates(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleResolveDuplicates(w http.ResponseWriter, r *http.Request) {
	var body ResolveInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.ResolveDuplicates(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePrepareWipe(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.service.PrepareWipe(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *HTTPServer) handleWipe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token   string `json:"token"`
		Confirm bool   `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Wipe(r.Context(), sessionFrom(r), body.Token, body.Confirm)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Helpers

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func intParam(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
