package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"devcommandhub/api/internal/auth"
	"devcommandhub/api/internal/authpw"
	"devcommandhub/api/internal/catalog"
	"devcommandhub/api/internal/chatbot"
	"devcommandhub/api/internal/config"
	"devcommandhub/api/internal/email"
	"devcommandhub/api/internal/logging"
	"devcommandhub/api/internal/metrics"
	"devcommandhub/api/internal/rbac"
	"devcommandhub/api/internal/search"
	"devcommandhub/api/internal/store"
	"devcommandhub/api/internal/util"
	"devcommandhub/api/internal/validation"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Handle       string
	Email        string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Authenticated() bool {
	return s.UserID != ""
}

func (s Session) IsAdmin() bool {
	return s.Role == rbac.RoleAdmin
}

// OperatorSession is the identity used by maintenance tooling run on the host.
func OperatorSession() Session {
	return Session{UserID: "operator", UserName: "cmdhubctl", Role: rbac.RoleAdmin}
}

type dataStore interface {
	Ping(context.Context) error
	Insert(context.Context, store.Command) (string, error)
	GetCommand(context.Context, string) (store.Command, error)
	ListByStatus(context.Context, store.Status) ([]store.Command, error)
	ListAll(context.Context, store.Order) ([]store.Command, error)
	SearchApproved(context.Context, string, store.Category, int, int) ([]store.Command, int, error)
	UpdateField(context.Context, string, string, string) error
	IncrementField(context.Context, string, string, int) error
	ArrayAdd(context.Context, string, string, string) error
	ArrayRemove(context.Context, string, string, string) error
	HasArrayValue(context.Context, string, string, string) (bool, error)
	Delete(context.Context, string) error
	BatchDelete(context.Context, []string) (int, error)
	DeleteAll(context.Context) (int, error)
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByHandle(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	sessionStore
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
}

type feedbackMailer interface {
	CanSendFeedback() bool
	SendFeedback(email.FeedbackData) error
}

type snapshotter interface {
	Snapshot(context.Context, []store.Command) (string, error)
}

type wipeTicket struct {
	userID    string
	expiresAt time.Time
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	accounts  *authpw.Service
	allow     rbac.AllowList
	responder *chatbot.Responder
	search    *search.Service
	mailer    feedbackMailer
	snapshots snapshotter
	logger    zerolog.Logger

	// version increases on every catalog write so live sessions know to reload.
	version atomic.Int64

	wipeTTL     time.Duration
	wipeMu      sync.Mutex
	wipeTickets map[string]wipeTicket
}

type Option func(*Service)

// WithSessionStore keeps refresh sessions outside the SQL store, e.g. in Redis.
func WithSessionStore(sessions sessionStore) Option {
	return func(s *Service) { s.sessions = sessions }
}

func WithSearchIndex(index search.Index) Option {
	return func(s *Service) { s.search = search.NewService(index, search.NewSQLFallback(s.store), s.logger) }
}

func WithMailer(m feedbackMailer) Option {
	return func(s *Service) { s.mailer = m }
}

func WithSnapshotter(snap snapshotter) Option {
	return func(s *Service) { s.snapshots = snap }
}

func WithResponder(r *chatbot.Responder) Option {
	return func(s *Service) { s.responder = r }
}

func New(cfg config.Config, dataStore *store.SQLStore, logger zerolog.Logger, opts ...Option) *Service {
	return newService(cfg, dataStore, logger, opts...)
}

func newService(cfg config.Config, st dataStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg,
		store:       st,
		sessions:    st,
		accounts:    authpw.NewService(st),
		allow:       newAllowList(cfg),
		logger:      logger,
		wipeTTL:     5 * time.Minute,
		wipeTickets: make(map[string]wipeTicket),
	}
	s.search = search.NewService(nil, search.NewSQLFallback(st), logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.responder == nil {
		rules, err := chatbot.DefaultRules()
		if err != nil {
			logger.Error().Err(err).Msg("load embedded chatbot rules")
		}
		s.responder = chatbot.NewResponder(rules)
	}
	return s
}

func newAllowList(cfg config.Config) rbac.AllowList {
	return rbac.NewAllowList(cfg.Auth.AdminEmails, cfg.Auth.AdminHandles)
}

// Bootstrap rebuilds the search index from the approved catalog.
func (s *Service) Bootstrap(ctx context.Context) error {
	visible, err := s.store.ListByStatus(ctx, store.StatusApproved)
	if err != nil {
		return err
	}
	records := make([]search.CommandRecord, 0, len(visible))
	for _, c := range visible {
		records = append(records, search.RecordOf(c))
	}
	s.search.Reindex(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CatalogVersion changes whenever a record is added, moderated or deleted.
func (s *Service) CatalogVersion() int64 {
	return s.version.Load()
}

func (s *Service) bump() {
	s.version.Add(1)
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := logging.FromContext(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// Accounts

type SignUpInput struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	DisplayName string `json:"displayName" validate:"required,max=80"`
	Handle      string `json:"handle" validate:"required,alphanum,max=40"`
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (Session, error) {
	input.Email = strings.TrimSpace(input.Email)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Handle = strings.TrimSpace(input.Handle)
	if err := validation.Struct(input); err != nil {
		return Session{}, validationFailed(err)
	}

	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
		Handle:      input.Handle,
	})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, domainError(http.StatusConflict, "EMAIL_TAKEN", err.Error(), nil)
	case errors.Is(err, authpw.ErrHandleTaken):
		return Session{}, domainError(http.StatusConflict, "HANDLE_TAKEN", err.Error(), nil)
	case errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrMissingFields):
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case err != nil:
		s.log(ctx).Error().Err(err).Msg("sign up failed")
		return Session{}, storeWriteFailed()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, emailAddr, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("sign in failed")
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	ownerID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, ownerID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.Auth.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.Auth.JWTSecret), user.ID, jti, expiresAt, auth.Claims{
		Name:   user.DisplayName,
		Handle: user.Handle,
		Email:  user.Email,
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.Auth.RefreshTTL)); err != nil {
		return Session{}, err
	}

	session := sessionFor(user, s.allow.RoleFor(user))
	session.Token = token
	session.RefreshToken = refresh
	session.JTI = jti
	session.ExpiresAt = expiresAt
	return session, nil
}

func sessionFor(user store.User, role rbac.Role) Session {
	return Session{
		UserID:   user.ID,
		UserName: user.DisplayName,
		Handle:   user.Handle,
		Email:    user.Email,
		Role:     role,
	}
}

// SessionFromToken resolves an access token. Admin membership is re-evaluated
// against the allow-list on every call.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.Auth.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	session := sessionFor(user, s.allow.RoleFor(user))
	session.Token = token
	session.JTI = claims.ID
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(session.Role, action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if s.Can(session, action) {
		return nil
	}
	if !session.Authenticated() {
		return errAuthRequired
	}
	return errForbidden
}

// Catalog

type CommandView struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	CommandText string    `json:"commandText"`
	Description string    `json:"description"`
	SearchTags  string    `json:"searchTags,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	CopyCount   int       `json:"copyCount"`
	LikeCount   int       `json:"likeCount"`
	Liked       bool      `json:"liked"`
}

func viewOf(c store.Command, viewerID string) CommandView {
	return CommandView{
		ID:          c.ID,
		Category:    string(c.Category),
		CommandText: c.CommandText,
		Description: c.Description,
		SearchTags:  c.SearchTags,
		Status:      string(c.EffectiveStatus()),
		CreatedAt:   c.CreatedAt,
		CopyCount:   c.CopyCount,
		LikeCount:   c.LikeCount(),
		Liked:       c.LikedByUser(viewerID),
	}
}

func viewsOf(commands []store.Command, viewerID string) []CommandView {
	views := make([]CommandView, 0, len(commands))
	for _, c := range commands {
		views = append(views, viewOf(c, viewerID))
	}
	return views
}

type CategoryTab struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

var categoryLabels = map[store.Category]string{
	store.CategoryGit:    "Git",
	store.CategoryVSCode: "VS Code",
	store.CategoryCmd:    "CMD",
}

func (s *Service) Categories() []CategoryTab {
	tabs := make([]CategoryTab, 0, len(store.Categories))
	for _, c := range store.Categories {
		tabs = append(tabs, CategoryTab{ID: string(c), Label: categoryLabels[c]})
	}
	return tabs
}

type CatalogQuery struct {
	Category store.Category
	Query    string
	Page     int
	PageSize int
}

type CatalogPage struct {
	Category   string        `json:"category"`
	Query      string        `json:"query"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
	Total      int           `json:"total"`
	Items      []CommandView `json:"items"`
}

// visibleCommands loads the public catalog. A read failure degrades to an empty
// catalog so browsing never errors.
func (s *Service) visibleCommands(ctx context.Context) []store.Command {
	commands, err := s.store.ListByStatus(ctx, store.StatusApproved)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("load catalog failed")
		return []store.Command{}
	}
	return commands
}

func (s *Service) Catalog(ctx context.Context, session Session, q CatalogQuery) (CatalogPage, error) {
	if q.Category == "" {
		q.Category = store.CategoryGit
	}
	if !q.Category.Valid() {
		return CatalogPage{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category must be one of git, vscode, cmd", nil)
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = s.pageSize()
	}

	state := catalog.State{Category: q.Category, Query: q.Query, Page: q.Page, PageSize: q.PageSize}
	items, totalPages, total := state.Slice(s.visibleCommands(ctx))
	return CatalogPage{
		Category:   string(q.Category),
		Query:      q.Query,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
		Total:      total,
		Items:      viewsOf(items, session.UserID),
	}, nil
}

func (s *Service) pageSize() int {
	if s.cfg.Catalog.PageSize > 0 {
		return s.cfg.Catalog.PageSize
	}
	return catalog.DefaultPageSize
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	resp := s.search.Search(ctx, q)
	metrics.RecordSearch(resp.Backend)
	return resp
}

// Chatbot

type Answer struct {
	Answer  string `json:"answer"`
	Matched bool   `json:"matched"`
}

func (s *Service) Ask(question string) Answer {
	rule, ok := s.responder.Match(question)
	metrics.RecordChatbotAnswer(ok)
	if !ok {
		return Answer{Answer: chatbot.Fallback}
	}
	return Answer{Answer: rule.Answer, Matched: true}
}

// Feedback

type FeedbackInput struct {
	Name    string `json:"name" validate:"required,max=120,singleline"`
	Email   string `json:"email" validate:"required,email,max=254"`
	Message string `json:"message" validate:"required,max=5000"`
}

// SendFeedback makes a single delivery attempt.
func (s *Service) SendFeedback(ctx context.Context, input FeedbackInput) error {
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.Message = strings.TrimSpace(input.Message)
	if err := validation.Struct(input); err != nil {
		return validationFailed(err)
	}
	if s.mailer == nil || !s.mailer.CanSendFeedback() {
		return domainError(http.StatusServiceUnavailable, "FEEDBACK_UNAVAILABLE", "Feedback delivery is not configured", nil)
	}
	if err := s.mailer.SendFeedback(email.FeedbackData{Name: input.Name, Email: input.Email, Message: input.Message}); err != nil {
		s.log(ctx).Error().Err(err).Msg("feedback delivery failed")
		return domainError(http.StatusBadGateway, "FEEDBACK_FAILED", "Could not send your message, please try again later", nil)
	}
	return nil
}
