package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"devcommandhub/api/internal/auth"
	"devcommandhub/api/internal/config"
	"devcommandhub/api/internal/email"
	"devcommandhub/api/internal/store"
)

// fakeStore keeps commands and users in memory. The Fn fields override single
// operations to inject failures.
type fakeStore struct {
	mu       sync.Mutex
	seq      int
	clock    time.Time
	commands []store.Command
	users    map[string]store.User
	sessions map[string]string

	pingFn          func(context.Context) error
	listByStatusFn  func(context.Context, store.Status) ([]store.Command, error)
	listAllFn       func(context.Context, store.Order) ([]store.Command, error)
	batchDeleteFn   func(context.Context, []string) (int, error)
	deleteAllFn     func(context.Context) (int, error)
	arrayAddFn      func(context.Context, string, string, string) error
	incrementFn     func(context.Context, string, string, int) error
	insertFn        func(context.Context, store.Command) (string, error)
	batchDeleteArgs [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		users:    make(map[string]store.User),
		sessions: make(map[string]string),
	}
}

func (f *fakeStore) add(c store.Command) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(c)
}

func (f *fakeStore) insertLocked(c store.Command) string {
	f.seq++
	f.clock = f.clock.Add(time.Minute)
	if c.ID == "" {
		c.ID = fmt.Sprintf("cmd-%02d", f.seq)
	}
	c.CreatedAt = f.clock
	c.LikedBy = slices.Clone(c.LikedBy)
	f.commands = append(f.commands, c)
	return c.ID
}

func (f *fakeStore) addUser(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeStore) find(id string) int {
	return slices.IndexFunc(f.commands, func(c store.Command) bool { return c.ID == id })
}

func (f *fakeStore) command(id string) (store.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return store.Command{}, false
	}
	return f.commands[i], true
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, c store.Command) (string, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, c)
	}
	return f.add(c), nil
}

func (f *fakeStore) GetCommand(_ context.Context, id string) (store.Command, error) {
	c, ok := f.command(id)
	if !ok {
		return store.Command{}, fmt.Errorf("get command %s: %w", id, sql.ErrNoRows)
	}
	return c, nil
}

func (f *fakeStore) ListByStatus(ctx context.Context, status store.Status) ([]store.Command, error) {
	if f.listByStatusFn != nil {
		return f.listByStatusFn(ctx, status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Command
	for i := len(f.commands) - 1; i >= 0; i-- {
		if f.commands[i].EffectiveStatus() == status {
			out = append(out, f.commands[i])
		}
	}
	return out, nil
}

func (f *fakeStore) ListAll(ctx context.Context, order store.Order) ([]store.Command, error) {
	if f.listAllFn != nil {
		return f.listAllFn(ctx, order)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.commands)
	if order == store.OrderNewestFirst {
		slices.Reverse(out)
	}
	return out, nil
}

func (f *fakeStore) SearchApproved(context.Context, string, store.Category, int, int) ([]store.Command, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) UpdateField(_ context.Context, id, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	if field == store.FieldStatus {
		f.commands[i].Status = store.Status(value)
	}
	return nil
}

func (f *fakeStore) IncrementField(ctx context.Context, id, field string, delta int) error {
	if f.incrementFn != nil {
		return f.incrementFn(ctx, id, field, delta)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	f.commands[i].CopyCount += delta
	return nil
}

func (f *fakeStore) ArrayAdd(ctx context.Context, id, field, value string) error {
	if f.arrayAddFn != nil {
		return f.arrayAddFn(ctx, id, field, value)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	if !slices.Contains(f.commands[i].LikedBy, value) {
		f.commands[i].LikedBy = append(f.commands[i].LikedBy, value)
	}
	return nil
}

func (f *fakeStore) ArrayRemove(_ context.Context, id, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	f.commands[i].LikedBy = slices.DeleteFunc(f.commands[i].LikedBy, func(v string) bool { return v == value })
	return nil
}

func (f *fakeStore) HasArrayValue(_ context.Context, id, field, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return false, sql.ErrNoRows
	}
	return slices.Contains(f.commands[i].LikedBy, value), nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	f.commands = slices.Delete(f.commands, i, i+1)
	return nil
}

func (f *fakeStore) BatchDelete(ctx context.Context, ids []string) (int, error) {
	f.mu.Lock()
	f.batchDeleteArgs = append(f.batchDeleteArgs, slices.Clone(ids))
	f.mu.Unlock()
	if f.batchDeleteFn != nil {
		return f.batchDeleteFn(ctx, ids)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if i := f.find(id); i >= 0 {
			f.commands = slices.Delete(f.commands, i, i+1)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeStore) DeleteAll(ctx context.Context) (int, error) {
	if f.deleteAllFn != nil {
		return f.deleteAllFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.commands)
	f.commands = nil
	return n, nil
}

func (f *fakeStore) CreateUser(_ context.Context, u store.User) error {
	f.addUser(u)
	return nil
}

func (f *fakeStore) userWhere(match func(store.User) bool) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	return f.userWhere(func(u store.User) bool { return u.Email == email })
}

func (f *fakeStore) GetUserByHandle(_ context.Context, handle string) (store.User, error) {
	return f.userWhere(func(u store.User) bool { return u.Handle == handle })
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	return f.userWhere(func(u store.User) bool { return u.ID == id })
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = userID
	return nil
}

func (f *fakeStore) ConsumeRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.sessions[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	delete(f.sessions, tokenHash)
	return userID, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

type fakeMailer struct {
	configured bool
	sendFn     func(email.FeedbackData) error
	sent       []email.FeedbackData
}

func (m *fakeMailer) CanSendFeedback() bool { return m.configured }

func (m *fakeMailer) SendFeedback(data email.FeedbackData) error {
	m.sent = append(m.sent, data)
	if m.sendFn != nil {
		return m.sendFn(data)
	}
	return nil
}

type fakeSnapshotter struct {
	err      error
	captured []store.Command
}

func (f *fakeSnapshotter) Snapshot(_ context.Context, commands []store.Command) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.captured = commands
	return "snapshots/commands-test.json", nil
}

var errBoom = errors.New("boom")

const testSecret = "test-secret"

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AccessTTL = time.Hour
	cfg.Auth.RefreshTTL = 24 * time.Hour
	cfg.Auth.AdminEmails = []string{"admin@example.com"}
	cfg.Catalog.PageSize = 2
	return cfg
}

func newTestService(t *testing.T, fs *fakeStore, opts ...Option) *Service {
	t.Helper()
	svc := newService(testConfig(), fs, zerolog.Nop(), opts...)
	t.Cleanup(svc.search.Wait)
	return svc
}

var (
	adminUser  = store.User{ID: "usr-admin", DisplayName: "Admin", Handle: "admin", Email: "admin@example.com"}
	memberUser = store.User{ID: "usr-member", DisplayName: "Member", Handle: "member", Email: "member@example.com"}
)

func adminSession() Session  { return sessionFor(adminUser, "admin") }
func memberSession() Session { return sessionFor(memberUser, "member") }

// tokenFor issues an access token for a user already present in fs.
func tokenFor(t *testing.T, u store.User) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), u.ID, "jti-"+u.ID, time.Now().Add(time.Hour), auth.Claims{
		Name:   u.DisplayName,
		Handle: u.Handle,
		Email:  u.Email,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
