package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"devcommandhub/api/internal/util"
)

var (
	ErrUnknownField = errors.New("unknown or immutable field")
	ErrInvalidDelta = errors.New("increment delta must be positive")
)

// SQLStore is the command store. The same queries run on Postgres and SQLite;
// placeholders are written as ? and rebound per driver.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return rebind(s.driver, query)
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC()
}

const commandColumns = `id, category, command_text, description, search_tags, status, created_at, copy_count, submitted_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (Command, error) {
	var (
		c           Command
		category    string
		searchTags  sql.NullString
		status      sql.NullString
		submittedBy sql.NullString
	)
	if err := row.Scan(&c.ID, &category, &c.CommandText, &c.Description, &searchTags, &status, &c.CreatedAt, &c.CopyCount, &submittedBy); err != nil {
		return Command{}, err
	}
	c.Category = Category(category)
	c.SearchTags = searchTags.String
	c.Status = Status(status.String)
	c.SubmittedBy = submittedBy.String
	c.LikedBy = []string{}
	return c, nil
}

func nullable(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

// Insert stores a new command and returns the id assigned to it.
func (s *SQLStore) Insert(ctx context.Context, c Command) (string, error) {
	if c.ID == "" {
		c.ID = util.NewID("cmd")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.timestamp()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.ID, string(c.Category), c.CommandText, c.Description, nullable(c.SearchTags), nullable(string(c.Status)), c.CreatedAt.UTC(), c.CopyCount, nullable(c.SubmittedBy))
	if err != nil {
		return "", fmt.Errorf("insert command: %w", err)
	}
	return c.ID, nil
}

func (s *SQLStore) GetCommand(ctx context.Context, id string) (Command, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+commandColumns+` FROM commands WHERE id = ?`), id)
	c, err := scanCommand(row)
	if err != nil {
		return Command{}, fmt.Errorf("get command %s: %w", id, err)
	}
	commands := []Command{c}
	if err := s.attachLikes(ctx, commands); err != nil {
		return Command{}, err
	}
	return commands[0], nil
}

// ListByStatus returns records whose effective status matches, newest first.
// Records without a status are returned for StatusApproved.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]Command, error) {
	where := `status = ?`
	if status == StatusApproved {
		where = `(status IS NULL OR status = ?)`
	}
	return s.listCommands(ctx, `WHERE `+where+` ORDER BY created_at DESC, id DESC`, string(status))
}

func (s *SQLStore) ListAll(ctx context.Context, order Order) ([]Command, error) {
	clause := `ORDER BY created_at DESC, id DESC`
	if order == OrderOldestFirst {
		clause = `ORDER BY created_at ASC, id ASC`
	}
	return s.listCommands(ctx, clause)
}

// SearchApproved matches visible records whose text, description or tags contain
// text, case-insensitively. An empty category searches every tab.
func (s *SQLStore) SearchApproved(ctx context.Context, text string, category Category, limit, offset int) ([]Command, int, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(text)) + "%"
	where := `WHERE (status IS NULL OR status = ?)
		AND (LOWER(command_text) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(COALESCE(search_tags, '')) LIKE ? ESCAPE '\')`
	args := []any{string(StatusApproved), pattern, pattern, pattern}
	if category != "" {
		where += ` AND category = ?`
		args = append(args, string(category))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM commands `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	commands, err := s.listCommands(ctx, where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return commands, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLStore) listCommands(ctx context.Context, clause string, args ...any) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+commandColumns+` FROM commands `+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	commands := make([]Command, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	if err := s.attachLikes(ctx, commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func (s *SQLStore) attachLikes(ctx context.Context, commands []Command) error {
	if len(commands) == 0 {
		return nil
	}
	index := make(map[string]int, len(commands))
	args := make([]any, 0, len(commands))
	for i, c := range commands {
		index[c.ID] = i
		args = append(args, c.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT command_id, user_id FROM command_likes
		WHERE command_id IN (`+placeholders+`)
		ORDER BY created_at, user_id
	`), args...)
	if err != nil {
		return fmt.Errorf("list likes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var commandID, userID string
		if err := rows.Scan(&commandID, &userID); err != nil {
			return fmt.Errorf("scan like: %w", err)
		}
		if i, ok := index[commandID]; ok {
			commands[i].LikedBy = append(commands[i].LikedBy, userID)
		}
	}
	return rows.Err()
}

var updatableColumns = map[string]string{
	FieldStatus:      "status",
	FieldDescription: "description",
	FieldSearchTags:  "search_tags",
}

// UpdateField sets one mutable column. Approval only ever touches status.
func (s *SQLStore) UpdateField(ctx context.Context, id, field, value string) error {
	column, ok := updatableColumns[field]
	if !ok {
		return fmt.Errorf("update %q: %w", field, ErrUnknownField)
	}
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE commands SET `+column+` = ? WHERE id = ?`), nullable(value), id)
	if err != nil {
		return fmt.Errorf("update command %s: %w", field, err)
	}
	return requireAffected(result, id)
}

// IncrementField adds a positive delta to a counter column.
func (s *SQLStore) IncrementField(ctx context.Context, id, field string, delta int) error {
	if field != FieldCopyCount {
		return fmt.Errorf("increment %q: %w", field, ErrUnknownField)
	}
	if delta <= 0 {
		return ErrInvalidDelta
	}
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE commands SET copy_count = copy_count + ? WHERE id = ?`), delta, id)
	if err != nil {
		return fmt.Errorf("increment copy_count: %w", err)
	}
	return requireAffected(result, id)
}

// ArrayAdd adds value to the like set; adding an existing member is a no-op.
func (s *SQLStore) ArrayAdd(ctx context.Context, id, field, value string) error {
	if field != FieldLikedBy {
		return fmt.Errorf("array add %q: %w", field, ErrUnknownField)
	}
	if err := s.requireCommand(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO command_likes (command_id, user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (command_id, user_id) DO NOTHING
	`), id, value, s.timestamp())
	if err != nil {
		return fmt.Errorf("add like: %w", err)
	}
	return nil
}

// ArrayRemove removes value from the like set; removing a non-member is a no-op.
func (s *SQLStore) ArrayRemove(ctx context.Context, id, field, value string) error {
	if field != FieldLikedBy {
		return fmt.Errorf("array remove %q: %w", field, ErrUnknownField)
	}
	if err := s.requireCommand(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM command_likes WHERE command_id = ? AND user_id = ?`), id, value); err != nil {
		return fmt.Errorf("remove like: %w", err)
	}
	return nil
}

func (s *SQLStore) HasArrayValue(ctx context.Context, id, field, value string) (bool, error) {
	if field != FieldLikedBy {
		return false, fmt.Errorf("array lookup %q: %w", field, ErrUnknownField)
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM command_likes WHERE command_id = ? AND user_id = ?`), id, value).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check like: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	affected, err := s.deleteInTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("delete command %s: %w", id, sql.ErrNoRows)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// BatchDelete removes every id in one transaction. Either all rows go or none do.
// Ids that no longer exist are skipped; the returned count is rows actually removed.
func (s *SQLStore) BatchDelete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	for _, id := range ids {
		affected, err := s.deleteInTx(ctx, tx, id)
		if err != nil {
			return 0, fmt.Errorf("batch delete: %w", err)
		}
		removed += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch delete: %w", err)
	}
	return removed, nil
}

// DeleteAll wipes the catalog in one transaction.
func (s *SQLStore) DeleteAll(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin wipe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_likes`); err != nil {
		return 0, fmt.Errorf("wipe likes: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM commands`)
	if err != nil {
		return 0, fmt.Errorf("wipe commands: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("wipe rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit wipe: %w", err)
	}
	return int(removed), nil
}

func (s *SQLStore) deleteInTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM command_likes WHERE command_id = ?`), id); err != nil {
		return 0, fmt.Errorf("delete likes for %s: %w", id, err)
	}
	result, err := tx.ExecContext(ctx, s.q(`DELETE FROM commands WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("delete command %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for %s: %w", id, err)
	}
	return affected, nil
}

func (s *SQLStore) requireCommand(ctx context.Context, id string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM commands WHERE id = ?`), id).Scan(&count); err != nil {
		return fmt.Errorf("lookup command %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("command %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func requireAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("command %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.timestamp()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, display_name, handle, email, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), user.ID, user.DisplayName, user.Handle, strings.ToLower(user.Email), user.PasswordHash, user.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, display_name, handle, email, password_hash, created_at`

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *SQLStore) GetUserByHandle(ctx context.Context, handle string) (User, error) {
	return s.getUser(ctx, `handle = ?`, strings.TrimSpace(handle))
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

func (s *SQLStore) getUser(ctx context.Context, where string, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE `+where), arg).
		Scan(&user.ID, &user.DisplayName, &user.Handle, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *SQLStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at, revoked_at = NULL
	`), tokenHash, userID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *SQLStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE refresh_sessions SET revoked_at = ? WHERE token_hash = ?`), s.timestamp(), tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ConsumeRefreshSession revokes a live refresh session and returns its owner
// in one statement, so concurrent refreshes cannot both spend the token.
func (s *SQLStore) ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	now := s.timestamp()
	var userID string
	err := s.db.QueryRowContext(ctx, s.q(`
		UPDATE refresh_sessions SET revoked_at = ?
		WHERE token_hash = ?
			AND revoked_at IS NULL
			AND expires_at > ?
		RETURNING user_id
	`), now, tokenHash, now).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}
