package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codeflow/api/internal/util"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ExistsByIDAndUser(ctx context.Context, id, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM commits WHERE id=$1 AND user_id=$2)`, id, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check commit %s: %w", id, err)
	}
	return exists, nil
}

// WriteCommit stores commit with the database clock as its timestamp. A row
// already present for (user, id) is left untouched.
func (s *PostgresStore) WriteCommit(ctx context.Context, commit Commit, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (id, user_id, message, code, language, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, id) DO NOTHING
	`, commit.ID, userID, commit.Message, commit.Code, commit.Language, commit.Author)
	if err != nil {
		return fmt.Errorf("insert commit %s: %w", commit.ID, err)
	}
	return nil
}

func (s *PostgresStore) QueryAllByUser(ctx context.Context, userID string) ([]Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message, code, language, author, created_at
		FROM commits
		WHERE user_id=$1
		ORDER BY created_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	items := make([]Commit, 0)
	for rows.Next() {
		item := Commit{SyncStatus: SyncSynced}
		if err := rows.Scan(&item.ID, &item.Message, &item.Code, &item.Language, &item.Author, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		item.Timestamp = item.Timestamp.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return items, nil
}

// History exposes the run-history table.
func (s *PostgresStore) History() *PostgresHistory {
	return &PostgresHistory{db: s.db}
}

type PostgresHistory struct {
	db *sql.DB
}

func (h *PostgresHistory) WriteRecord(ctx context.Context, userID string, draft HistoryDraft) (HistoryRecord, error) {
	record := HistoryRecord{
		ID:       util.NewID("hist"),
		Language: draft.Language,
		Code:     draft.Code,
		Title:    draft.Title,
		Comment:  draft.Comment,
		Origin:   OriginCloudConfirmed,
	}
	err := h.db.QueryRowContext(ctx, `
		INSERT INTO history (id, user_id, language, code, title, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, record.ID, userID, record.Language, record.Code, record.Title, record.Comment).Scan(&record.Timestamp)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("insert history: %w", err)
	}
	record.Timestamp = record.Timestamp.UTC()
	return record, nil
}

func (h *PostgresHistory) QueryAllByUser(ctx context.Context, userID string) ([]HistoryRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, language, code, title, comment, created_at
		FROM history
		WHERE user_id=$1
		ORDER BY created_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryRecord, 0)
	for rows.Next() {
		item := HistoryRecord{Origin: OriginCloudConfirmed}
		if err := rows.Scan(&item.ID, &item.Language, &item.Code, &item.Title, &item.Comment, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		item.Timestamp = item.Timestamp.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// DeleteByID removes the user's record; rows owned by anyone else are untouched.
func (h *PostgresHistory) DeleteByID(ctx context.Context, userID, id string) error {
	if _, err := h.db.ExecContext(ctx, `DELETE FROM history WHERE id=$1 AND user_id=$2`, id, userID); err != nil {
		return fmt.Errorf("delete history %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(ctx, `SELECT id, email, display_name, password_hash, created_at FROM users WHERE email=LOWER($1)`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(ctx, `SELECT id, email, display_name, password_hash, created_at FROM users WHERE id=$1`, id)
}

func (s *PostgresStore) scanUser(ctx context.Context, query string, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}
