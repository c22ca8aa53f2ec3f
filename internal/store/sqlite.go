package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC timestamp layout. Zero-padded fractional
// seconds keep lexicographic order equal to chronological order, which the
// due-row scan relies on.
const timeLayout = "2006-01-02 15:04:05.000000000"

// deadLetterDelay pushes a row permanently out of retry reach.
const deadLetterDelay = 3650 * 24 * time.Hour

const maxLastErrorLen = 255

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL mode
// and runs the embedded migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveLink upserts the mapping from an AmoCRM contact to a directory resource.
func (s *SQLiteStore) SaveLink(ctx context.Context, amoContactID, googleResourceName string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (amo_contact_id, google_resource_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(amo_contact_id) DO UPDATE SET
			google_resource_name = excluded.google_resource_name,
			updated_at = excluded.updated_at
	`, amoContactID, googleResourceName, now, now)
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

// GetLink returns the link for the given AmoCRM contact, or ErrNotFound.
func (s *SQLiteStore) GetLink(ctx context.Context, amoContactID string) (*Link, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, amo_contact_id, google_resource_name, created_at, updated_at
		FROM links WHERE amo_contact_id = ?
	`, amoContactID)

	var link Link
	var createdAt, updatedAt string
	err := row.Scan(&link.ID, &link.AmoContactID, &link.GoogleResourceName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	link.CreatedAt = parseTime(createdAt)
	link.UpdatedAt = parseTime(updatedAt)
	return &link, nil
}

// RemapLinks points every link currently targeting one of the source
// resources at the target resource. Idempotent; the target itself and empty
// names are skipped.
func (s *SQLiteStore) RemapLinks(ctx context.Context, targetResourceName string, sourceResourceNames []string) error {
	sources := make([]string, 0, len(sourceResourceNames))
	for _, name := range sourceResourceNames {
		if name != "" && name != targetResourceName {
			sources = append(sources, name)
		}
	}
	if len(sources) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(sources))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(sources)+2)
	args = append(args, targetResourceName, formatTime(time.Now()))
	for _, name := range sources {
		args = append(args, name)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE links SET google_resource_name = ?, updated_at = ?
		WHERE google_resource_name IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("remap links: %w", err)
	}
	return nil
}

// GetToken returns the stored credential set for a system, or ErrNotFound.
func (s *SQLiteStore) GetToken(ctx context.Context, system string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, system, access_token, refresh_token, expiry, scopes, account_id, created_at, updated_at
		FROM tokens WHERE system = ?
	`, system)

	var token Token
	var refreshToken, expiry, scopes, accountID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&token.ID, &token.System, &token.AccessToken, &refreshToken,
		&expiry, &scopes, &accountID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	token.RefreshToken = refreshToken.String
	if expiry.Valid {
		token.Expiry = parseTime(expiry.String)
	}
	token.Scopes = scopes.String
	token.AccountID = accountID.String
	token.CreatedAt = parseTime(createdAt)
	token.UpdatedAt = parseTime(updatedAt)
	return &token, nil
}

// SaveToken upserts the credential set for token.System.
func (s *SQLiteStore) SaveToken(ctx context.Context, token *Token) error {
	now := formatTime(time.Now())
	var expiry any
	if !token.Expiry.IsZero() {
		expiry = formatTime(token.Expiry)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET access_token = ?, refresh_token = ?, expiry = ?, scopes = ?, account_id = ?, updated_at = ?
		WHERE system = ?
	`, token.AccessToken, token.RefreshToken, expiry, token.Scopes, token.AccountID, now, token.System)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (system, access_token, refresh_token, expiry, scopes, account_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, token.System, token.AccessToken, token.RefreshToken, expiry, token.Scopes, token.AccountID, now, now)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Enqueue upserts a pending sync row for the contact. Re-arming an existing
// row resets attempts and schedules it immediately.
func (s *SQLiteStore) Enqueue(ctx context.Context, amoContactID int64) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_sync (amo_contact_id, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, 0, ?, NULL, ?, ?)
		ON CONFLICT(amo_contact_id) DO UPDATE SET
			attempts = 0,
			next_attempt_at = excluded.next_attempt_at,
			last_error = NULL,
			updated_at = excluded.updated_at
	`, amoContactID, now, now, now)
	if err != nil {
		return fmt.Errorf("enqueue pending sync: %w", err)
	}
	return nil
}

// FetchDue returns up to limit rows whose next_attempt_at has passed, ordered
// by (next_attempt_at, id).
func (s *SQLiteStore) FetchDue(ctx context.Context, limit int) ([]PendingSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amo_contact_id, attempts, next_attempt_at, last_error, created_at, updated_at
		FROM pending_sync
		WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at, id
		LIMIT ?
	`, formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due pending sync: %w", err)
	}
	defer rows.Close()
	return scanPendingRows(rows)
}

// Reschedule pushes a row forward by delay (at least one second), increments
// attempts and records the error text.
func (s *SQLiteStore) Reschedule(ctx context.Context, row *PendingSync, delay time.Duration, errText string) error {
	if delay < time.Second {
		delay = time.Second
	}
	return s.advance(ctx, row, delay, truncateError(errText))
}

// DeadLetter parks a row ten years out with "<reason>:<detail>" as the error.
func (s *SQLiteStore) DeadLetter(ctx context.Context, row *PendingSync, reason, detail string) error {
	errText := reason
	if detail != "" {
		errText = reason + ":" + detail
	}
	return s.advance(ctx, row, deadLetterDelay, truncateError(errText))
}

func (s *SQLiteStore) advance(ctx context.Context, row *PendingSync, delay time.Duration, errText string) error {
	now := time.Now()
	next := now.Add(delay)
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync
		SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(next), errText, formatTime(now), row.ID)
	if err != nil {
		return fmt.Errorf("reschedule pending sync: %w", err)
	}
	row.Attempts++
	row.NextAttemptAt = next.UTC()
	row.LastError = errText
	return nil
}

// Complete records a successful apply: the link upsert (when a resource was
// produced) and the queue row deletion happen in one transaction.
func (s *SQLiteStore) Complete(ctx context.Context, row *PendingSync, googleResourceName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete pending sync: %w", err)
	}
	defer tx.Rollback()

	if googleResourceName != "" {
		now := formatTime(time.Now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO links (amo_contact_id, google_resource_name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(amo_contact_id) DO UPDATE SET
				google_resource_name = excluded.google_resource_name,
				updated_at = excluded.updated_at
		`, fmt.Sprintf("%d", row.AmoContactID), googleResourceName, now, now)
		if err != nil {
			return fmt.Errorf("complete pending sync: save link: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_sync WHERE id = ?`, row.ID); err != nil {
		return fmt.Errorf("complete pending sync: delete row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete pending sync: %w", err)
	}
	return nil
}

// PendingStats returns due and total row counts.
func (s *SQLiteStore) PendingStats(ctx context.Context) (*PendingStats, error) {
	var stats PendingStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_sync WHERE next_attempt_at <= ?`,
		formatTime(time.Now())).Scan(&stats.Due)
	if err != nil {
		return nil, fmt.Errorf("pending stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_sync`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("pending stats: %w", err)
	}
	return &stats, nil
}

// ListPending returns the next rows in schedule order regardless of due time.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]PendingSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amo_contact_id, attempts, next_attempt_at, last_error, created_at, updated_at
		FROM pending_sync
		ORDER BY next_attempt_at, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sync: %w", err)
	}
	defer rows.Close()
	return scanPendingRows(rows)
}

func scanPendingRows(rows *sql.Rows) ([]PendingSync, error) {
	var result []PendingSync
	for rows.Next() {
		var row PendingSync
		var nextAttemptAt, createdAt, updatedAt string
		var lastError sql.NullString
		if err := rows.Scan(&row.ID, &row.AmoContactID, &row.Attempts, &nextAttemptAt,
			&lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pending sync: %w", err)
		}
		row.NextAttemptAt = parseTime(nextAttemptAt)
		row.LastError = lastError.String
		row.CreatedAt = parseTime(createdAt)
		row.UpdatedAt = parseTime(updatedAt)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan pending sync: %w", err)
	}
	return result, nil
}

func truncateError(s string) string {
	if len(s) > maxLastErrorLen {
		return s[:maxLastErrorLen]
	}
	return s
}
