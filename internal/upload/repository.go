package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    upload_id      TEXT PRIMARY KEY,
    file_name      TEXT NOT NULL,
    total_chunks   INTEGER NOT NULL CHECK (total_chunks > 0),
    file_size      BIGINT,
    checksum       TEXT NOT NULL DEFAULT '',
    content_type   TEXT NOT NULL,
    status         TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    result         JSONB,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS upload_sessions_status_expires_idx ON upload_sessions (status, expires_at);`

const sessionColumns = `upload_id, file_name, total_chunks, file_size, checksum, content_type, status, failure_reason, result, created_at, updated_at, expires_at`

// PostgresSessionStore keeps upload sessions in PostgreSQL.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore builds a session store on top of an existing pool.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// EnsureSchema creates the sessions table when it does not exist.
func (r *PostgresSessionStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure upload_sessions schema: %w", err)
	}
	return nil
}

// Create inserts a session, or resets an unfinished one with the same uploadId.
func (r *PostgresSessionStore) Create(ctx context.Context, session Session) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
INSERT INTO upload_sessions (upload_id, file_name, total_chunks, file_size, checksum, content_type, status, failure_reason, result, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, '', NULL, $8, $8, $9)
ON CONFLICT (upload_id) DO UPDATE SET
    file_name = EXCLUDED.file_name,
    total_chunks = EXCLUDED.total_chunks,
    file_size = EXCLUDED.file_size,
    checksum = EXCLUDED.checksum,
    content_type = EXCLUDED.content_type,
    status = EXCLUDED.status,
    failure_reason = '',
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
WHERE upload_sessions.status IN ('pending', 'failed', 'expired')
RETURNING ` + sessionColumns + `;`

	row := r.pool.QueryRow(ctx, query,
		session.UploadID,
		session.FileName,
		session.TotalChunks,
		session.FileSize,
		session.Checksum,
		session.ContentType,
		string(StatusPending),
		session.CreatedAt,
		session.ExpiresAt,
	)

	stored, err := scanSession(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("create upload session: %w", err)
	}

	existing, err := r.Get(ctx, session.UploadID)
	if err != nil {
		return Session{}, err
	}
	return existing, statusError(existing.Status)
}

// Get loads a session by uploadId.
func (r *PostgresSessionStore) Get(ctx context.Context, uploadID string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE upload_id = $1;`

	session, err := scanSession(r.pool.QueryRow(ctx, query, uploadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get upload session: %w", err)
	}
	return session, nil
}

// BeginAssembly atomically moves an eligible session to assembling.
func (r *PostgresSessionStore) BeginAssembly(ctx context.Context, uploadID string, staleBefore time.Time) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
UPDATE upload_sessions
SET status = 'assembling', failure_reason = '', updated_at = NOW()
WHERE upload_id = $1
  AND (status IN ('pending', 'failed') OR (status = 'assembling' AND updated_at < $2))
RETURNING ` + sessionColumns + `;`

	session, err := scanSession(r.pool.QueryRow(ctx, query, uploadID, staleBefore))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("begin assembly: %w", err)
	}

	existing, err := r.Get(ctx, uploadID)
	if err != nil {
		return Session{}, err
	}
	return existing, statusError(existing.Status)
}

// MarkCompleted stores the assembled object and marks the session completed.
func (r *PostgresSessionStore) MarkCompleted(ctx context.Context, uploadID string, result AssembledObject) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode assembled object: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE upload_sessions
SET status = 'completed', result = $2, failure_reason = '', updated_at = NOW()
WHERE upload_id = $1;`, uploadID, payload)
	if err != nil {
		return fmt.Errorf("mark upload completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkFailed records the failure reason. Completed sessions are left untouched.
func (r *PostgresSessionStore) MarkFailed(ctx context.Context, uploadID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
UPDATE upload_sessions
SET status = 'failed', failure_reason = $2, updated_at = NOW()
WHERE upload_id = $1 AND status <> 'completed';`, uploadID, reason)
	if err != nil {
		return fmt.Errorf("mark upload failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListExpired returns up to limit unfinished sessions whose expiry has passed.
func (r *PostgresSessionStore) ListExpired(ctx context.Context, now, staleBefore time.Time, limit int) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
SELECT ` + sessionColumns + `
FROM upload_sessions
WHERE expires_at < $1
  AND (status IN ('pending', 'failed') OR (status = 'assembling' AND updated_at < $2))
ORDER BY expires_at
LIMIT $3;`

	rows, err := r.pool.Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return sessions, nil
}

// MarkExpired expires the session if it still matches the ListExpired conditions.
func (r *PostgresSessionStore) MarkExpired(ctx context.Context, uploadID string, now, staleBefore time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
UPDATE upload_sessions
SET status = 'expired', updated_at = NOW()
WHERE upload_id = $1
  AND expires_at < $2
  AND (status IN ('pending', 'failed') OR (status = 'assembling' AND updated_at < $3));`,
		uploadID, now, staleBefore)
	if err != nil {
		return fmt.Errorf("mark upload expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *PostgresSessionStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		session Session
		status  string
		result  []byte
	)
	if err := row.Scan(
		&session.UploadID,
		&session.FileName,
		&session.TotalChunks,
		&session.FileSize,
		&session.Checksum,
		&session.ContentType,
		&status,
		&session.FailureReason,
		&result,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.ExpiresAt,
	); err != nil {
		return Session{}, err
	}
	session.Status = Status(status)
	if len(result) > 0 {
		var obj AssembledObject
		if err := json.Unmarshal(result, &obj); err != nil {
			return Session{}, fmt.Errorf("decode assembled object: %w", err)
		}
		session.Result = &obj
	}
	return session, nil
}

// statusError maps a session that refused a transition to the matching sentinel.
func statusError(status Status) error {
	switch status {
	case StatusCompleted:
		return ErrSessionCompleted
	case StatusAssembling:
		return ErrAssemblyInProgress
	case StatusExpired:
		return ErrSessionExpired
	default:
		return fmt.Errorf("unexpected session status %q", status)
	}
}
