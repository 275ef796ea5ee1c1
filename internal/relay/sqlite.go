package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists sessions in SQLite so a relay restart does not drop
// handshakes that are still within their TTL.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the session database at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rendezvous_sessions (
			id           TEXT PRIMARY KEY,
			etag         TEXT NOT NULL,
			body         BLOB,
			content_type TEXT NOT NULL,
			expires_at   TIMESTAMP NOT NULL,
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Create(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rendezvous_sessions (id, etag, body, content_type, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.ETag, sess.Body, sess.ContentType, sess.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, etag, body, content_type, expires_at
		FROM rendezvous_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.ETag, &sess.Body, &sess.ContentType, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id, ifMatch string, next Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rendezvous_sessions
		SET etag = ?, body = ?, content_type = ?, expires_at = ?
		WHERE id = ? AND etag = ?`,
		next.ETag, next.Body, next.ContentType, next.ExpiresAt.UTC(), id, ifMatch)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if affected == 1 {
		return nil
	}
	// Distinguish a stale token from a vanished session.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStale
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rendezvous_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rendezvous_sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
