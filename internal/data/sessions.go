package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/antigravity/internal/session"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SessionStore implements session.Store on SQLite. History replacement
// happens in one transaction.
type SessionStore struct {
	*Store
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore wraps an open Store.
func NewSessionStore(s *Store) *SessionStore {
	return &SessionStore{Store: s}
}

// Create implements session.Store.
func (s *SessionStore) Create(ctx context.Context, title string) (*session.Session, error) {
	if title == "" {
		title = session.DefaultTitle
	}
	now := time.Now().UTC()
	sess := &session.Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		History:   []session.Turn{},
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Title, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get implements session.Store.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Title, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_message, assistant_kind, assistant_text, media_path, media_caption
		FROM turns
		WHERE session_id = ?
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	sess.History = []session.Turn{}
	for rows.Next() {
		var turn session.Turn
		var kind int
		var text, path, caption string
		if err := rows.Scan(&turn.UserMessage, &kind, &text, &path, &caption); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if session.ContentKind(kind) == session.KindMedia {
			turn.Assistant = session.MediaContent(path, caption)
		} else {
			turn.Assistant = session.Text(text)
		}
		sess.History = append(sess.History, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return &sess, nil
}

// ListRecent implements session.Store.
func (s *SessionStore) ListRecent(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		var sum session.Summary
		var createdAt string
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sum.ID).Msg("skipping session with bad timestamp")
			continue
		}
		if sum.Title == "" {
			sum.Title = "Untitled"
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Update implements session.Store.
func (s *SessionStore) Update(ctx context.Context, id string, history []session.Turn, title string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(timeLayout)
		var res sql.Result
		var err error
		if title != "" {
			res, err = tx.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, now, id)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
		}
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update session: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO turns (session_id, position, user_message, assistant_kind, assistant_text, media_path, media_caption)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare turn insert: %w", err)
		}
		defer stmt.Close()

		for i, turn := range history {
			a := turn.Assistant
			if _, err := stmt.ExecContext(ctx, id, i, turn.UserMessage, int(a.Kind), a.Text, a.Media.Path, a.Media.Caption); err != nil {
				return fmt.Errorf("insert turn %d: %w", i, err)
			}
		}
		return nil
	})
}

// Delete implements session.Store. Turns go with the session via ON DELETE CASCADE.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// CleanupEmpty implements session.Store.
func (s *SessionStore) CleanupEmpty(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE NOT EXISTS (SELECT 1 FROM turns WHERE turns.session_id = sessions.id)`)
	if err != nil {
		return 0, fmt.Errorf("cleanup empty sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup empty sessions: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("removed empty sessions")
	}
	return int(n), nil
}
