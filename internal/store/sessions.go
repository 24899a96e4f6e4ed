package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Active reports whether the status counts towards the one-active-session rule.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusStopped
}

type Session struct {
	ID        string
	OwnerID   string
	RoomID    string
	Handle    string
	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

const sessionColumns = `id, owner_id, room_id, handle, status, created_at_unix, started_at_unix, ended_at_unix`

// claimAttempts bounds the retry loop in ClaimSession when the active row it
// conflicted with settles before it can be read back.
const claimAttempts = 5

// ClaimSession inserts candidate as a STARTING session unless an active
// session already exists for the same owner and room. It returns the stored
// session and whether the candidate was inserted.
func (s *Store) ClaimSession(ctx context.Context, candidate Session) (Session, bool, error) {
	if candidate.ID == "" || candidate.OwnerID == "" || candidate.RoomID == "" {
		return Session{}, false, errors.New("session id, owner and room are required")
	}
	candidate.Status = StatusStarting
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = s.now().UTC()
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, NULL, ?, ?, NULL, NULL)
			ON CONFLICT DO NOTHING
		`, candidate.ID, candidate.OwnerID, candidate.RoomID, string(candidate.Status), candidate.CreatedAt.Unix())
		if err != nil {
			return Session{}, false, fmt.Errorf("insert session %q: %w", candidate.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Session{}, false, fmt.Errorf("insert session %q: %w", candidate.ID, err)
		}
		if affected == 1 {
			candidate.CreatedAt = time.Unix(candidate.CreatedAt.Unix(), 0).UTC()
			return candidate, true, nil
		}

		existing, err := s.FindActiveSession(ctx, candidate.OwnerID, candidate.RoomID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Session{}, false, err
		}
	}
	return Session{}, false, fmt.Errorf("claim session for owner %q room %q: active session kept changing", candidate.OwnerID, candidate.RoomID)
}

// GetSession returns the session with id owned by ownerID. A session owned by
// someone else is reported as ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id, ownerID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("get session %q: %w", id, err)
	}
	return session, nil
}

func (s *Store) FindActiveSession(ctx context.Context, ownerID, roomID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE owner_id = ? AND room_id = ? AND status IN ('starting', 'running')
	`, ownerID, roomID)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("find active session for owner %q room %q: %w", ownerID, roomID, err)
	}
	return session, nil
}

// UpdateSession overwrites the mutable fields of an existing session. When
// from is non-empty the write only applies if the stored status is one of
// from; the result reports whether the row changed.
func (s *Store) UpdateSession(ctx context.Context, session Session, from ...Status) (bool, error) {
	var handle sql.NullString
	if session.Handle != "" {
		handle = sql.NullString{String: session.Handle, Valid: true}
	}
	query := `
		UPDATE sessions
		SET handle = ?, status = ?, started_at_unix = ?, ended_at_unix = ?
		WHERE id = ?`
	args := []any{handle, string(session.Status), unixOrNull(session.StartedAt), unixOrNull(session.EndedAt), session.ID}
	if len(from) > 0 {
		clause, statusArgs := statusIn(from)
		query += ` AND status IN (` + clause + `)`
		args = append(args, statusArgs...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update session %q: %w", session.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session %q: %w", session.ID, err)
	}
	if affected == 0 && len(from) == 0 {
		return false, fmt.Errorf("update session %q: %w", session.ID, ErrNotFound)
	}
	return affected > 0, nil
}

// MarkStopped moves a session to STOPPED only if its current status is one of
// from. It reports whether the session changed.
func (s *Store) MarkStopped(ctx context.Context, id string, endedAt time.Time, from ...Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one source status is required")
	}
	clause, statusArgs := statusIn(from)
	args := append([]any{string(StatusStopped), endedAt.UTC().Unix(), id}, statusArgs...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at_unix = ?
		WHERE id = ? AND status IN (`+clause+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("stop session %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop session %q: %w", id, err)
	}
	return affected > 0, nil
}

// ListSessions returns the sessions owned by ownerID, newest first.
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE owner_id = ?
		ORDER BY created_at_unix DESC, id DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for owner %q: %w", ownerID, err)
	}
	return collectSessions(rows)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status Status) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = ?
		ORDER BY created_at_unix ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", status, err)
	}
	return collectSessions(rows)
}

// CountSessions counts sessions in any of statuses, or all sessions when none
// are given.
func (s *Store) CountSessions(ctx context.Context, statuses ...Status) (int, error) {
	query := `SELECT COUNT(*) FROM sessions`
	var args []any
	if len(statuses) > 0 {
		var clause string
		clause, args = statusIn(statuses)
		query += ` WHERE status IN (` + clause + `)`
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func statusIn(statuses []Status) (string, []any) {
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}
	return strings.Join(placeholders, ", "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		session   Session
		handle    sql.NullString
		status    string
		createdAt int64
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
	)
	if err := row.Scan(&session.ID, &session.OwnerID, &session.RoomID, &handle, &status, &createdAt, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	session.Handle = handle.String
	session.Status = Status(status)
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.StartedAt = timeFromNull(startedAt)
	session.EndedAt = timeFromNull(endedAt)
	return session, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
