package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Progress struct {
	ID             string
	OwnerID        string
	RoomID         string
	Completed      bool
	CompletedTasks []int
	SubmittedFlags []string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Completion describes a verified flag submission.
type Completion struct {
	ProgressID string
	OwnerID    string
	RoomID     string
	Flag       string
	XPReward   int
	At         time.Time
}

const progressColumns = `id, owner_id, room_id, completed, completed_tasks_json, submitted_flags_json, started_at_unix, completed_at_unix`

// RecordCompletion marks the owner's progress on a room as completed and, in
// the same transaction, grants the room's reward. The reward is granted only
// by the call that flips the progress record to completed; later calls for
// the same owner and room report granted=false and write nothing.
func (s *Store) RecordCompletion(ctx context.Context, c Completion) (bool, error) {
	if c.ProgressID == "" || c.OwnerID == "" || c.RoomID == "" {
		return false, errors.New("progress id, owner and room are required")
	}
	at := c.At
	if at.IsZero() {
		at = s.now()
	}
	atUnix := at.UTC().Unix()

	flags := []string{}
	if c.Flag != "" {
		flags = append(flags, c.Flag)
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return false, fmt.Errorf("encode submitted flags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin completion transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO progress (`+progressColumns+`)
		VALUES (?, ?, ?, 1, '[]', ?, ?, ?)
		ON CONFLICT(owner_id, room_id) DO UPDATE SET
			completed = 1,
			submitted_flags_json = excluded.submitted_flags_json,
			completed_at_unix = excluded.completed_at_unix
		WHERE progress.completed = 0
	`, c.ProgressID, c.OwnerID, c.RoomID, string(flagsJSON), atUnix, atUnix)
	if err != nil {
		return false, fmt.Errorf("record progress for owner %q room %q: %w", c.OwnerID, c.RoomID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record progress for owner %q room %q: %w", c.OwnerID, c.RoomID, err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, xp, updated_at_unix)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			xp = users.xp + excluded.xp,
			updated_at_unix = excluded.updated_at_unix
	`, c.OwnerID, c.XPReward, atUnix); err != nil {
		return false, fmt.Errorf("grant reward to %q: %w", c.OwnerID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_completed_rooms (user_id, room_id, completed_at_unix)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, room_id) DO NOTHING
	`, c.OwnerID, c.RoomID, atUnix); err != nil {
		return false, fmt.Errorf("add completed room for %q: %w", c.OwnerID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit completion for owner %q room %q: %w", c.OwnerID, c.RoomID, err)
	}
	return true, nil
}

func (s *Store) GetProgress(ctx context.Context, ownerID, roomID string) (Progress, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM progress WHERE owner_id = ? AND room_id = ?`, ownerID, roomID)
	progress, err := scanProgress(row)
	if err != nil {
		return Progress{}, fmt.Errorf("get progress for owner %q room %q: %w", ownerID, roomID, err)
	}
	return progress, nil
}

func (s *Store) ListProgress(ctx context.Context, ownerID string) ([]Progress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+progressColumns+`
		FROM progress
		WHERE owner_id = ?
		ORDER BY started_at_unix ASC, room_id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list progress for owner %q: %w", ownerID, err)
	}
	defer rows.Close()

	records := []Progress{}
	for rows.Next() {
		progress, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, progress)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// CountCompleted counts the rooms ownerID has completed.
func (s *Store) CountCompleted(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM progress WHERE owner_id = ? AND completed = 1`, ownerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count completed rooms for %q: %w", ownerID, err)
	}
	return count, nil
}

func scanProgress(row rowScanner) (Progress, error) {
	var (
		progress    Progress
		completed   int
		tasksJSON   string
		flagsJSON   string
		startedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&progress.ID, &progress.OwnerID, &progress.RoomID, &completed, &tasksJSON, &flagsJSON, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, err
	}
	progress.Completed = completed == 1
	if err := json.Unmarshal([]byte(tasksJSON), &progress.CompletedTasks); err != nil {
		return Progress{}, fmt.Errorf("decode completed tasks for %q: %w", progress.ID, err)
	}
	if err := json.Unmarshal([]byte(flagsJSON), &progress.SubmittedFlags); err != nil {
		return Progress{}, fmt.Errorf("decode submitted flags for %q: %w", progress.ID, err)
	}
	progress.StartedAt = time.Unix(startedAt, 0).UTC()
	progress.CompletedAt = timeFromNull(completedAt)
	return progress, nil
}
