package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type User struct {
	ID             string
	XP             int
	CompletedRooms []string
}

// GetUser returns the reward state of userID. Users without any reward yet
// are reported as ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	user := User{ID: userID}
	err := s.db.QueryRowContext(ctx, `SELECT xp FROM users WHERE id = ?`, userID).Scan(&user.XP)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("get user %q: %w", userID, ErrNotFound)
		}
		return User{}, fmt.Errorf("get user %q: %w", userID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id
		FROM user_completed_rooms
		WHERE user_id = ?
		ORDER BY completed_at_unix ASC, room_id ASC
	`, userID)
	if err != nil {
		return User{}, fmt.Errorf("list completed rooms for %q: %w", userID, err)
	}
	defer rows.Close()

	user.CompletedRooms = []string{}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return User{}, err
		}
		user.CompletedRooms = append(user.CompletedRooms, roomID)
	}
	if err := rows.Err(); err != nil {
		return User{}, err
	}
	return user, nil
}

// LeaderboardEntry is one row of the experience ranking.
type LeaderboardEntry struct {
	UserID         string
	XP             int
	CompletedRooms int
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.xp, COUNT(c.room_id)
		FROM users u
		LEFT JOIN user_completed_rooms c ON c.user_id = u.id
		GROUP BY u.id, u.xp
		ORDER BY u.xp DESC, u.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []LeaderboardEntry{}
	for rows.Next() {
		var entry LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.XP, &entry.CompletedRooms); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}
