package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	LabTypeTerminal   = "terminal"
	LabTypeWeb        = "web"
	LabTypeCodeEditor = "code_editor"
)

// Room is a catalog entry. Only rooms with HasLab set can back a lab session;
// Image overrides the configured default image when non-empty.
type Room struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Difficulty  string   `yaml:"difficulty" json:"difficulty"`
	Category    string   `yaml:"category" json:"category"`
	HasLab      bool     `yaml:"has_lab" json:"has_lab"`
	LabType     string   `yaml:"lab_type" json:"lab_type"`
	Image       string   `yaml:"docker_image" json:"docker_image"`
	Flags       []string `yaml:"flags" json:"flags"`
	XPReward    int      `yaml:"xp_reward" json:"xp_reward"`
}

const roomColumns = `id, title, description, difficulty, category, has_lab, lab_type, image, flags_json, xp_reward`

func (s *Store) UpsertRoom(ctx context.Context, room Room) error {
	room.ID = strings.TrimSpace(room.ID)
	if room.ID == "" {
		return errors.New("room id is required")
	}
	if room.LabType == "" {
		room.LabType = LabTypeTerminal
	}
	flags := room.Flags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode flags for room %q: %w", room.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			difficulty = excluded.difficulty,
			category = excluded.category,
			has_lab = excluded.has_lab,
			lab_type = excluded.lab_type,
			image = excluded.image,
			flags_json = excluded.flags_json,
			xp_reward = excluded.xp_reward
	`, room.ID, room.Title, room.Description, room.Difficulty, room.Category, boolToInt(room.HasLab), room.LabType, room.Image, string(flagsJSON), room.XPReward)
	if err != nil {
		return fmt.Errorf("upsert room %q: %w", room.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if err != nil {
		return Room{}, fmt.Errorf("get room %q: %w", id, err)
	}
	return room, nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete room %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete room %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *Store) CountRooms(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return count, nil
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		room      Room
		hasLab    int
		flagsJSON string
	)
	if err := row.Scan(&room.ID, &room.Title, &room.Description, &room.Difficulty, &room.Category, &hasLab, &room.LabType, &room.Image, &flagsJSON, &room.XPReward); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}
	room.HasLab = hasLab == 1
	if err := json.Unmarshal([]byte(flagsJSON), &room.Flags); err != nil {
		return Room{}, fmt.Errorf("decode flags for room %q: %w", room.ID, err)
	}
	return room, nil
}
