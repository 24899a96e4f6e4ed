// Package progress validates flag submissions and grants room completion
// rewards.
package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hacklido/labroom/internal/ids"
	"github.com/hacklido/labroom/internal/store"
)

var ErrTargetNotFound = errors.New("room not found")

const (
	MessageIncorrect        = "Incorrect flag. Try again!"
	MessageCompleted        = "Flag correct! Room completed!"
	MessageAlreadyCompleted = "Flag correct! Already completed."
)

type Tracker struct {
	Store  *store.Store
	Logger *log.Logger
}

type SubmitResult struct {
	Correct       bool
	RewardGranted bool
	Amount        int
	Message       string
}

type Rewards struct {
	UserID         string
	XP             int
	CompletedRooms []string
}

// Submit checks value against the room's accepted flags. Only the first
// correct submission per owner and room grants the room's reward; an
// incorrect one writes nothing.
func (t *Tracker) Submit(ctx context.Context, ownerID, roomID, value string) (SubmitResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	roomID = strings.TrimSpace(roomID)
	if ownerID == "" {
		return SubmitResult{}, errors.New("missing owner_id")
	}
	if roomID == "" {
		return SubmitResult{}, errors.New("missing room_id")
	}

	room, err := t.Store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SubmitResult{}, ErrTargetNotFound
		}
		return SubmitResult{}, err
	}

	if !slices.Contains(room.Flags, value) {
		return SubmitResult{Correct: false, Message: MessageIncorrect}, nil
	}

	granted, err := t.Store.RecordCompletion(ctx, store.Completion{
		ProgressID: ids.NewProgressID(),
		OwnerID:    ownerID,
		RoomID:     roomID,
		Flag:       value,
		XPReward:   room.XPReward,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("record completion: %w", err)
	}
	if !granted {
		return SubmitResult{Correct: true, Message: MessageAlreadyCompleted}, nil
	}

	t.logger().Info("room completed", "owner_id", ownerID, "room_id", roomID, "xp", room.XPReward)
	return SubmitResult{
		Correct:       true,
		RewardGranted: true,
		Amount:        room.XPReward,
		Message:       MessageCompleted,
	}, nil
}

func (t *Tracker) ListProgress(ctx context.Context, ownerID string) ([]store.Progress, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("missing owner_id")
	}
	return t.Store.ListProgress(ctx, ownerID)
}

// Rewards returns the owner's experience and completed rooms. Owners that
// have not completed anything get a zero value.
func (t *Tracker) Rewards(ctx context.Context, ownerID string) (Rewards, error) {
	user, err := t.Store.GetUser(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Rewards{UserID: ownerID, CompletedRooms: []string{}}, nil
		}
		return Rewards{}, err
	}
	return Rewards{UserID: user.ID, XP: user.XP, CompletedRooms: user.CompletedRooms}, nil
}

func (t *Tracker) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardEntry, error) {
	return t.Store.Leaderboard(ctx, limit)
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.New(io.Discard)
}
