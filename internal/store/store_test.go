package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "labroom.db"), Options{
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClaimSessionAllowsOneActivePerOwnerAndRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.ClaimSession(ctx, Session{ID: "lab_1", OwnerID: "u1", RoomID: "r1"})
	if err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	if !created || first.Status != StatusStarting {
		t.Fatalf("expected new starting session, got created=%v session=%+v", created, first)
	}

	second, created, err := s.ClaimSession(ctx, Session{ID: "lab_2", OwnerID: "u1", RoomID: "r1"})
	if err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	if created {
		t.Fatal("expected second claim to be absorbed")
	}
	if second.ID != "lab_1" {
		t.Fatalf("expected existing session lab_1, got %q", second.ID)
	}

	other, created, err := s.ClaimSession(ctx, Session{ID: "lab_3", OwnerID: "u1", RoomID: "r2"})
	if err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	if !created || other.ID != "lab_3" {
		t.Fatalf("expected independent session for another room, got created=%v %+v", created, other)
	}
}

func TestClaimSessionAfterStopCreatesNewSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ClaimSession(ctx, Session{ID: "lab_1", OwnerID: "u1", RoomID: "r1"}); err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	changed, err := s.MarkStopped(ctx, "lab_1", time.Unix(1_700_000_100, 0), StatusStarting, StatusRunning)
	if err != nil || !changed {
		t.Fatalf("MarkStopped returned changed=%v err=%v", changed, err)
	}

	next, created, err := s.ClaimSession(ctx, Session{ID: "lab_2", OwnerID: "u1", RoomID: "r1"})
	if err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	if !created || next.ID != "lab_2" {
		t.Fatalf("expected fresh session after stop, got created=%v %+v", created, next)
	}

	sessions, err := s.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessions returned error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected stopped sessions to be retained, got %d sessions", len(sessions))
	}
}

func TestConcurrentClaimsResolveToOneSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	createdCount := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, created, err := s.ClaimSession(ctx, Session{ID: fmt.Sprintf("lab_%d", i), OwnerID: "u1", RoomID: "r1"})
			ids[i], createdCount[i], errs[i] = session.ID, created, err
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d returned error: %v", i, errs[i])
		}
		if createdCount[i] {
			winners++
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected all callers to see the same session, got %q and %q", ids[0], ids[i])
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one created session, got %d", winners)
	}
	count, err := s.CountSessions(ctx)
	if err != nil {
		t.Fatalf("CountSessions returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored session, got %d", count)
	}
}

func TestGetSessionEnforcesOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ClaimSession(ctx, Session{ID: "lab_1", OwnerID: "u1", RoomID: "r1"}); err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	if _, err := s.GetSession(ctx, "lab_1", "u1"); err != nil {
		t.Fatalf("GetSession for owner returned error: %v", err)
	}
	if _, err := s.GetSession(ctx, "lab_1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, err := s.GetSession(ctx, "missing", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestUpdateAndConditionalStop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, _, err := s.ClaimSession(ctx, Session{ID: "lab_1", OwnerID: "u1", RoomID: "r1"})
	if err != nil {
		t.Fatalf("ClaimSession returned error: %v", err)
	}
	session.Status = StatusRunning
	session.Handle = "ctr-1"
	session.StartedAt = time.Unix(1_700_000_010, 0)
	changed, err := s.UpdateSession(ctx, session, StatusStarting)
	if err != nil || !changed {
		t.Fatalf("UpdateSession returned changed=%v err=%v", changed, err)
	}

	got, err := s.GetSession(ctx, "lab_1", "u1")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if got.Status != StatusRunning || got.Handle != "ctr-1" || got.StartedAt.Unix() != 1_700_000_010 {
		t.Fatalf("unexpected session after update: %+v", got)
	}
	if !got.EndedAt.IsZero() {
		t.Fatalf("expected no ended-at, got %v", got.EndedAt)
	}

	changed, err = s.MarkStopped(ctx, "lab_1", time.Unix(1_700_000_020, 0), StatusRunning)
	if err != nil || !changed {
		t.Fatalf("MarkStopped returned changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkStopped(ctx, "lab_1", time.Unix(1_700_000_030, 0), StatusRunning)
	if err != nil {
		t.Fatalf("MarkStopped returned error: %v", err)
	}
	if changed {
		t.Fatal("expected second stop from RUNNING to be a no-op")
	}

	got, err = s.GetSession(ctx, "lab_1", "u1")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if got.Status != StatusStopped || got.EndedAt.Unix() != 1_700_000_020 {
		t.Fatalf("unexpected stopped session: %+v", got)
	}

	session.Status = StatusRunning
	changed, err = s.UpdateSession(ctx, session, StatusStarting)
	if err != nil {
		t.Fatalf("UpdateSession returned error: %v", err)
	}
	if changed {
		t.Fatal("expected conditional update on a stopped session to be a no-op")
	}

	running, err := s.CountSessions(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("CountSessions returned error: %v", err)
	}
	if running != 0 {
		t.Fatalf("expected no running sessions, got %d", running)
	}
}

func TestRecordCompletionGrantsRewardOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	granted, err := s.RecordCompletion(ctx, Completion{ProgressID: "prog_1", OwnerID: "u1", RoomID: "r1", Flag: "FLAG{x}", XPReward: 100})
	if err != nil {
		t.Fatalf("RecordCompletion returned error: %v", err)
	}
	if !granted {
		t.Fatal("expected first completion to grant reward")
	}
	granted, err = s.RecordCompletion(ctx, Completion{ProgressID: "prog_2", OwnerID: "u1", RoomID: "r1", Flag: "FLAG{x}", XPReward: 100})
	if err != nil {
		t.Fatalf("RecordCompletion returned error: %v", err)
	}
	if granted {
		t.Fatal("expected repeat completion not to grant reward")
	}

	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if user.XP != 100 {
		t.Fatalf("expected 100 xp, got %d", user.XP)
	}
	if len(user.CompletedRooms) != 1 || user.CompletedRooms[0] != "r1" {
		t.Fatalf("unexpected completed rooms: %v", user.CompletedRooms)
	}

	progress, err := s.GetProgress(ctx, "u1", "r1")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if !progress.Completed || progress.ID != "prog_1" || progress.CompletedAt.IsZero() {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if len(progress.SubmittedFlags) != 1 || progress.SubmittedFlags[0] != "FLAG{x}" {
		t.Fatalf("unexpected submitted flags: %v", progress.SubmittedFlags)
	}
}

func TestConcurrentCompletionsGrantRewardOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	grants := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			grants[i], errs[i] = s.RecordCompletion(ctx, Completion{
				ProgressID: fmt.Sprintf("prog_%d", i),
				OwnerID:    "u1",
				RoomID:     "r1",
				XPReward:   100,
			})
		}(i)
	}
	wg.Wait()

	granted := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d returned error: %v", i, errs[i])
		}
		if grants[i] {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}
	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if user.XP != 100 {
		t.Fatalf("expected 100 xp, got %d", user.XP)
	}
	completed, err := s.CountCompleted(ctx, "u1")
	if err != nil {
		t.Fatalf("CountCompleted returned error: %v", err)
	}
	if completed != 1 {
		t.Fatalf("expected one completed room, got %d", completed)
	}
}

func TestLeaderboardOrdersByXP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []Completion{
		{ProgressID: "p1", OwnerID: "alice", RoomID: "r1", XPReward: 100},
		{ProgressID: "p2", OwnerID: "bob", RoomID: "r1", XPReward: 100},
		{ProgressID: "p3", OwnerID: "bob", RoomID: "r2", XPReward: 50},
	} {
		if _, err := s.RecordCompletion(ctx, c); err != nil {
			t.Fatalf("RecordCompletion returned error: %v", err)
		}
	}

	entries, err := s.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].UserID != "bob" || entries[0].XP != 150 || entries[0].CompletedRooms != 2 {
		t.Fatalf("unexpected leader: %+v", entries[0])
	}
	if _, err := s.GetUser(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for user without rewards, got %v", err)
	}
}

func TestRoomCatalogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room := Room{ID: "r1", Title: "Networking Basics", HasLab: true, Flags: []string{"FLAG{networking_basics_complete}"}, XPReward: 100}
	if err := s.UpsertRoom(ctx, room); err != nil {
		t.Fatalf("UpsertRoom returned error: %v", err)
	}
	got, err := s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom returned error: %v", err)
	}
	if !got.HasLab || got.LabType != LabTypeTerminal || got.XPReward != 100 || len(got.Flags) != 1 {
		t.Fatalf("unexpected room: %+v", got)
	}

	room.Title = "Networking 101"
	room.HasLab = false
	if err := s.UpsertRoom(ctx, room); err != nil {
		t.Fatalf("UpsertRoom returned error: %v", err)
	}
	got, err = s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom returned error: %v", err)
	}
	if got.Title != "Networking 101" || got.HasLab {
		t.Fatalf("expected room to be updated, got %+v", got)
	}

	if err := s.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRoom returned error: %v", err)
	}
	if _, err := s.GetRoom(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteRoom(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
