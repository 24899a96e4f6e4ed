package labservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hacklido/labroom/internal/backend"
	"github.com/hacklido/labroom/internal/expiry"
	"github.com/hacklido/labroom/internal/ids"
	"github.com/hacklido/labroom/internal/runtimeconfig"
	"github.com/hacklido/labroom/internal/store"
)

var (
	// ErrRoomHasNoLab is returned by StartLab for unknown rooms and rooms
	// without a lab environment. No allocation is attempted.
	ErrRoomHasNoLab = errors.New("room has no lab")
	// ErrSessionNotFound covers both missing sessions and sessions owned by
	// another user.
	ErrSessionNotFound = errors.New("lab session not found")
)

const (
	defaultStartPollInterval = 50 * time.Millisecond
	defaultStopTimeout       = 30 * time.Second
)

// Service owns the lab session state machine:
//
//	PENDING -> STARTING -> RUNNING | ERROR
//	RUNNING -> STOPPED (manual stop or expiry)
//
// ERROR and STOPPED are terminal. The store is the only authority on status;
// Service keeps no per-session state of its own beyond expiry timers.
type Service struct {
	Store     *store.Store
	Adapter   backend.Adapter
	Scheduler *expiry.Scheduler
	Labs      runtimeconfig.LabDefaults
	Logger    *log.Logger

	// Now and PollInterval are overridable in tests.
	Now          func() time.Time
	PollInterval time.Duration
}

// ExecResult is what a caller sees for a proxied command. Runtime failures
// are reported here rather than as errors.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Stats are the admin counters. ActiveSessions counts RUNNING sessions only.
type Stats struct {
	TotalUsers     int
	TotalRooms     int
	TotalSessions  int
	ActiveSessions int
}

// StartLab returns the active session for ownerID and roomID, creating and
// allocating one when none exists. Concurrent callers share one session. An
// allocation failure is persisted as ERROR and returned without an error.
func (s *Service) StartLab(ctx context.Context, ownerID, roomID string) (store.Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	roomID = strings.TrimSpace(roomID)
	if ownerID == "" {
		return store.Session{}, errors.New("missing owner_id")
	}
	if roomID == "" {
		return store.Session{}, errors.New("missing room_id")
	}

	room, err := s.Store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, ErrRoomHasNoLab
		}
		return store.Session{}, err
	}
	if !room.HasLab {
		return store.Session{}, ErrRoomHasNoLab
	}

	session, created, err := s.Store.ClaimSession(ctx, store.Session{
		ID:        ids.NewSessionID(),
		OwnerID:   ownerID,
		RoomID:    roomID,
		Status:    store.StatusStarting,
		CreatedAt: s.now(),
	})
	if err != nil {
		return store.Session{}, fmt.Errorf("claim lab session: %w", err)
	}
	if !created {
		if session.Status == store.StatusStarting {
			return s.awaitSettled(ctx, session)
		}
		return session, nil
	}

	return s.allocate(ctx, session, room)
}

func (s *Service) allocate(ctx context.Context, session store.Session, room store.Room) (store.Session, error) {
	image := strings.TrimSpace(room.Image)
	if image == "" {
		image = s.Labs.Image
	}
	if image == "" {
		image = runtimeconfig.DefaultImage
	}

	// Detached from the caller: an abandoned request must not strand the
	// session in STARTING.
	allocCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.allocateTimeout())
	defer cancel()

	logger := s.logger().With("session_id", session.ID, "owner_id", session.OwnerID, "room_id", session.RoomID)
	handle, err := s.Adapter.Allocate(allocCtx, backend.AllocateRequest{
		SessionID:   session.ID,
		Image:       image,
		Owner:       session.OwnerID,
		Target:      session.RoomID,
		MemoryBytes: s.Labs.MemoryBytes,
		NanoCPUs:    s.Labs.NanoCPUs,
	})
	if err != nil {
		logger.Warn("lab allocation failed", "backend", s.Adapter.Name(), "image", image, "error", err)
		session.Status = store.StatusError
		session.Handle = ""
		if _, updateErr := s.Store.UpdateSession(allocCtx, session, store.StatusStarting); updateErr != nil {
			return store.Session{}, fmt.Errorf("record failed allocation: %w", updateErr)
		}
		return s.reload(allocCtx, session)
	}

	session.Status = store.StatusRunning
	session.Handle = handle
	session.StartedAt = s.now()
	changed, err := s.Store.UpdateSession(allocCtx, session, store.StatusStarting)
	if err != nil || !changed {
		// Stopped while allocating, or the write failed: the environment has
		// no owner any more.
		s.release(allocCtx, logger, handle)
		if err != nil {
			return store.Session{}, fmt.Errorf("record running lab: %w", err)
		}
		return s.reload(allocCtx, session)
	}

	s.scheduleExpiry(session.ID, handle, s.autoStop())
	logger.Info("lab started", "backend", s.Adapter.Name(), "handle", handle, "image", image)
	return s.reload(allocCtx, session)
}

// awaitSettled polls a session another caller is allocating until it leaves
// STARTING.
func (s *Service) awaitSettled(ctx context.Context, session store.Session) (store.Session, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultStartPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return store.Session{}, ctx.Err()
		case <-ticker.C:
		}
		current, err := s.Store.GetSession(ctx, session.ID, session.OwnerID)
		if err != nil {
			return store.Session{}, fmt.Errorf("poll lab session: %w", err)
		}
		if current.Status != store.StatusStarting {
			return current, nil
		}
	}
}

// ExecuteCommand runs command in the session's environment, bounded by the
// command timeout. Sessions that are not RUNNING yield exit code 1.
func (s *Service) ExecuteCommand(ctx context.Context, sessionID, ownerID, command string) (ExecResult, error) {
	session, err := s.getOwned(ctx, sessionID, ownerID)
	if err != nil {
		return ExecResult{}, err
	}
	if session.Status != store.StatusRunning || session.Handle == "" {
		return ExecResult{
			Output:   fmt.Sprintf("Error: lab session is %s", session.Status),
			ExitCode: 1,
		}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, s.commandTimeout())
	defer cancel()

	result, err := s.Adapter.Exec(execCtx, session.Handle, command)
	if err != nil {
		exitCode := 1
		cause := err
		var execErr *backend.ExecError
		if errors.As(err, &execErr) {
			if execErr.ExitCode != 0 {
				exitCode = execErr.ExitCode
			}
			if execErr.Err != nil {
				cause = execErr.Err
			}
		}
		s.logger().Debug("lab command failed", "session_id", session.ID, "handle", session.Handle, "error", err)
		return ExecResult{Output: "Error: " + cause.Error(), ExitCode: exitCode}, nil
	}
	return ExecResult{Output: string(result.Output), ExitCode: result.ExitCode}, nil
}

// StopLab releases the session's environment and marks it STOPPED. Stopping
// a STOPPED or ERROR session acknowledges without touching the runtime.
func (s *Service) StopLab(ctx context.Context, sessionID, ownerID string) (store.Session, error) {
	session, err := s.getOwned(ctx, sessionID, ownerID)
	if err != nil {
		return store.Session{}, err
	}
	if session.Status.Terminal() {
		return session, nil
	}

	logger := s.logger().With("session_id", session.ID, "owner_id", session.OwnerID, "room_id", session.RoomID)
	released := true
	if session.Handle != "" {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStopTimeout)
		released = s.release(stopCtx, logger, session.Handle)
		cancel()
	}
	// A failed release keeps the expiry timer so auto-stop retries teardown.
	if released && s.Scheduler != nil {
		s.Scheduler.Cancel(session.ID)
	}

	changed, err := s.Store.MarkStopped(context.WithoutCancel(ctx), session.ID, s.now(), store.StatusStarting, store.StatusRunning)
	if err != nil {
		return store.Session{}, err
	}
	if changed {
		logger.Info("lab stopped", "handle", session.Handle)
	}
	return s.reload(ctx, session)
}

// GetLab returns a session owned by ownerID.
func (s *Service) GetLab(ctx context.Context, sessionID, ownerID string) (store.Session, error) {
	return s.getOwned(ctx, sessionID, ownerID)
}

// ListLabs returns every session of ownerID, newest first.
func (s *Service) ListLabs(ctx context.Context, ownerID string) ([]store.Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("missing owner_id")
	}
	return s.Store.ListSessions(ctx, ownerID)
}

// Stats counts users, rooms, all sessions and running sessions.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		err   error
	)
	if stats.TotalUsers, err = s.Store.CountUsers(ctx); err != nil {
		return Stats{}, err
	}
	if stats.TotalRooms, err = s.Store.CountRooms(ctx); err != nil {
		return Stats{}, err
	}
	if stats.TotalSessions, err = s.Store.CountSessions(ctx); err != nil {
		return Stats{}, err
	}
	if stats.ActiveSessions, err = s.Store.CountSessions(ctx, store.StatusRunning); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Recover reconciles persisted sessions after a restart. Sessions left in
// STARTING lost their allocation and become ERROR; RUNNING sessions get their
// expiry timer back with whatever budget remains.
func (s *Service) Recover(ctx context.Context) error {
	starting, err := s.Store.ListSessionsByStatus(ctx, store.StatusStarting)
	if err != nil {
		return err
	}
	for _, session := range starting {
		session.Status = store.StatusError
		if _, err := s.Store.UpdateSession(ctx, session, store.StatusStarting); err != nil {
			return err
		}
		s.logger().Warn("abandoned lab allocation marked as error", "session_id", session.ID, "owner_id", session.OwnerID, "room_id", session.RoomID)
	}

	running, err := s.Store.ListSessionsByStatus(ctx, store.StatusRunning)
	if err != nil {
		return err
	}
	now := s.now()
	for _, session := range running {
		started := session.StartedAt
		if started.IsZero() {
			started = session.CreatedAt
		}
		remaining := started.Add(s.autoStop()).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		s.scheduleExpiry(session.ID, session.Handle, remaining)
	}
	if len(running) > 0 {
		s.logger().Info("re-armed lab expiry timers", "count", len(running))
	}
	return nil
}

func (s *Service) scheduleExpiry(sessionID, handle string, after time.Duration) {
	if s.Scheduler == nil {
		return
	}
	s.Scheduler.Schedule(sessionID, after, func(ctx context.Context) {
		s.expire(ctx, sessionID, handle)
	})
}

// expire tears down the environment unconditionally, then stops the session
// only if it is still RUNNING so a manual stop is left as recorded.
func (s *Service) expire(ctx context.Context, sessionID, handle string) {
	logger := s.logger().With("session_id", sessionID, "handle", handle)
	if handle != "" {
		stopCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
		s.release(stopCtx, logger, handle)
		cancel()
	}
	changed, err := s.Store.MarkStopped(ctx, sessionID, s.now(), store.StatusRunning)
	if err != nil {
		logger.Error("mark expired lab stopped failed", "error", err)
		return
	}
	if changed {
		logger.Info("lab expired")
	}
}

// release stops an environment, logging and swallowing failures. A missing
// environment counts as released.
func (s *Service) release(ctx context.Context, logger *log.Logger, handle string) bool {
	if err := s.Adapter.Stop(ctx, handle); err != nil && !errors.Is(err, backend.ErrNotFound) {
		logger.Error("stop lab environment failed", "backend", s.Adapter.Name(), "handle", handle, "error", err)
		return false
	}
	return true
}

func (s *Service) getOwned(ctx context.Context, sessionID, ownerID string) (store.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	ownerID = strings.TrimSpace(ownerID)
	if sessionID == "" {
		return store.Session{}, errors.New("missing session_id")
	}
	session, err := s.Store.GetSession(ctx, sessionID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func (s *Service) reload(ctx context.Context, session store.Session) (store.Session, error) {
	current, err := s.Store.GetSession(ctx, session.ID, session.OwnerID)
	if err != nil {
		return store.Session{}, fmt.Errorf("reload lab session: %w", err)
	}
	return current, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.New(io.Discard)
}

func (s *Service) autoStop() time.Duration {
	if s.Labs.AutoStop > 0 {
		return s.Labs.AutoStop
	}
	return time.Duration(runtimeconfig.DefaultAutoStopSeconds) * time.Second
}

func (s *Service) commandTimeout() time.Duration {
	if s.Labs.CommandTimeout > 0 {
		return s.Labs.CommandTimeout
	}
	return time.Duration(runtimeconfig.DefaultCommandTimeoutSeconds) * time.Second
}

func (s *Service) allocateTimeout() time.Duration {
	if s.Labs.AllocateTimeout > 0 {
		return s.Labs.AllocateTimeout
	}
	return time.Duration(runtimeconfig.DefaultAllocateTimeoutSeconds) * time.Second
}
