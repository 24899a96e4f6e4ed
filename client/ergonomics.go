package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
)

// ErrorCode is a stable classifier for labroom API errors.
type ErrorCode string

const (
	ErrorCodeUnknown          ErrorCode = "unknown"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	ErrorCodeInvalidArgument  ErrorCode = "invalid_argument"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeUnavailable      ErrorCode = "unavailable"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeRoomHasNoLab     ErrorCode = "room_has_no_lab"
	ErrorCodeLabStartFailed   ErrorCode = "lab_start_failed"
)

// ErrLabStartFailed is returned by EnsureLab when the server settled the
// session in the error state.
var ErrLabStartFailed = errors.New(string(ErrorCodeLabStartFailed))

// ErrCode classifies API errors into a stable code.
//
// Server-side sentinels carried in the error message win over the
// transport-level Connect code.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	if errors.Is(err, ErrLabStartFailed) {
		return ErrorCodeLabStartFailed
	}

	message := strings.ToLower(err.Error())
	if strings.Contains(message, "room has no lab") {
		return ErrorCodeRoomHasNoLab
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeDeadlineExceeded:
			return ErrorCodeDeadlineExceeded
		case connect.CodeInvalidArgument:
			return ErrorCodeInvalidArgument
		case connect.CodeNotFound:
			return ErrorCodeNotFound
		case connect.CodeUnavailable:
			return ErrorCodeUnavailable
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from LABROOM_HOST (or default endpoint when unset).
func NewFromEnv() (*Client, error) {
	return New("")
}

// LabHandle is a concise reusable lab descriptor.
type LabHandle struct {
	ID      string
	OwnerID string
	RoomID  string
	Status  string
	Created bool
}

// EnsureLab returns a running lab for owner and room.
//
// A lab tracked from an earlier call is reused while it is still running;
// otherwise a lab is started. The server itself hands back an existing
// active session, so Created only reports whether this client had to ask.
func (c *Client) EnsureLab(ctx context.Context, ownerID, roomID string) (*LabHandle, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	ownerID = strings.TrimSpace(ownerID)
	roomID = strings.TrimSpace(roomID)
	if ownerID == "" {
		return nil, errors.New("missing owner_id")
	}
	if roomID == "" {
		return nil, errors.New("missing room_id")
	}

	key := ownerID + "/" + roomID
	unlockKey := c.lockEnsureKey(key)
	defer unlockKey()

	if cachedID, ok := c.lookupLabKey(key); ok {
		resp, err := c.GetLab(ctx, &GetLabRequest{SessionID: cachedID, OwnerID: ownerID})
		switch {
		case err == nil && resp.Lab.Status == LabStatusRunning:
			return handleFromLab(resp.Lab, false), nil
		case err == nil, ErrCode(err) == ErrorCodeNotFound:
			c.clearLabKey(key)
		default:
			return nil, err
		}
	}

	resp, err := c.StartLab(ctx, &StartLabRequest{OwnerID: ownerID, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	if resp.Lab.Status != LabStatusRunning {
		return nil, fmt.Errorf("lab session %s is %s: %w", resp.Lab.SessionID, resp.Lab.Status, ErrLabStartFailed)
	}
	c.recordLabKey(key, resp.Lab.SessionID)
	return handleFromLab(resp.Lab, true), nil
}

func handleFromLab(lab Lab, created bool) *LabHandle {
	return &LabHandle{
		ID:      lab.SessionID,
		OwnerID: lab.OwnerID,
		RoomID:  lab.RoomID,
		Status:  lab.Status,
		Created: created,
	}
}

// WithLab runs fn against a running lab and stops the lab afterwards, even
// when fn fails.
func (c *Client) WithLab(ctx context.Context, ownerID, roomID string, fn func(*LabHandle) error) error {
	handle, err := c.EnsureLab(ctx, ownerID, roomID)
	if err != nil {
		return err
	}
	defer c.stopLabBestEffort(handle)
	return fn(handle)
}

// ExecResult is the outcome of a command run through Run.
type ExecResult struct {
	SessionID string
	Command   string
	Output    string
	ExitCode  int
}

// Run executes command in a lab session. A non-zero exit code is reported in
// the result, not as an error.
func (c *Client) Run(ctx context.Context, handle *LabHandle, command string) (*ExecResult, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	if handle == nil || strings.TrimSpace(handle.ID) == "" {
		return nil, errors.New("missing session_id")
	}
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("missing command")
	}

	resp, err := c.ExecuteCommand(ctx, &ExecuteCommandRequest{
		SessionID: handle.ID,
		OwnerID:   handle.OwnerID,
		Command:   command,
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		SessionID: handle.ID,
		Command:   command,
		Output:    resp.Output,
		ExitCode:  resp.ExitCode,
	}, nil
}

func (c *Client) stopLabBestEffort(handle *LabHandle) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = c.StopLab(stopCtx, &StopLabRequest{SessionID: handle.ID, OwnerID: handle.OwnerID})
	c.clearLabKey(handle.OwnerID + "/" + handle.RoomID)
}

func (c *Client) lookupLabKey(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.labByKey[key]
	return id, ok
}

func (c *Client) recordLabKey(key, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labByKey[key] = sessionID
}

func (c *Client) clearLabKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.labByKey, key)
}

func (c *Client) lockEnsureKey(key string) func() {
	c.mu.Lock()
	lock, ok := c.ensureLocks[key]
	if !ok {
		lock = &ensureKeyLock{}
		c.ensureLocks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.ensureLocks, key)
		}
		c.mu.Unlock()
	}
}
