package controlserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"
	"github.com/hacklido/labroom/internal/controlapi"
	"github.com/hacklido/labroom/internal/endpoint"
	"github.com/hacklido/labroom/internal/labservice"
	"github.com/hacklido/labroom/internal/progress"
	"github.com/hacklido/labroom/internal/store"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Server struct {
	labs     *labservice.Service
	progress *progress.Tracker
	logger   *log.Logger
}

func New(labs *labservice.Service, tracker *progress.Tracker, logger *log.Logger) *Server {
	return &Server{labs: labs, progress: tracker, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	opts := []connect.HandlerOption{
		connect.WithCodec(controlapi.Codec{}),
		connect.WithInterceptors(s.logRequests()),
	}
	mux.Handle(controlapi.StartLabProcedure, connect.NewUnaryHandler(controlapi.StartLabProcedure, s.StartLab, opts...))
	mux.Handle(controlapi.GetLabProcedure, connect.NewUnaryHandler(controlapi.GetLabProcedure, s.GetLab, opts...))
	mux.Handle(controlapi.ListLabsProcedure, connect.NewUnaryHandler(controlapi.ListLabsProcedure, s.ListLabs, opts...))
	mux.Handle(controlapi.ExecuteCommandProcedure, connect.NewUnaryHandler(controlapi.ExecuteCommandProcedure, s.ExecuteCommand, opts...))
	mux.Handle(controlapi.StopLabProcedure, connect.NewUnaryHandler(controlapi.StopLabProcedure, s.StopLab, opts...))
	mux.Handle(controlapi.SubmitFlagProcedure, connect.NewUnaryHandler(controlapi.SubmitFlagProcedure, s.SubmitFlag, opts...))
	mux.Handle(controlapi.ListProgressProcedure, connect.NewUnaryHandler(controlapi.ListProgressProcedure, s.ListProgress, opts...))
	mux.Handle(controlapi.GetStatsProcedure, connect.NewUnaryHandler(controlapi.GetStatsProcedure, s.GetStats, opts...))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) StartLab(ctx context.Context, req *connect.Request[controlapi.StartLabRequest]) (*connect.Response[controlapi.StartLabResponse], error) {
	session, err := s.labs.StartLab(ctx, req.Msg.OwnerID, req.Msg.RoomID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.StartLabResponse{Lab: labFromSession(session)}), nil
}

func (s *Server) GetLab(ctx context.Context, req *connect.Request[controlapi.GetLabRequest]) (*connect.Response[controlapi.GetLabResponse], error) {
	session, err := s.labs.GetLab(ctx, req.Msg.SessionID, req.Msg.OwnerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.GetLabResponse{Lab: labFromSession(session)}), nil
}

func (s *Server) ListLabs(ctx context.Context, req *connect.Request[controlapi.ListLabsRequest]) (*connect.Response[controlapi.ListLabsResponse], error) {
	sessions, err := s.labs.ListLabs(ctx, req.Msg.OwnerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	labs := make([]controlapi.Lab, 0, len(sessions))
	for _, session := range sessions {
		labs = append(labs, labFromSession(session))
	}
	return connect.NewResponse(&controlapi.ListLabsResponse{Labs: labs}), nil
}

func (s *Server) ExecuteCommand(ctx context.Context, req *connect.Request[controlapi.ExecuteCommandRequest]) (*connect.Response[controlapi.ExecuteCommandResponse], error) {
	result, err := s.labs.ExecuteCommand(ctx, req.Msg.SessionID, req.Msg.OwnerID, req.Msg.Command)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.ExecuteCommandResponse{
		Output:   result.Output,
		ExitCode: result.ExitCode,
	}), nil
}

func (s *Server) StopLab(ctx context.Context, req *connect.Request[controlapi.StopLabRequest]) (*connect.Response[controlapi.StopLabResponse], error) {
	session, err := s.labs.StopLab(ctx, req.Msg.SessionID, req.Msg.OwnerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.StopLabResponse{
		Lab:     labFromSession(session),
		Message: "Lab stopped",
	}), nil
}

func (s *Server) SubmitFlag(ctx context.Context, req *connect.Request[controlapi.SubmitFlagRequest]) (*connect.Response[controlapi.SubmitFlagResponse], error) {
	result, err := s.progress.Submit(ctx, req.Msg.OwnerID, req.Msg.RoomID, req.Msg.Flag)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.SubmitFlagResponse{
		Correct:       result.Correct,
		RewardGranted: result.RewardGranted,
		XPEarned:      result.Amount,
		Message:       result.Message,
	}), nil
}

func (s *Server) ListProgress(ctx context.Context, req *connect.Request[controlapi.ListProgressRequest]) (*connect.Response[controlapi.ListProgressResponse], error) {
	records, err := s.progress.ListProgress(ctx, req.Msg.OwnerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	rewards, err := s.progress.Rewards(ctx, req.Msg.OwnerID)
	if err != nil {
		return nil, toConnectError(err)
	}

	resp := &controlapi.ListProgressResponse{
		OwnerID:        rewards.UserID,
		XP:             rewards.XP,
		CompletedRooms: rewards.CompletedRooms,
		Progress:       make([]controlapi.Progress, 0, len(records)),
	}
	for _, record := range records {
		resp.Progress = append(resp.Progress, controlapi.Progress{
			RoomID:         record.RoomID,
			Completed:      record.Completed,
			CompletedTasks: record.CompletedTasks,
			SubmittedFlags: record.SubmittedFlags,
			StartedAt:      record.StartedAt,
			CompletedAt:    optionalTime(record.CompletedAt),
		})
	}
	return connect.NewResponse(resp), nil
}

func (s *Server) GetStats(ctx context.Context, req *connect.Request[controlapi.GetStatsRequest]) (*connect.Response[controlapi.GetStatsResponse], error) {
	stats, err := s.labs.Stats(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	leaders, err := s.progress.Leaderboard(ctx, req.Msg.LeaderboardLimit)
	if err != nil {
		return nil, toConnectError(err)
	}

	resp := &controlapi.GetStatsResponse{
		TotalUsers:     stats.TotalUsers,
		TotalRooms:     stats.TotalRooms,
		TotalSessions:  stats.TotalSessions,
		ActiveSessions: stats.ActiveSessions,
		Backend:        s.labs.Adapter.Name(),
		Leaderboard:    make([]controlapi.LeaderboardEntry, 0, len(leaders)),
	}
	for _, entry := range leaders {
		resp.Leaderboard = append(resp.Leaderboard, controlapi.LeaderboardEntry{
			UserID:         entry.UserID,
			XP:             entry.XP,
			CompletedRooms: entry.CompletedRooms,
		})
	}
	return connect.NewResponse(resp), nil
}

// logRequests logs each call at debug level and internal failures at error
// level. Client mistakes such as unknown sessions stay at debug.
func (s *Server) logRequests() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			started := time.Now()
			resp, err := next(ctx, req)
			if s.logger == nil {
				return resp, err
			}
			procedure := req.Spec().Procedure
			if err != nil && connect.CodeOf(err) == connect.CodeInternal {
				s.logger.Error("request failed", "procedure", procedure, "error", err)
				return resp, err
			}
			code := "ok"
			if err != nil {
				code = connect.CodeOf(err).String()
			}
			s.logger.Debug("request", "procedure", procedure, "code", code, "duration", time.Since(started))
			return resp, err
		}
	}
}

func labFromSession(session store.Session) controlapi.Lab {
	return controlapi.Lab{
		SessionID: session.ID,
		OwnerID:   session.OwnerID,
		RoomID:    session.RoomID,
		Handle:    session.Handle,
		Status:    string(session.Status),
		CreatedAt: session.CreatedAt,
		StartedAt: optionalTime(session.StartedAt),
		EndedAt:   optionalTime(session.EndedAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, labservice.ErrRoomHasNoLab):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, labservice.ErrSessionNotFound), errors.Is(err, progress.ErrTargetNotFound):
		code = connect.CodeNotFound
	case strings.HasPrefix(err.Error(), "missing "):
		code = connect.CodeInvalidArgument
	}
	return connect.NewError(code, err)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger) error {
	listener, err := listen(ep)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving labroom API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("labroom API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("labroom API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint) (net.Listener, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, err
		}
		return listener, nil
	case "http":
		addr := strings.TrimPrefix(ep.Address, "http://")
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("start listener for %q: %w", addr, err)
		}
		return listener, nil
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}
