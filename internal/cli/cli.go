package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/hacklido/labroom/internal/backend"
	"github.com/hacklido/labroom/internal/backend/docker"
	"github.com/hacklido/labroom/internal/backend/mock"
	"github.com/hacklido/labroom/internal/controlserver"
	"github.com/hacklido/labroom/internal/endpoint"
	"github.com/hacklido/labroom/internal/expiry"
	"github.com/hacklido/labroom/internal/labservice"
	"github.com/hacklido/labroom/internal/paths"
	"github.com/hacklido/labroom/internal/progress"
	"github.com/hacklido/labroom/internal/runtimeconfig"
	"github.com/hacklido/labroom/internal/store"
)

// dockerAdapter is the docker runtime as the CLI sees it: an adapter that
// owns a client connection.
type dockerAdapter interface {
	backend.Adapter
	Close() error
}

type runtimeContext struct {
	Stdout     *os.File
	Stdin      *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string

	// NewDocker builds the docker runtime; tests replace it with a stub.
	NewDocker func(docker.Options) (dockerAdapter, error)
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve    ServeCommand    `cmd:"" help:"Run the labroom control-plane server"`
	Lab      LabCommand      `cmd:"" help:"Start, drive and stop lab sessions"`
	Flag     FlagCommand     `cmd:"" help:"Submit room flags"`
	Rooms    RoomsCommand    `cmd:"" help:"Manage the room catalog"`
	Progress ProgressCommand `cmd:"" help:"Show a user's progress and XP"`
	Stats    StatsCommand    `cmd:"" help:"Show platform statistics and the leaderboard"`
	Doctor   DoctorCommand   `cmd:"" help:"Run environment and runtime diagnostics"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for control API (unix://path or http://host:port; defaults to runtime config)"`
	Database string `help:"SQLite database path (defaults to runtime config or the data directory)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type DoctorCommand struct {
	Backend string `help:"Runtime to diagnose (docker|mock; defaults to runtime config)"`
	JSON    bool   `help:"Print doctor report as JSON"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stdin:      os.Stdin,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
		NewDocker:  newDockerAdapter,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("labroom"),
		kong.Description("Hands-on lab rooms: isolated sessions, command proxy and flag tracking"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newDockerAdapter(opts docker.Options) (dockerAdapter, error) {
	return docker.New(opts)
}

func dockerOptions(cfg runtimeconfig.Config, shell string) docker.Options {
	return docker.Options{
		Host:         cfg.Runtime.DockerHost,
		Shell:        shell,
		ProbeTimeout: cfg.Runtime.ProbeTimeout(),
	}
}

// selectAdapter picks the runtime for serve. An explicit docker backend must
// be reachable; the automatic mode degrades to the mock runtime instead.
// The returned release func is always non-nil.
func selectAdapter(ctx context.Context, rc *runtimeContext, labs runtimeconfig.LabDefaults, logger *log.Logger) (backend.Adapter, func(), error) {
	noop := func() {}
	requested := rc.Config.Runtime.Backend
	if requested == runtimeconfig.BackendMock {
		return mock.New(), noop, nil
	}

	newDocker := rc.NewDocker
	if newDocker == nil {
		newDocker = newDockerAdapter
	}
	adapter, err := newDocker(dockerOptions(rc.Config, labs.Shell))
	if err == nil && adapter.Available(ctx) {
		release := func() {
			if err := adapter.Close(); err != nil {
				logger.Warn("close docker client", "error", err)
			}
		}
		return adapter, release, nil
	}
	if err == nil {
		_ = adapter.Close()
		err = backend.ErrRuntimeUnavailable
	}

	if requested == runtimeconfig.BackendDocker {
		return nil, noop, fmt.Errorf("docker runtime: %w", err)
	}
	logger.Warn("docker runtime unavailable, lab sessions will use the mock runtime", "error", err)
	return mock.New(), noop, nil
}

func resolveDatabasePath(flag string, cfg runtimeconfig.Config) (string, error) {
	if value := strings.TrimSpace(flag); value != "" {
		return value, nil
	}
	if value := strings.TrimSpace(cfg.DatabasePath); value != "" {
		return value, nil
	}
	return paths.DatabasePath()
}

func (s *ServeCommand) Run(rc *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	colors := paletteFor(os.Stderr)
	styleLogger(logger, colors.color)

	listen := s.Listen
	if strings.TrimSpace(listen) == "" {
		listen = rc.Config.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}
	labs, err := rc.Config.Labs.Resolve()
	if err != nil {
		return err
	}
	dbPath, err := resolveDatabasePath(s.Database, rc.Config)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(runCtx, dbPath, store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	adapter, release, err := selectAdapter(runCtx, rc, labs, logger.With("subsystem", "runtime"))
	if err != nil {
		return err
	}
	defer release()

	scheduler := expiry.New(expiry.Options{})
	defer scheduler.Close()

	service := &labservice.Service{
		Store:     st,
		Adapter:   adapter,
		Scheduler: scheduler,
		Labs:      labs,
		Logger:    logger.With("subsystem", "service"),
	}
	if err := service.Recover(runCtx); err != nil {
		return fmt.Errorf("recover lab sessions: %w", err)
	}
	tracker := &progress.Tracker{Store: st, Logger: logger.With("subsystem", "progress")}
	server := controlserver.New(service, tracker, logger.With("subsystem", "http"))

	if isTerminal(os.Stderr) {
		_, _ = io.WriteString(os.Stderr, renderBanner("labroom serve", []field{
			{Key: "listen", Value: endpointDisplay(ep)},
			{Key: "runtime", Value: adapter.Name()},
			{Key: "database", Value: dbPath},
			{Key: "default image", Value: labs.Image},
			{Key: "auto-stop", Value: labs.AutoStop.String()},
			{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			{Key: "version", Value: rc.Version},
		}, colors))
	}

	return controlserver.Serve(runCtx, ep, server.Handler(), logger)
}

func (d *DoctorCommand) Run(rc *runtimeContext) error {
	ctx := context.Background()
	backendName := resolveBackendName(d.Backend, rc.Config.Runtime.Backend)

	checks := []backend.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", rc.ConfigPath)},
	}
	labs, err := rc.Config.Labs.Resolve()
	if err != nil {
		checks = append(checks, backend.DoctorCheck{Name: "labs_config", Status: "fail", Message: err.Error()})
	} else {
		checks = append(checks, backend.DoctorCheck{
			Name:    "labs_config",
			Status:  "pass",
			Message: fmt.Sprintf("default image %s, auto-stop %s", labs.Image, labs.AutoStop),
		})
	}

	var report backend.DoctorReport
	switch backendName {
	case runtimeconfig.BackendMock:
		report = backend.RunDoctor(ctx, mock.New())
	case runtimeconfig.BackendDocker, "auto":
		newDocker := rc.NewDocker
		if newDocker == nil {
			newDocker = newDockerAdapter
		}
		adapter, err := newDocker(dockerOptions(rc.Config, labs.Shell))
		if err != nil {
			report = backend.DoctorReport{
				Backend:      docker.Name,
				Capabilities: backend.CapabilitiesForAdapter(nil),
				Checks:       []backend.DoctorCheck{{Name: "docker_client", Status: "fail", Message: err.Error()}},
			}
			break
		}
		defer adapter.Close()
		report = backend.RunDoctor(ctx, adapter)
		if backendName == "auto" && !adapter.Available(ctx) {
			report.Checks = append(report.Checks, backend.DoctorCheck{
				Name:    "runtime_fallback",
				Status:  "warn",
				Message: "serve will fall back to the mock runtime",
			})
		}
	default:
		return fmt.Errorf("unknown backend %q", backendName)
	}
	checks = append(checks, report.Checks...)

	report.Checks = checks

	if d.JSON {
		return writeJSON(rc.Stdout, report)
	}
	_, err = io.WriteString(rc.Stdout, renderDoctorReport(report, paletteFor(rc.Stdout)))
	return err
}

func resolveBackendName(requested, configured string) string {
	if value := strings.ToLower(strings.TrimSpace(requested)); value != "" {
		return value
	}
	if configured != runtimeconfig.BackendAuto {
		return configured
	}
	return "auto"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// commandContext is cancelled on interrupt and bounded by timeout when one
// is given.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	timed, cancel := context.WithTimeout(ctx, timeout)
	return timed, func() {
		cancel()
		stop()
	}
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
