package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/hacklido/labroom/internal/backend"
	"github.com/hacklido/labroom/internal/backend/docker"
	"github.com/hacklido/labroom/internal/runtimeconfig"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := kong.New(
		c,
		kong.Name("labroom"),
		kong.Vars{"version": "test"},
	)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestLabExecPassesCommandThrough(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"lab", "exec", "--owner", "u1", "lab_123", "ls", "-la", "/root"}); err != nil {
		t.Fatalf("parse lab exec returned error: %v", err)
	}
	if got, want := c.Lab.Exec.Session, "lab_123"; got != want {
		t.Fatalf("session = %q, want %q", got, want)
	}
	if got, want := strings.Join(c.Lab.Exec.Command, " "), "ls -la /root"; got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
}

func TestLabExecRequiresCommand(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{"lab", "exec", "--owner", "u1", "lab_123"})
	if err == nil {
		t.Fatal("expected parse error for missing command")
	}
	if !strings.Contains(err.Error(), "<command>") {
		t.Fatalf("expected missing command parse error, got %v", err)
	}
}

func TestOwnerFallsBackToEnvironment(t *testing.T) {
	t.Setenv("LABROOM_USER", "u9")
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"lab", "list"}); err != nil {
		t.Fatalf("parse lab list returned error: %v", err)
	}
	if got, want := c.Lab.List.Owner, "u9"; got != want {
		t.Fatalf("owner = %q, want %q", got, want)
	}
}

func TestFlagSubmitParsesRoomAndFlag(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"flag", "submit", "--owner", "u1", "room-1", "FLAG{x}"}); err != nil {
		t.Fatalf("parse flag submit returned error: %v", err)
	}
	if c.Flag.Submit.Room != "room-1" || c.Flag.Submit.Flag != "FLAG{x}" {
		t.Fatalf("unexpected flag submit: %+v", c.Flag.Submit)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(exitCodeError{code: 7}); got != 7 {
		t.Fatalf("ExitCode(exitCodeError{7}) = %d, want 7", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("ExitCode(plain error) = %d, want 1", got)
	}
}

type stubDocker struct {
	available bool
	closed    bool
}

func (s *stubDocker) Name() string                       { return docker.Name }
func (s *stubDocker) Available(context.Context) bool     { return s.available }
func (s *stubDocker) Stop(context.Context, string) error { return nil }
func (s *stubDocker) Close() error {
	s.closed = true
	return nil
}

func (s *stubDocker) Allocate(context.Context, backend.AllocateRequest) (string, error) {
	return "c1", nil
}

func (s *stubDocker) Exec(context.Context, string, string) (*backend.ExecResult, error) {
	return &backend.ExecResult{}, nil
}

func (s *stubDocker) Doctor(context.Context) backend.DoctorReport {
	status := "pass"
	if !s.available {
		status = "fail"
	}
	return backend.DoctorReport{
		Backend: docker.Name,
		Checks:  []backend.DoctorCheck{{Name: "docker_daemon", Status: status, Message: "probe"}},
	}
}

func stubDockerFactory(stub *stubDocker, err error) func(docker.Options) (dockerAdapter, error) {
	return func(docker.Options) (dockerAdapter, error) {
		if err != nil {
			return nil, err
		}
		return stub, nil
	}
}

func TestSelectAdapter(t *testing.T) {
	logger := log.New(io.Discard)
	labs := runtimeconfig.LabDefaults{Shell: "/bin/sh"}

	t.Run("mock configured", func(t *testing.T) {
		called := false
		rc := &runtimeContext{
			Config: runtimeconfig.Config{Runtime: runtimeconfig.RuntimeConfig{Backend: runtimeconfig.BackendMock}},
			NewDocker: func(docker.Options) (dockerAdapter, error) {
				called = true
				return nil, errors.New("unexpected")
			},
		}
		adapter, release, err := selectAdapter(context.Background(), rc, labs, logger)
		if err != nil {
			t.Fatalf("selectAdapter returned error: %v", err)
		}
		defer release()
		if adapter.Name() != "mock" || called {
			t.Fatalf("adapter = %s, docker constructed = %v", adapter.Name(), called)
		}
	})

	t.Run("auto uses reachable docker", func(t *testing.T) {
		stub := &stubDocker{available: true}
		rc := &runtimeContext{NewDocker: stubDockerFactory(stub, nil)}
		adapter, release, err := selectAdapter(context.Background(), rc, labs, logger)
		if err != nil {
			t.Fatalf("selectAdapter returned error: %v", err)
		}
		if adapter.Name() != docker.Name {
			t.Fatalf("adapter = %s, want docker", adapter.Name())
		}
		if stub.closed {
			t.Fatal("docker client closed before release")
		}
		release()
		if !stub.closed {
			t.Fatal("release did not close the docker client")
		}
	})

	t.Run("auto falls back to mock", func(t *testing.T) {
		stub := &stubDocker{available: false}
		rc := &runtimeContext{NewDocker: stubDockerFactory(stub, nil)}
		adapter, release, err := selectAdapter(context.Background(), rc, labs, logger)
		if err != nil {
			t.Fatalf("selectAdapter returned error: %v", err)
		}
		defer release()
		if adapter.Name() != "mock" {
			t.Fatalf("adapter = %s, want mock", adapter.Name())
		}
		if !stub.closed {
			t.Fatal("unreachable docker client was not closed")
		}
	})

	t.Run("explicit docker must be reachable", func(t *testing.T) {
		stub := &stubDocker{available: false}
		rc := &runtimeContext{
			Config:    runtimeconfig.Config{Runtime: runtimeconfig.RuntimeConfig{Backend: runtimeconfig.BackendDocker}},
			NewDocker: stubDockerFactory(stub, nil),
		}
		_, release, err := selectAdapter(context.Background(), rc, labs, logger)
		release()
		if !errors.Is(err, backend.ErrRuntimeUnavailable) {
			t.Fatalf("selectAdapter error = %v, want ErrRuntimeUnavailable", err)
		}
	})

	t.Run("explicit docker client error", func(t *testing.T) {
		rc := &runtimeContext{
			Config:    runtimeconfig.Config{Runtime: runtimeconfig.RuntimeConfig{Backend: runtimeconfig.BackendDocker}},
			NewDocker: stubDockerFactory(nil, errors.New("bad host")),
		}
		_, _, err := selectAdapter(context.Background(), rc, labs, logger)
		if err == nil || !strings.Contains(err.Error(), "bad host") {
			t.Fatalf("selectAdapter error = %v, want client error", err)
		}
	})
}

func TestResolveDatabasePath(t *testing.T) {
	cfg := runtimeconfig.Config{DatabasePath: "/var/lib/labroom/config.db"}
	if got, _ := resolveDatabasePath("/tmp/flag.db", cfg); got != "/tmp/flag.db" {
		t.Fatalf("flag path = %q, want /tmp/flag.db", got)
	}
	if got, _ := resolveDatabasePath("", cfg); got != "/var/lib/labroom/config.db" {
		t.Fatalf("config path = %q, want /var/lib/labroom/config.db", got)
	}

	t.Setenv("XDG_DATA_HOME", "/data")
	if got, _ := resolveDatabasePath("", runtimeconfig.Config{}); got != filepath.Join("/data", "labroom", "labroom.db") {
		t.Fatalf("default path = %q", got)
	}
}

func TestResolveBackendName(t *testing.T) {
	tests := []struct {
		requested, configured, want string
	}{
		{requested: "", configured: runtimeconfig.BackendAuto, want: "auto"},
		{requested: "", configured: runtimeconfig.BackendMock, want: "mock"},
		{requested: " Docker ", configured: runtimeconfig.BackendMock, want: "docker"},
	}
	for _, tc := range tests {
		if got := resolveBackendName(tc.requested, tc.configured); got != tc.want {
			t.Fatalf("resolveBackendName(%q, %q) = %q, want %q", tc.requested, tc.configured, got, tc.want)
		}
	}
}

// tempStdout returns a file standing in for stdout and a func that reads
// everything written to it so far.
func tempStdout(t *testing.T) (*os.File, func() string) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "stdout"))
	if err != nil {
		t.Fatalf("create stdout file: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f, func() string {
		raw, err := os.ReadFile(f.Name())
		if err != nil {
			t.Fatalf("read stdout file: %v", err)
		}
		return string(raw)
	}
}

func TestDoctorCommandJSONReportsFallback(t *testing.T) {
	stdout, read := tempStdout(t)
	stub := &stubDocker{available: false}

	cmd := DoctorCommand{JSON: true}
	err := cmd.Run(&runtimeContext{
		Stdout:     stdout,
		ConfigPath: "/tmp/config.yaml",
		NewDocker:  stubDockerFactory(stub, nil),
	})
	if err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}
	if !stub.closed {
		t.Fatal("doctor left the docker client open")
	}

	var report backend.DoctorReport
	if err := json.Unmarshal([]byte(read()), &report); err != nil {
		t.Fatalf("decode doctor JSON: %v", err)
	}
	if report.Backend != docker.Name {
		t.Fatalf("backend = %q, want docker", report.Backend)
	}
	statuses := map[string]string{}
	for _, check := range report.Checks {
		statuses[check.Name] = check.Status
	}
	want := map[string]string{
		"runtime_config":   "pass",
		"labs_config":      "pass",
		"docker_daemon":    "fail",
		"runtime_fallback": "warn",
	}
	for name, status := range want {
		if statuses[name] != status {
			t.Fatalf("check %s = %q, want %q (all: %v)", name, statuses[name], status, statuses)
		}
	}
	if _, ok := report.Capabilities[backend.CapabilitySynthetic]; !ok {
		t.Fatalf("expected every capability key in report, got %v", report.Capabilities)
	}
}

func TestDoctorCommandTextForMock(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	stdout, read := tempStdout(t)

	cmd := DoctorCommand{Backend: "mock"}
	err := cmd.Run(&runtimeContext{
		Stdout: stdout,
		Config: runtimeconfig.Config{Labs: runtimeconfig.LabsConfig{Memory: "lots"}},
		NewDocker: func(docker.Options) (dockerAdapter, error) {
			t.Fatal("docker constructed for mock doctor")
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}

	out := read()
	for _, want := range []string{
		"doctor report (mock)",
		"[fail] labs_config: invalid labs.memory",
		"[warn] runtime_mode: mock mode",
		"capabilities: lab.synthetic",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("doctor output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctorCommandRejectsUnknownBackend(t *testing.T) {
	stdout, _ := tempStdout(t)
	cmd := DoctorCommand{Backend: "firecracker"}
	if err := cmd.Run(&runtimeContext{Stdout: stdout}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
