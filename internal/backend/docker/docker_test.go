package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hacklido/labroom/internal/backend"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeClient struct {
	mu sync.Mutex

	pingErr      error
	missingImage bool
	startErr     error
	stopErr      error
	removeErr    error
	execCreate   error
	stdout       string
	stderr       string
	exitCode     int
	hangExec     net.Conn

	pulls    []string
	creates  []*container.Config
	hosts    []*container.HostConfig
	names    []string
	started  []string
	stopped  []string
	removed  []string
	execCmds [][]string
}

func (f *fakeClient) Ping(context.Context) (types.Ping, error) {
	if f.pingErr != nil {
		return types.Ping{}, f.pingErr
	}
	return types.Ping{APIVersion: "1.47", OSType: "linux"}, nil
}

func (f *fakeClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	f.missingImage = false
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missingImage {
		return container.CreateResponse{}, fmt.Errorf("No such image: %s: %w", config.Image, cerrdefs.ErrNotFound)
	}
	f.creates = append(f.creates, config)
	f.hosts = append(f.hosts, hostConfig)
	f.names = append(f.names, name)
	return container.CreateResponse{ID: "ctr-" + name}, nil
}

func (f *fakeClient) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeClient) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeClient) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execCreate != nil {
		return container.ExecCreateResponse{}, f.execCreate
	}
	f.execCmds = append(f.execCmds, options.Cmd)
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeClient) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	if f.hangExec != nil {
		return types.HijackedResponse{Conn: f.hangExec, Reader: bufio.NewReader(f.hangExec)}, nil
	}
	var framed bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	local, remote := net.Pipe()
	_ = remote.Close()
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(&framed)}, nil
}

func (f *fakeClient) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: "exec-1", ExitCode: f.exitCode}, nil
}

func (f *fakeClient) Close() error { return nil }

func newTestAdapter(cli *fakeClient) *Adapter {
	return newWithClient(cli, Options{Shell: "/bin/sh"})
}

func TestAllocateCreatesLabelledContainer(t *testing.T) {
	cli := &fakeClient{}
	adapter := newTestAdapter(cli)

	handle, err := adapter.Allocate(context.Background(), backend.AllocateRequest{
		SessionID:   "lab_123",
		Image:       "ubuntu:20.04",
		Owner:       "user-1",
		Target:      "linux-basics",
		MemoryBytes: 512 * 1024 * 1024,
		NanoCPUs:    1_000_000_000,
	})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if got, want := handle, "ctr-lab-lab_123"; got != want {
		t.Fatalf("unexpected handle: got %q want %q", got, want)
	}
	if len(cli.creates) != 1 {
		t.Fatalf("expected one create, got %d", len(cli.creates))
	}
	config := cli.creates[0]
	if !config.Tty || !config.OpenStdin {
		t.Fatalf("expected interactive tty container, got %+v", config)
	}
	if got := config.Labels[LabelRoom]; got != "linux-basics" {
		t.Fatalf("unexpected room label %q", got)
	}
	if got := config.Labels[LabelOwner]; got != "user-1" {
		t.Fatalf("unexpected owner label %q", got)
	}
	if got, want := cli.hosts[0].Memory, int64(512*1024*1024); got != want {
		t.Fatalf("unexpected memory limit: got %d want %d", got, want)
	}
	if got, want := cli.hosts[0].NanoCPUs, int64(1_000_000_000); got != want {
		t.Fatalf("unexpected cpu limit: got %d want %d", got, want)
	}
	if len(cli.started) != 1 || cli.started[0] != handle {
		t.Fatalf("expected container %q started, got %v", handle, cli.started)
	}
	if len(cli.pulls) != 0 {
		t.Fatalf("expected no pull for a local image, got %v", cli.pulls)
	}
}

func TestAllocatePullsMissingImageOnce(t *testing.T) {
	cli := &fakeClient{missingImage: true}
	adapter := newTestAdapter(cli)

	if _, err := adapter.Allocate(context.Background(), backend.AllocateRequest{SessionID: "lab_1", Image: "ubuntu:20.04"}); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if got, want := strings.Join(cli.pulls, ","), "ubuntu:20.04"; got != want {
		t.Fatalf("unexpected pulls: got %q want %q", got, want)
	}
	if len(cli.creates) != 1 {
		t.Fatalf("expected create after pull, got %d", len(cli.creates))
	}
}

func TestAllocateRejectsInvalidImage(t *testing.T) {
	adapter := newTestAdapter(&fakeClient{})

	_, err := adapter.Allocate(context.Background(), backend.AllocateRequest{SessionID: "lab_1", Image: "UPPER CASE"})
	var allocErr *backend.AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected AllocationError, got %T %v", err, err)
	}
}

func TestAllocateRemovesContainerWhenStartFails(t *testing.T) {
	cli := &fakeClient{startErr: errors.New("oci runtime error")}
	adapter := newTestAdapter(cli)

	_, err := adapter.Allocate(context.Background(), backend.AllocateRequest{SessionID: "lab_9", Image: "ubuntu:20.04"})
	var allocErr *backend.AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected AllocationError, got %T %v", err, err)
	}
	if len(cli.removed) != 1 || cli.removed[0] != "ctr-lab-lab_9" {
		t.Fatalf("expected failed container to be removed, got %v", cli.removed)
	}
}

func TestExecCombinesStreamsAndReportsExitCode(t *testing.T) {
	cli := &fakeClient{stdout: "hello\n", stderr: "warn\n", exitCode: 3}
	adapter := newTestAdapter(cli)

	result, err := adapter.Exec(context.Background(), "ctr-1", "echo hello; echo warn >&2; exit 3")
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	if got, want := string(result.Output), "hello\nwarn\n"; got != want {
		t.Fatalf("unexpected output: got %q want %q", got, want)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if got, want := strings.Join(cli.execCmds[0], " "), "/bin/sh -c echo hello; echo warn >&2; exit 3"; got != want {
		t.Fatalf("unexpected exec command: got %q want %q", got, want)
	}
}

func TestExecOnMissingContainerIsNotFound(t *testing.T) {
	cli := &fakeClient{execCreate: fmt.Errorf("No such container: ctr-1: %w", cerrdefs.ErrNotFound)}
	adapter := newTestAdapter(cli)

	_, err := adapter.Exec(context.Background(), "ctr-1", "ls")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var execErr *backend.ExecError
	if !errors.As(err, &execErr) || execErr.Handle != "ctr-1" {
		t.Fatalf("expected ExecError for ctr-1, got %v", err)
	}
}

func TestExecHonoursContextDeadline(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	cli := &fakeClient{hangExec: local}
	adapter := newTestAdapter(cli)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := adapter.Exec(ctx, "ctr-1", "sleep 1000")
		done <- err
	}()

	select {
	case err := <-done:
		var execErr *backend.ExecError
		if !errors.As(err, &execErr) || execErr.ExitCode != 124 {
			t.Fatalf("expected ExecError with exit code 124, got %v", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Exec kept running past its deadline")
	}
}

func TestStopRemovesContainer(t *testing.T) {
	cli := &fakeClient{}
	adapter := newTestAdapter(cli)

	if err := adapter.Stop(context.Background(), "ctr-1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if len(cli.stopped) != 1 || len(cli.removed) != 1 {
		t.Fatalf("expected stop and remove, got stopped=%v removed=%v", cli.stopped, cli.removed)
	}
}

func TestStopMissingContainerIsNotFound(t *testing.T) {
	cli := &fakeClient{
		stopErr:   fmt.Errorf("No such container: ctr-1: %w", cerrdefs.ErrNotFound),
		removeErr: fmt.Errorf("No such container: ctr-1: %w", cerrdefs.ErrNotFound),
	}
	adapter := newTestAdapter(cli)

	if err := adapter.Stop(context.Background(), "ctr-1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopForceRemovesWhenGracefulStopFails(t *testing.T) {
	cli := &fakeClient{stopErr: errors.New("context deadline exceeded while waiting for container")}
	adapter := newTestAdapter(cli)

	if err := adapter.Stop(context.Background(), "ctr-1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if len(cli.removed) != 1 || cli.removed[0] != "ctr-1" {
		t.Fatalf("expected container to be force-removed, got %v", cli.removed)
	}
}

func TestStopReportsBothFailures(t *testing.T) {
	cli := &fakeClient{stopErr: errors.New("stop timed out"), removeErr: errors.New("removal in progress")}
	adapter := newTestAdapter(cli)

	err := adapter.Stop(context.Background(), "ctr-1")
	if err == nil {
		t.Fatal("expected error when the container could not be removed")
	}
	if errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected a runtime failure, got %v", err)
	}
	for _, want := range []string{"stop timed out", "removal in progress"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestAvailableAndDoctorReflectPing(t *testing.T) {
	healthy := newTestAdapter(&fakeClient{})
	if !healthy.Available(context.Background()) {
		t.Fatal("expected adapter to be available")
	}
	report := healthy.Doctor(context.Background())
	if len(report.Checks) == 0 || report.Checks[0].Status != "pass" {
		t.Fatalf("expected passing daemon check, got %+v", report.Checks)
	}

	down := newTestAdapter(&fakeClient{pingErr: errors.New("connection refused")})
	if down.Available(context.Background()) {
		t.Fatal("expected adapter to be unavailable")
	}
	report = down.Doctor(context.Background())
	if len(report.Checks) == 0 || report.Checks[0].Status != "fail" {
		t.Fatalf("expected failing daemon check, got %+v", report.Checks)
	}
}
