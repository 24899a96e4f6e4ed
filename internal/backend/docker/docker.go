// Package docker implements the lab environment adapter on top of the Docker
// Engine API. Each lab is one long-lived interactive container; commands run
// through exec instances inside it.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hacklido/labroom/internal/backend"
	"github.com/hacklido/labroom/internal/ociref"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const Name = "docker"

const (
	LabelOwner   = "labroom.owner"
	LabelRoom    = "labroom.room"
	LabelSession = "labroom.session"

	containerNamePrefix = "lab-"
	defaultShell        = "/bin/bash"
	defaultStopTimeout  = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// apiClient is the subset of the Docker client used by the adapter.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

type Options struct {
	Host         string
	Shell        string
	ProbeTimeout time.Duration
	StopTimeout  time.Duration
}

type Adapter struct {
	cli          apiClient
	shell        string
	probeTimeout time.Duration
	stopTimeout  time.Duration
}

func New(opts Options) (*Adapter, error) {
	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host := strings.TrimSpace(opts.Host); host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newWithClient(cli, opts), nil
}

func newWithClient(cli apiClient, opts Options) *Adapter {
	a := &Adapter{
		cli:          cli,
		shell:        strings.TrimSpace(opts.Shell),
		probeTimeout: opts.ProbeTimeout,
		stopTimeout:  opts.StopTimeout,
	}
	if a.shell == "" {
		a.shell = defaultShell
	}
	if a.probeTimeout <= 0 {
		a.probeTimeout = defaultProbeTimeout
	}
	if a.stopTimeout <= 0 {
		a.stopTimeout = defaultStopTimeout
	}
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Close() error {
	return a.cli.Close()
}

func (a *Adapter) Available(ctx context.Context) bool {
	return a.ping(ctx) == nil
}

func (a *Adapter) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	if _, err := a.cli.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrRuntimeUnavailable, err)
	}
	return nil
}

func (a *Adapter) Allocate(ctx context.Context, req backend.AllocateRequest) (string, error) {
	ref, err := ociref.ParseImageReference(req.Image)
	if err != nil {
		return "", &backend.AllocationError{Image: req.Image, Err: err}
	}

	config := &container.Config{
		Image:     ref.Original,
		Tty:       true,
		OpenStdin: true,
		Labels: map[string]string{
			LabelOwner:   req.Owner,
			LabelRoom:    req.Target,
			LabelSession: req.SessionID,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   req.MemoryBytes,
			NanoCPUs: req.NanoCPUs,
		},
	}
	name := containerNamePrefix + req.SessionID

	resp, err := a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil && cerrdefs.IsNotFound(err) {
		if pullErr := a.pull(ctx, ref.Original); pullErr != nil {
			return "", &backend.AllocationError{Image: ref.Original, Err: pullErr}
		}
		resp, err = a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	}
	if err != nil {
		if isUnreachable(err) {
			err = fmt.Errorf("%w: %v", backend.ErrRuntimeUnavailable, err)
		}
		return "", &backend.AllocationError{Image: ref.Original, Err: fmt.Errorf("create container: %w", err)}
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", &backend.AllocationError{Image: ref.Original, Err: fmt.Errorf("start container: %w", err)}
	}
	return resp.ID, nil
}

func (a *Adapter) pull(ctx context.Context, ref string) error {
	reader, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	return nil
}

func (a *Adapter) Exec(ctx context.Context, handle, commandLine string) (*backend.ExecResult, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, &backend.ExecError{Handle: handle, Err: backend.ErrNotFound}
	}

	execResp, err := a.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          []string{a.shell, "-c", commandLine},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, &backend.ExecError{Handle: handle, Err: classify(err)}
	}

	attachResp, err := a.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, &backend.ExecError{Handle: handle, Err: classify(err)}
	}
	defer attachResp.Close()
	// Cancellation closes the hijacked connection to unblock StdCopy.
	stop := context.AfterFunc(ctx, attachResp.Close)
	defer stop()

	// stdout and stderr share one buffer so output keeps its interleaving.
	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attachResp.Reader); err != nil && !errors.Is(err, io.EOF) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &backend.ExecError{Handle: handle, ExitCode: 124, Err: ctxErr}
		}
		return nil, &backend.ExecError{Handle: handle, Err: fmt.Errorf("read exec output: %w", err)}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &backend.ExecError{Handle: handle, ExitCode: 124, Err: ctxErr}
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, &backend.ExecError{Handle: handle, Err: fmt.Errorf("inspect exec: %w", classify(err))}
	}
	return &backend.ExecResult{Output: output.Bytes(), ExitCode: inspect.ExitCode}, nil
}

func (a *Adapter) Stop(ctx context.Context, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return backend.ErrNotFound
	}

	timeout := int(a.stopTimeout / time.Second)
	stopErr := a.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if stopErr != nil && !cerrdefs.IsNotFound(stopErr) {
		stopErr = fmt.Errorf("stop container %s: %w", handle, stopErr)
	}

	// Force-remove runs even when the graceful stop failed.
	removeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		removeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), a.stopTimeout)
		defer cancel()
	}
	removeErr := a.cli.ContainerRemove(removeCtx, handle, container.RemoveOptions{Force: true})
	switch {
	case removeErr == nil:
		return nil
	case cerrdefs.IsNotFound(removeErr):
		if stopErr != nil && cerrdefs.IsNotFound(stopErr) {
			return backend.ErrNotFound
		}
		return nil
	case stopErr != nil && !cerrdefs.IsNotFound(stopErr):
		return errors.Join(stopErr, fmt.Errorf("remove container %s: %w", handle, removeErr))
	default:
		return fmt.Errorf("remove container %s: %w", handle, removeErr)
	}
}

func (a *Adapter) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityResourceLimits: true,
		backend.CapabilityInteractiveTTY: true,
		backend.CapabilityImagePull:      true,
	}
}

func (a *Adapter) Doctor(ctx context.Context) backend.DoctorReport {
	report := backend.DoctorReport{Backend: Name}

	pingCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	ping, err := a.cli.Ping(pingCtx)
	if err != nil {
		report.Checks = append(report.Checks, backend.DoctorCheck{
			Name:    "docker_daemon",
			Status:  "fail",
			Message: fmt.Sprintf("docker daemon unreachable: %v", err),
		})
		return report
	}
	report.Checks = append(report.Checks, backend.DoctorCheck{
		Name:    "docker_daemon",
		Status:  "pass",
		Message: fmt.Sprintf("docker daemon reachable (api %s, os %s)", ping.APIVersion, ping.OSType),
	})
	if ping.OSType != "" && ping.OSType != "linux" {
		report.Checks = append(report.Checks, backend.DoctorCheck{
			Name:    "docker_os",
			Status:  "warn",
			Message: fmt.Sprintf("daemon runs %s containers; lab images target linux", ping.OSType),
		})
	}
	return report
}

func classify(err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", backend.ErrNotFound, err)
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %v", backend.ErrRuntimeUnavailable, err)
	}
	return err
}

func isUnreachable(err error) bool {
	return client.IsErrConnectionFailed(err) || cerrdefs.IsUnavailable(err)
}
