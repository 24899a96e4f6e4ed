// Package mock provides the adapter used when no container runtime is
// reachable. It keeps the adapter contract's shapes with synthetic content and
// allocates no real resources.
package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/hacklido/labroom/internal/backend"
	"github.com/hacklido/labroom/internal/ids"
)

const Name = "mock"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Available(context.Context) bool { return true }

func (a *Adapter) Allocate(context.Context, backend.AllocateRequest) (string, error) {
	return ids.NewMockHandle(), nil
}

func (a *Adapter) Exec(_ context.Context, handle, commandLine string) (*backend.ExecResult, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, &backend.ExecError{Handle: handle, Err: backend.ErrNotFound}
	}
	return &backend.ExecResult{
		Output:   []byte(fmt.Sprintf("Mock output for: %s\nDocker not available", commandLine)),
		ExitCode: 0,
	}, nil
}

func (a *Adapter) Stop(context.Context, string) error { return nil }

func (a *Adapter) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilitySynthetic: true,
	}
}

func (a *Adapter) Doctor(context.Context) backend.DoctorReport {
	return backend.DoctorReport{
		Backend: Name,
		Checks: []backend.DoctorCheck{{
			Name:    "runtime_mode",
			Status:  "warn",
			Message: "mock mode: labs receive synthetic handles and placeholder command output",
		}},
	}
}
