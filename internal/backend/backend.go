package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const (
	CapabilityResourceLimits = "lab.resource_limits"
	CapabilityInteractiveTTY = "lab.interactive_tty"
	CapabilityImagePull      = "lab.image_pull"
	CapabilitySynthetic      = "lab.synthetic"
)

var knownCapabilityKeys = []string{
	CapabilityResourceLimits,
	CapabilityInteractiveTTY,
	CapabilityImagePull,
	CapabilitySynthetic,
}

var (
	// ErrRuntimeUnavailable reports that the sandbox runtime cannot be reached.
	ErrRuntimeUnavailable = errors.New("environment runtime unavailable")
	// ErrNotFound reports that no environment exists for a handle.
	ErrNotFound = errors.New("environment not found")
)

// Adapter allocates, drives and discards isolated lab environments.
//
// Handles are opaque to callers and are never reused across allocations.
// Stop is idempotent: stopping a discarded environment returns ErrNotFound,
// which callers treat as success.
type Adapter interface {
	Name() string
	Available(ctx context.Context) bool
	Allocate(ctx context.Context, req AllocateRequest) (string, error)
	Exec(ctx context.Context, handle, commandLine string) (*ExecResult, error)
	Stop(ctx context.Context, handle string) error
}

// CapabilityReporter allows adapters to publish adapter-specific capability
// flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// Doctor is implemented by adapters that can diagnose their host environment.
type Doctor interface {
	Doctor(ctx context.Context) DoctorReport
}

type AllocateRequest struct {
	SessionID   string
	Image       string
	Owner       string
	Target      string
	MemoryBytes int64
	NanoCPUs    int64
}

type ExecResult struct {
	Output   []byte
	ExitCode int
}

// AllocationError wraps a failure to create or start an environment.
type AllocationError struct {
	Image string
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate environment from %q: %v", e.Image, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// ExecError wraps a failure to run a command. ExitCode is set when the
// runtime reported one; otherwise it is zero.
type ExecError struct {
	Handle   string
	ExitCode int
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec in environment %s: %v", e.Handle, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// CapabilitiesForAdapter returns a capability map for the adapter with every
// known key present.
func CapabilitiesForAdapter(adapter Adapter) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}

	if adapter == nil {
		return caps
	}
	if reporter, ok := adapter.(CapabilityReporter); ok {
		for key, value := range reporter.Capabilities() {
			caps[key] = value
		}
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type DoctorReport struct {
	Backend      string          `json:"backend"`
	Capabilities map[string]bool `json:"capabilities"`
	Checks       []DoctorCheck   `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// RunDoctor collects the adapter's own checks, or a single availability check
// for adapters that do not implement Doctor.
func RunDoctor(ctx context.Context, adapter Adapter) DoctorReport {
	report := DoctorReport{
		Backend:      adapter.Name(),
		Capabilities: CapabilitiesForAdapter(adapter),
	}
	if doctor, ok := adapter.(Doctor); ok {
		own := doctor.Doctor(ctx)
		report.Checks = append(report.Checks, own.Checks...)
		return report
	}

	check := DoctorCheck{Name: "runtime_available", Status: "pass", Message: "runtime reachable"}
	if !adapter.Available(ctx) {
		check.Status = "fail"
		check.Message = ErrRuntimeUnavailable.Error()
	}
	report.Checks = append(report.Checks, check)
	return report
}
