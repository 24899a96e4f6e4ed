package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	DefaultImage                  = "ubuntu:20.04"
	DefaultMemory                 = "512m"
	DefaultCPUs                   = 1.0
	DefaultAutoStopSeconds        = 3600
	DefaultCommandTimeoutSeconds  = 60
	DefaultAllocateTimeoutSeconds = 120
	DefaultProbeTimeoutSeconds    = 5
	DefaultShell                  = "/bin/bash"
)

const (
	BackendAuto   = ""
	BackendDocker = "docker"
	BackendMock   = "mock"
)

type Config struct {
	DatabasePath string        `yaml:"database_path"`
	Listen       string        `yaml:"listen"`
	Runtime      RuntimeConfig `yaml:"runtime"`
	Labs         LabsConfig    `yaml:"labs"`
}

type RuntimeConfig struct {
	Backend             string `yaml:"backend"` // docker|mock, empty probes docker and falls back to mock
	DockerHost          string `yaml:"docker_host"`
	ProbeTimeoutSeconds int64  `yaml:"probe_timeout_seconds"`
}

type LabsConfig struct {
	Image                  string  `yaml:"image"`
	Memory                 string  `yaml:"memory"` // e.g. 512m, 1g
	CPUs                   float64 `yaml:"cpus"`
	AutoStopSeconds        int64   `yaml:"auto_stop_seconds"`
	CommandTimeoutSeconds  int64   `yaml:"command_timeout_seconds"`
	AllocateTimeoutSeconds int64   `yaml:"allocate_timeout_seconds"`
	Shell                  string  `yaml:"shell"`
}

// LabDefaults is the resolved form of LabsConfig used by the lifecycle manager.
type LabDefaults struct {
	Image           string
	MemoryBytes     int64
	NanoCPUs        int64
	AutoStop        time.Duration
	CommandTimeout  time.Duration
	AllocateTimeout time.Duration
	Shell           string
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "labroom", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "labroom", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Runtime.Backend = strings.ToLower(strings.TrimSpace(cfg.Runtime.Backend))
	switch cfg.Runtime.Backend {
	case BackendAuto, BackendDocker, BackendMock:
	default:
		return Config{}, path, fmt.Errorf("parse %s: unknown runtime backend %q (expected docker or mock)", path, cfg.Runtime.Backend)
	}
	return cfg, path, nil
}

// ProbeTimeout returns how long the runtime availability probe may take.
func (c RuntimeConfig) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSeconds <= 0 {
		return DefaultProbeTimeoutSeconds * time.Second
	}
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// Resolve applies defaults and parses the memory ceiling.
func (c LabsConfig) Resolve() (LabDefaults, error) {
	out := LabDefaults{
		Image:           strings.TrimSpace(c.Image),
		AutoStop:        secondsOrDefault(c.AutoStopSeconds, DefaultAutoStopSeconds),
		CommandTimeout:  secondsOrDefault(c.CommandTimeoutSeconds, DefaultCommandTimeoutSeconds),
		AllocateTimeout: secondsOrDefault(c.AllocateTimeoutSeconds, DefaultAllocateTimeoutSeconds),
		Shell:           strings.TrimSpace(c.Shell),
	}
	if out.Image == "" {
		out.Image = DefaultImage
	}
	if out.Shell == "" {
		out.Shell = DefaultShell
	}

	memory := strings.TrimSpace(c.Memory)
	if memory == "" {
		memory = DefaultMemory
	}
	memoryBytes, err := units.RAMInBytes(memory)
	if err != nil {
		return LabDefaults{}, fmt.Errorf("invalid labs.memory %q: %w", c.Memory, err)
	}
	if memoryBytes <= 0 {
		return LabDefaults{}, fmt.Errorf("invalid labs.memory %q: must be positive", c.Memory)
	}
	out.MemoryBytes = memoryBytes

	cpus := c.CPUs
	if cpus == 0 {
		cpus = DefaultCPUs
	}
	if cpus < 0 {
		return LabDefaults{}, fmt.Errorf("invalid labs.cpus %v: must be positive", c.CPUs)
	}
	out.NanoCPUs = int64(cpus * 1e9)

	return out, nil
}

func secondsOrDefault(seconds, fallback int64) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
