// Package docker wraps the docker command-line client behind a typed
// Driver interface. Every operation builds an argv vector and execs the
// binary directly; nothing is ever passed through a shell.
package docker

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrCreateFailed = errors.New("container create failed")
	ErrStartFailed  = errors.New("container start failed")
	ErrStopFailed   = errors.New("container stop failed")
	ErrRemoveFailed = errors.New("container remove failed")
	ErrExecFailed   = errors.New("container exec failed")
	ErrExecTimeout  = errors.New("container exec timed out")
	ErrCopyFailed   = errors.New("container copy failed")
	ErrLogsFailed   = errors.New("container logs failed")
	ErrInspect      = errors.New("container inspect failed")
)

// State is the driver-level container state, collapsed to the three
// values the control plane distinguishes.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateMissing State = "missing"
)

// ContainerInfo is the subset of inspect output the control plane reads.
type ContainerInfo struct {
	State State
	Name  string
	Image string
}

// Mount is a host directory bind-mounted into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// CreateOpts describes a container to create. Resource limits of zero
// mean "no flag".
type CreateOpts struct {
	Name          string
	Image         string
	Env           map[string]string
	Mounts        []Mount
	Network       string
	CPULimit      float64
	MemoryLimitMB int64
	PidsLimit     int64
	Labels        map[string]string
}

// ExecResult carries the outcome of a finished in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver is the container runtime boundary. The CLI implementation
// shells out to docker; tests substitute Mock.
type Driver interface {
	Create(ctx context.Context, opts CreateOpts) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	Exec(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (ExecResult, error)
	Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error)
	CopyTo(ctx context.Context, id, hostPath, containerPath string) error
}
