package docker

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Mock is a scriptable Driver for tests. Each method delegates to the
// corresponding Fn field when set and records the call either way.
type Mock struct {
	mu    sync.Mutex
	Calls []string

	CreateFn  func(ctx context.Context, opts CreateOpts) (string, error)
	StartFn   func(ctx context.Context, id string) error
	StopFn    func(ctx context.Context, id string, timeout time.Duration) error
	RemoveFn  func(ctx context.Context, id string, force bool) error
	InspectFn func(ctx context.Context, id string) (ContainerInfo, error)
	ExecFn    func(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (ExecResult, error)
	LogsFn    func(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error)
	CopyToFn  func(ctx context.Context, id, hostPath, containerPath string) error
}

func (m *Mock) record(call string) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	m.mu.Unlock()
}

// CallLog returns a copy of the recorded call names in order.
func (m *Mock) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	copy(out, m.Calls)
	return out
}

func (m *Mock) Create(ctx context.Context, opts CreateOpts) (string, error) {
	m.record("create " + opts.Name)
	if m.CreateFn != nil {
		return m.CreateFn(ctx, opts)
	}
	return "mock-" + opts.Name, nil
}

func (m *Mock) Start(ctx context.Context, id string) error {
	m.record("start " + id)
	if m.StartFn != nil {
		return m.StartFn(ctx, id)
	}
	return nil
}

func (m *Mock) Stop(ctx context.Context, id string, timeout time.Duration) error {
	m.record("stop " + id)
	if m.StopFn != nil {
		return m.StopFn(ctx, id, timeout)
	}
	return nil
}

func (m *Mock) Remove(ctx context.Context, id string, force bool) error {
	m.record("remove " + id)
	if m.RemoveFn != nil {
		return m.RemoveFn(ctx, id, force)
	}
	return nil
}

func (m *Mock) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	m.record("inspect " + id)
	if m.InspectFn != nil {
		return m.InspectFn(ctx, id)
	}
	return ContainerInfo{State: StateRunning, Name: id}, nil
}

func (m *Mock) Exec(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (ExecResult, error) {
	m.record("exec " + id + " " + strings.Join(argv, " "))
	if m.ExecFn != nil {
		return m.ExecFn(ctx, id, argv, workdir, timeout)
	}
	return ExecResult{}, nil
}

func (m *Mock) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	m.record("logs " + id)
	if m.LogsFn != nil {
		return m.LogsFn(ctx, id, tail, follow)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *Mock) CopyTo(ctx context.Context, id, hostPath, containerPath string) error {
	m.record("copy " + id)
	if m.CopyToFn != nil {
		return m.CopyToFn(ctx, id, hostPath, containerPath)
	}
	return nil
}
