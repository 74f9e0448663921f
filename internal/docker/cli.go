package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"refactor-cloud/internal/logging"
)

// CLI drives containers through the docker binary.
type CLI struct {
	binary string
	log    *zap.Logger
}

// NewCLI returns a Driver backed by the given docker binary path.
func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = "docker"
	}
	return &CLI{binary: binary, log: logging.L().Named("docker")}
}

func (c *CLI) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Create builds and runs `docker create` with hardening flags. Returns
// the container id printed by the CLI.
func (c *CLI) Create(ctx context.Context, opts CreateOpts) (string, error) {
	args := []string{"create", "--name", opts.Name}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.MemoryLimitMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", opts.MemoryLimitMB),
			"--memory-swap", fmt.Sprintf("%dm", opts.MemoryLimitMB))
	}
	if opts.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(opts.CPULimit, 'f', -1, 64))
	}
	if opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(opts.PidsLimit, 10))
	}
	args = append(args, "--security-opt", "no-new-privileges")

	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, m := range opts.Mounts {
		spec := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	args = append(args, opts.Image)

	stdout, stderr, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCreateFailed, firstLine(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (c *CLI) Start(ctx context.Context, id string) error {
	_, stderr, err := c.run(ctx, "start", id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStartFailed, firstLine(stderr))
	}
	return nil
}

func (c *CLI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, stderr, err := c.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStopFailed, firstLine(stderr))
	}
	return nil
}

func (c *CLI) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, stderr, err := c.run(ctx, args...)
	if err != nil {
		if isNotFound(stderr) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRemoveFailed, firstLine(stderr))
	}
	return nil
}

// Inspect resolves the container state. A missing container is not an
// error; it reports StateMissing so callers can surface inconsistency.
func (c *CLI) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	format := "{{.State.Status}}\t{{.Name}}\t{{.Config.Image}}"
	stdout, stderr, err := c.run(ctx, "inspect", "--format", format, id)
	if err != nil {
		if isNotFound(stderr) {
			return ContainerInfo{State: StateMissing}, nil
		}
		return ContainerInfo{}, fmt.Errorf("%w: %s", ErrInspect, firstLine(stderr))
	}
	parts := strings.SplitN(strings.TrimSpace(stdout), "\t", 3)
	info := ContainerInfo{State: StateExited}
	if len(parts) == 3 {
		if parts[0] == "running" {
			info.State = StateRunning
		}
		info.Name = strings.TrimPrefix(parts[1], "/")
		info.Image = parts[2]
	}
	return info, nil
}

// Exec runs argv inside the container and waits for it, bounded by
// timeout. Non-zero exit is not an error; the caller reads ExitCode.
func (c *CLI) Exec(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, id)
	args = append(args, argv...)

	stdout, stderr, err := c.run(ctx, args...)
	res := ExecResult{Stdout: stdout, Stderr: stderr}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, ErrExecTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("%w: %s", ErrExecFailed, firstLine(stderr))
	}
	return res, nil
}

// Logs streams `docker logs`, combining the container's stdout and
// stderr into one reader. Closing the reader tears down the child.
func (c *CLI) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	args := []string{"logs"}
	if follow {
		args = append(args, "--follow")
	}
	if tail >= 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, id)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrLogsFailed, err)
	}
	go func() {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			c.log.Debug("docker logs exited", zap.String("container", id), zap.Error(err))
		}
		pw.Close()
	}()
	return &logReader{pr: pr, cancel: cancel}, nil
}

func (c *CLI) CopyTo(ctx context.Context, id, hostPath, containerPath string) error {
	_, stderr, err := c.run(ctx, "cp", hostPath, id+":"+containerPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCopyFailed, firstLine(stderr))
	}
	return nil
}

type logReader struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
}

func (r *logReader) Read(p []byte) (int, error) { return r.pr.Read(p) }

func (r *logReader) Close() error {
	r.cancel()
	return r.pr.Close()
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
