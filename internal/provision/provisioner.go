// Package provision drives the container lifecycle for a project:
// create, start, repository clone, agent health wait, and the
// compensating teardown when any stage fails.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"refactor-cloud/internal/config"
	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/logging"
	"refactor-cloud/internal/metrics"
	"refactor-cloud/internal/store"
	"refactor-cloud/internal/workspace"
	"refactor-cloud/pkg/models"
)

var (
	ErrProvisionFailed = errors.New("provision failed")
	ErrNotProvisioned  = errors.New("project has no container")
)

const lastErrorCap = 2000

// containerNamePrefix keys every container this service owns; names are
// always derived from the project id, never read back from the record.
const containerNamePrefix = "refactor-project-"

// ContainerName returns the deterministic container name for a project.
func ContainerName(projectID string) string {
	return containerNamePrefix + projectID
}

// Opts carries per-call overrides for a provision.
type Opts struct {
	// DevSource, when non-empty, bind-mounts a local agent source tree
	// over the image's copy. Never persisted.
	DevSource string
}

type Provisioner struct {
	store  *store.Store
	driver docker.Driver
	ws     workspace.Layout
	cfg    *config.Config
	client *http.Client
	log    *zap.Logger

	// healthURL derives the agent health endpoint from the container
	// name; tests point it at a local server.
	healthURL func(name string) string
}

func New(st *store.Store, driver docker.Driver, ws workspace.Layout, cfg *config.Config) *Provisioner {
	p := &Provisioner{
		store:  st,
		driver: driver,
		ws:     ws,
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Second},
		log:    logging.L().Named("provision"),
	}
	p.healthURL = func(name string) string {
		return fmt.Sprintf("http://%s:%d/health", name, cfg.AgentPort)
	}
	return p
}

// Provision takes a CREATED project to READY (or FAILED). The CAS into
// PROVISIONING is the concurrency gate: a second caller loses the
// conditional update and gets ErrConflictingState.
func (p *Provisioner) Provision(ctx context.Context, projectID string, opts Opts) (*models.Project, error) {
	if err := p.store.Transition(ctx, projectID, models.StatusCreated, models.StatusProvisioning, nil); err != nil {
		return nil, err
	}
	return p.build(ctx, projectID, opts)
}

// Reprovision tears down any existing container and provisions again.
// Allowed from READY, STOPPED and FAILED.
func (p *Provisioner) Reprovision(ctx context.Context, projectID string, opts Opts) (*models.Project, error) {
	from := []string{models.StatusReady, models.StatusStopped, models.StatusFailed}
	err := p.store.TransitionFromAny(ctx, projectID, from, models.StatusProvisioning, map[string]interface{}{
		"container_id": nil,
		"last_error":   nil,
	})
	if err != nil {
		return nil, err
	}
	p.teardown(ctx, ContainerName(projectID))
	return p.build(ctx, projectID, opts)
}

// build runs the provisioning stages for a project already in
// PROVISIONING and lands it in READY or FAILED. The terminal
// transitions run on a context detached from the caller: a client that
// disconnects mid-clone must not strand the record in PROVISIONING.
func (p *Provisioner) build(ctx context.Context, projectID string, opts Opts) (*models.Project, error) {
	detached := context.WithoutCancel(ctx)

	proj, err := p.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	name := ContainerName(proj.ID)
	containerID, err := p.stages(ctx, proj, name, opts)
	if err != nil {
		p.teardown(detached, name)
		p.fail(detached, proj.ID, err)
		metrics.Get().ProvisionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	err = p.store.Transition(detached, proj.ID, models.StatusProvisioning, models.StatusReady, map[string]interface{}{
		"container_id": containerID,
		"last_error":   nil,
	})
	if err != nil {
		p.teardown(detached, name)
		return nil, err
	}
	metrics.Get().ProvisionsTotal.WithLabelValues("ready").Inc()
	p.log.Info("project provisioned",
		zap.String("project_id", proj.ID), zap.String("container", name))
	return p.store.Get(detached, proj.ID)
}

func (p *Provisioner) stages(ctx context.Context, proj *models.Project, name string, opts Opts) (string, error) {
	if err := p.ws.Ensure(proj.ID); err != nil {
		return "", err
	}

	devSource := opts.DevSource
	if devSource == "" && p.cfg.DevMode {
		devSource = p.cfg.DevAgentSourcePath
	}

	env := map[string]string{
		"PROJECT_ID": proj.ID,
		"AGENT_PORT": fmt.Sprintf("%d", p.cfg.AgentPort),
	}
	if p.cfg.AgentDBURL != "" {
		env["DATABASE_URL"] = p.cfg.AgentDBURL
	}
	if p.ws.CredentialsHostPath != "" {
		env["CREDENTIALS_PATH"] = workspace.CredentialsPath
	}

	containerID, err := p.driver.Create(ctx, docker.CreateOpts{
		Name:          name,
		Image:         p.cfg.ContainerImage,
		Env:           env,
		Mounts:        p.ws.Mounts(proj.ID, devSource),
		Network:       p.cfg.ContainerNetwork,
		CPULimit:      p.cfg.CPULimit,
		MemoryLimitMB: p.cfg.MemoryLimitMB,
		PidsLimit:     p.cfg.PidsLimit,
		Labels: map[string]string{
			"refactor-cloud.project": proj.ID,
			"refactor-cloud.owner":   proj.OwnerID,
		},
	})
	if err != nil {
		return "", err
	}

	if err := p.driver.Start(ctx, containerID); err != nil {
		return "", err
	}

	if proj.Kind == models.KindRefactor {
		if err := p.clone(ctx, name, proj); err != nil {
			return "", err
		}
	}

	if err := p.waitHealthy(ctx, name); err != nil {
		return "", err
	}
	return containerID, nil
}

// clone fetches the project repository inside the container so host
// credentials never touch the clone.
func (p *Provisioner) clone(ctx context.Context, name string, proj *models.Project) error {
	if proj.RepoURL == nil || proj.Branch == nil {
		return errors.New("refactor project missing repo url or branch")
	}
	argv := []string{
		"git", "clone",
		"--depth", fmt.Sprintf("%d", p.cfg.GitCloneDepth),
		"--branch", *proj.Branch,
		*proj.RepoURL,
		workspace.RepoMountPath,
	}
	res, err := p.driver.Exec(ctx, name, argv, "", p.cfg.GitCloneTimeout)
	if err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d: %s", res.ExitCode, truncate(res.Stderr, lastErrorCap))
	}
	return nil
}

// waitHealthy polls the agent's health endpoint until it answers 200.
func (p *Provisioner) waitHealthy(ctx context.Context, name string) error {
	url := p.healthURL(name)
	deadline := time.Now().Add(p.cfg.HealthWaitTimeout)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent health check timed out after %s", p.cfg.HealthWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.HealthPollInterval):
		}
	}
}

// fail records the terminal FAILED state with the stage error. The
// container is already gone, so container_id is cleared. Callers pass
// a detached context so the write survives request cancellation.
func (p *Provisioner) fail(ctx context.Context, projectID string, cause error) {
	msg := truncate(cause.Error(), lastErrorCap)
	err := p.store.Transition(ctx, projectID, models.StatusProvisioning, models.StatusFailed, map[string]interface{}{
		"container_id": nil,
		"last_error":   msg,
	})
	if err != nil {
		p.log.Error("failed to record provision failure",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

// teardown stops and removes a container by name. Best-effort: it runs
// detached from the caller's cancellation on its own short deadline and
// never reports failure upward.
func (p *Provisioner) teardown(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := p.driver.Stop(ctx, name, 5*time.Second); err != nil {
		p.log.Debug("teardown stop", zap.String("container", name), zap.Error(err))
	}
	if err := p.driver.Remove(ctx, name, true); err != nil {
		p.log.Warn("teardown remove", zap.String("container", name), zap.Error(err))
	}
}

// Stop halts a project's container and lands the record in STOPPED.
// Stopping an already-STOPPED project is a no-op.
func (p *Provisioner) Stop(ctx context.Context, proj *models.Project) (*models.Project, error) {
	if proj.Status == models.StatusStopped {
		return proj, nil
	}
	if proj.ContainerID == nil {
		return nil, ErrNotProvisioned
	}

	if err := p.driver.Stop(ctx, ContainerName(proj.ID), p.cfg.StopTimeout); err != nil {
		// The record keeps its prior status; the caller sees the error.
		return nil, err
	}

	from := []string{models.StatusReady, models.StatusRunning}
	if err := p.store.TransitionFromAny(ctx, proj.ID, from, models.StatusStopped, nil); err != nil {
		return nil, err
	}
	return p.store.Get(ctx, proj.ID)
}

// Teardown removes a project's container and workspace ahead of record
// deletion. Container removal failure is logged and does not block.
func (p *Provisioner) Teardown(ctx context.Context, proj *models.Project) {
	if proj.ContainerID != nil {
		p.teardown(ctx, ContainerName(proj.ID))
	}
	p.ws.Remove(proj.ID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
