// Package agentrelay mediates between clients and the agent HTTP/SSE
// server running inside each project container. The control plane
// stores no run state of its own; every call here is a pass-through
// with status-vocabulary mapping.
package agentrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"refactor-cloud/internal/logging"
	"refactor-cloud/internal/metrics"
	"refactor-cloud/internal/provision"
	"refactor-cloud/internal/store"
	"refactor-cloud/pkg/models"
)

var (
	ErrProjectNotReady  = errors.New("project container is not ready")
	ErrAgentUnreachable = errors.New("agent unreachable")
	ErrUpstream         = errors.New("agent returned an error")
	ErrRunNotFound      = errors.New("run not found")
)

// Client-visible run statuses, mapped from the agent's task vocabulary.
const (
	RunStatusRunning = "RUNNING"
	RunStatusDone    = "DONE"
	RunStatusFailed  = "FAILED"
	RunStatusStopped = "STOPPED"
)

// MapStatus translates an agent task status into the client vocabulary.
// Unknown values pass through unchanged rather than guessing.
func MapStatus(agent string) string {
	switch agent {
	case "pending", "running":
		return RunStatusRunning
	case "success":
		return RunStatusDone
	case "failed":
		return RunStatusFailed
	case "stopped":
		return RunStatusStopped
	}
	return agent
}

// RunRequest is the client body for starting a run.
type RunRequest struct {
	Spec     string  `json:"spec"`
	ThreadID *string `json:"thread_id,omitempty"`
	Model    string  `json:"model,omitempty"`
}

// RunStarted is the response for a successfully started run.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// RunDetail is one agent task, with status already mapped.
type RunDetail struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Status       string     `json:"status"`
	Phase        string     `json:"phase"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// agentTask is the agent's own task shape.
type agentTask struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Phase        string     `json:"phase"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	ErrorMessage *string    `json:"error_message"`
}

type Relay struct {
	store     *store.Store
	agentPort int

	// short bounds non-stream calls; stream carries no timeout at all,
	// SSE reads are cancelled via request context only.
	short  *http.Client
	stream *http.Client

	log *zap.Logger

	// keepAlive is the idle interval between synthesized SSE comments;
	// tests shorten it.
	keepAlive time.Duration

	// baseURL overrides hostname derivation in tests.
	baseURL func(projectID string) string
}

func New(st *store.Store, agentPort int) *Relay {
	r := &Relay{
		store:     st,
		agentPort: agentPort,
		short:     &http.Client{Timeout: 10 * time.Second},
		stream:    &http.Client{},
		log:       logging.L().Named("agentrelay"),
		keepAlive: keepAliveInterval,
	}
	r.baseURL = func(projectID string) string {
		return fmt.Sprintf("http://%s:%d", provision.ContainerName(projectID), agentPort)
	}
	return r
}

// Reachable reports whether the project is in a status that permits
// agent calls. Starting a run needs READY; status, stop and stream
// reads also work while a run holds the project in RUNNING.
func Reachable(proj *models.Project, readOnly bool) error {
	if proj.Status == models.StatusReady {
		return nil
	}
	if readOnly && proj.Status == models.StatusRunning {
		return nil
	}
	return ErrProjectNotReady
}

// StartRun asks the agent to begin a run. The stored thread id is
// reused when the caller does not bring one, and the returned thread id
// is persisted so later runs continue the conversation.
func (r *Relay) StartRun(ctx context.Context, proj *models.Project, req RunRequest) (*RunStarted, error) {
	if err := Reachable(proj, false); err != nil {
		return nil, err
	}
	if req.ThreadID == nil && proj.RefactorThreadID != nil {
		req.ThreadID = proj.RefactorThreadID
	}
	if req.Spec == "" {
		req.Spec = proj.Spec
	}

	var resp struct {
		TaskID   string `json:"task_id"`
		ThreadID string `json:"thread_id"`
	}
	if err := r.call(ctx, proj.ID, http.MethodPost, "/run", req, &resp); err != nil {
		metrics.Get().AgentRequestsTotal.WithLabelValues("run", "error").Inc()
		return nil, err
	}
	metrics.Get().AgentRequestsTotal.WithLabelValues("run", "ok").Inc()

	if resp.ThreadID != "" {
		if err := r.store.SetThreadID(ctx, proj.ID, resp.ThreadID); err != nil {
			r.log.Warn("thread id not persisted", zap.String("project_id", proj.ID), zap.Error(err))
		}
	}

	return &RunStarted{
		RunID:     resp.TaskID,
		ProjectID: proj.ID,
		Status:    RunStatusRunning,
		Phase:     "plan",
		CreatedAt: time.Now().UTC(),
		Message:   "run started",
	}, nil
}

// StopRun asks the agent to stop a run.
func (r *Relay) StopRun(ctx context.Context, proj *models.Project, runID string) error {
	if err := Reachable(proj, true); err != nil {
		return err
	}
	err := r.call(ctx, proj.ID, http.MethodPost, "/tasks/"+runID+"/stop", nil, nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Get().AgentRequestsTotal.WithLabelValues("stop", outcome).Inc()
	return err
}

// GetRun fetches one run's state from the agent.
func (r *Relay) GetRun(ctx context.Context, proj *models.Project, runID string) (*RunDetail, error) {
	if err := Reachable(proj, true); err != nil {
		return nil, err
	}
	var task agentTask
	if err := r.call(ctx, proj.ID, http.MethodGet, "/tasks/"+runID, nil, &task); err != nil {
		return nil, err
	}
	d := toDetail(proj.ID, task)
	return &d, nil
}

// ListRuns fetches the agent's task list, most recent first.
func (r *Relay) ListRuns(ctx context.Context, proj *models.Project) ([]RunDetail, error) {
	if err := Reachable(proj, true); err != nil {
		return nil, err
	}
	var tasks []agentTask
	if err := r.call(ctx, proj.ID, http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	details := make([]RunDetail, 0, len(tasks))
	for _, t := range tasks {
		details = append(details, toDetail(proj.ID, t))
	}
	return details, nil
}

func toDetail(projectID string, t agentTask) RunDetail {
	return RunDetail{
		ID:           t.ID,
		ProjectID:    projectID,
		Status:       MapStatus(t.Status),
		Phase:        t.Phase,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		FinishedAt:   t.FinishedAt,
		ErrorMessage: t.ErrorMessage,
	}
}

// call performs a bounded JSON request against the agent.
func (r *Relay) call(ctx context.Context, projectID, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL(projectID)+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.short.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRunNotFound
	}
	if resp.StatusCode >= 400 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrUpstream, resp.StatusCode, bytes.TrimSpace(slurp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode: %v", ErrUpstream, err)
		}
	}
	return nil
}
