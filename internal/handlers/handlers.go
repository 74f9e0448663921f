// Package handlers implements the public HTTP surface.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"refactor-cloud/internal/agentrelay"
	"refactor-cloud/internal/config"
	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/files"
	"refactor-cloud/internal/logstream"
	"refactor-cloud/internal/middleware"
	"refactor-cloud/internal/provision"
	"refactor-cloud/internal/sanitize"
	"refactor-cloud/internal/store"
	"refactor-cloud/pkg/models"
)

// Handler bundles the services the HTTP layer dispatches into.
type Handler struct {
	Store  *store.Store
	Prov   *provision.Provisioner
	Relay  *agentrelay.Relay
	Logs   *logstream.Streamer
	Files  *files.Browser
	Driver docker.Driver
	Cfg    *config.Config
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func respondError(c *gin.Context, status int, msg, code string) {
	c.JSON(status, errorResponse{Success: false, Error: msg, Code: code})
}

// fail maps service errors onto HTTP statuses and machine codes.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sanitize.ErrInvalidGitURL):
		respondError(c, http.StatusBadRequest, err.Error(), "INVALID_GIT_URL")
	case errors.Is(err, sanitize.ErrInvalidBranch):
		respondError(c, http.StatusBadRequest, err.Error(), "INVALID_BRANCH")
	case errors.Is(err, sanitize.ErrInvalidPath):
		respondError(c, http.StatusBadRequest, err.Error(), "INVALID_PATH")
	case errors.Is(err, store.ErrProjectNotFound), errors.Is(err, agentrelay.ErrRunNotFound):
		respondError(c, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, store.ErrConflictingState), errors.Is(err, store.ErrIllegalTransition):
		respondError(c, http.StatusConflict, err.Error(), "CONFLICTING_STATE")
	case errors.Is(err, agentrelay.ErrProjectNotReady), errors.Is(err, provision.ErrNotProvisioned):
		respondError(c, http.StatusConflict, err.Error(), "PROJECT_NOT_READY")
	case errors.Is(err, agentrelay.ErrAgentUnreachable):
		respondError(c, http.StatusBadGateway, err.Error(), "AGENT_UNREACHABLE")
	case errors.Is(err, agentrelay.ErrUpstream):
		respondError(c, http.StatusBadGateway, err.Error(), "AGENT_ERROR")
	case errors.Is(err, docker.ErrExecTimeout):
		respondError(c, http.StatusGatewayTimeout, err.Error(), "EXEC_TIMEOUT")
	default:
		respondError(c, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

// loadOwned resolves the :id project and enforces ownership. On any
// failure the response is already written and ok is false.
func (h *Handler) loadOwned(c *gin.Context) (*models.Project, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
		return nil, false
	}
	proj, err := h.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if proj.OwnerID != userID {
		respondError(c, http.StatusForbidden, "project belongs to another user", "FORBIDDEN")
		return nil, false
	}
	return proj, true
}

// dockerStatus is the live container view attached to project reads.
type dockerStatus struct {
	State        string `json:"state"`
	Name         string `json:"name,omitempty"`
	Image        string `json:"image,omitempty"`
	Inconsistent bool   `json:"inconsistent,omitempty"`
}

// projectResponse is the public project shape.
type projectResponse struct {
	ID               string        `json:"id"`
	ProjectType      string        `json:"project_type"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	RepoURL          *string       `json:"repo_url,omitempty"`
	Branch           *string       `json:"branch,omitempty"`
	Spec             string        `json:"spec"`
	Status           string        `json:"status"`
	ContainerID      *string       `json:"container_id,omitempty"`
	RefactorThreadID *string       `json:"refactor_thread_id,omitempty"`
	LastError        *string       `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	DockerStatus     *dockerStatus `json:"docker_status,omitempty"`
}

func toResponse(p *models.Project) projectResponse {
	return projectResponse{
		ID:               p.ID,
		ProjectType:      p.Kind,
		Title:            p.Title,
		Description:      p.Description,
		RepoURL:          p.RepoURL,
		Branch:           p.Branch,
		Spec:             p.Spec,
		Status:           p.Status,
		ContainerID:      p.ContainerID,
		RefactorThreadID: p.RefactorThreadID,
		LastError:        p.LastError,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// Health is the unauthenticated liveness endpoint.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "refactor-cloud",
		"time":    time.Now().UTC(),
	})
}
