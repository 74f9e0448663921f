package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/middleware"
	"refactor-cloud/internal/provision"
	"refactor-cloud/internal/sanitize"
	"refactor-cloud/pkg/models"
)

type createProjectRequest struct {
	ProjectType string  `json:"project_type" binding:"required"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	RepoURL     *string `json:"repo_url"`
	Branch      *string `json:"branch"`
	Spec        string  `json:"spec"`
}

// CreateProject validates inputs before anything touches the database,
// so a rejected git URL leaves no record behind.
func (h *Handler) CreateProject(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_REQUEST")
		return
	}
	if !models.ValidKind(req.ProjectType) {
		respondError(c, http.StatusBadRequest, "project_type must be REFACTOR or SANDBOX", "INVALID_REQUEST")
		return
	}

	proj := &models.Project{
		OwnerID:     userID,
		Title:       req.Title,
		Description: req.Description,
		Kind:        req.ProjectType,
		Spec:        req.Spec,
		Status:      models.StatusCreated,
	}
	if proj.Title == "" {
		proj.Title = "Untitled project"
	}

	if req.ProjectType == models.KindRefactor {
		if req.RepoURL == nil {
			respondError(c, http.StatusBadRequest, "repo_url is required for REFACTOR projects", "INVALID_REQUEST")
			return
		}
		url, err := sanitize.CleanGitURL(*req.RepoURL)
		if err != nil {
			fail(c, err)
			return
		}
		branch := "main"
		if req.Branch != nil {
			branch = *req.Branch
		}
		branch, err = sanitize.CleanBranch(branch)
		if err != nil {
			fail(c, err)
			return
		}
		proj.RepoURL = &url
		proj.Branch = &branch
	}

	if err := h.Store.Create(c.Request.Context(), proj); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(proj))
}

func (h *Handler) ListProjects(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
		return
	}
	projects, err := h.Store.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for i := range projects {
		out = append(out, toResponse(&projects[i]))
	}
	c.JSON(http.StatusOK, out)
}

// GetProject returns the record, optionally reconciled against the
// live container. A stored container_id whose container is gone is
// reported as inconsistent, never auto-healed.
func (h *Handler) GetProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	resp := toResponse(proj)

	if c.Query("docker_status") == "true" && proj.ContainerID != nil {
		info, err := h.Driver.Inspect(c.Request.Context(), provision.ContainerName(proj.ID))
		if err == nil {
			ds := &dockerStatus{State: string(info.State), Name: info.Name, Image: info.Image}
			if info.State == docker.StateMissing {
				ds.State = "not_found"
				ds.Inconsistent = true
			}
			resp.DockerStatus = ds
		}
	}
	c.JSON(http.StatusOK, resp)
}

type updateProjectRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Spec        *string `json:"spec"`
	RepoURL     *string `json:"repo_url"`
	Branch      *string `json:"branch"`
}

// UpdateProject applies a partial update. repo_url and branch are
// immutable once the project has left CREATED.
func (h *Handler) UpdateProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_REQUEST")
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Spec != nil {
		updates["spec"] = *req.Spec
	}
	if req.RepoURL != nil || req.Branch != nil {
		if proj.Status != models.StatusCreated {
			respondError(c, http.StatusConflict, "repo_url and branch are immutable after provisioning starts", "CONFLICTING_STATE")
			return
		}
		if req.RepoURL != nil {
			url, err := sanitize.CleanGitURL(*req.RepoURL)
			if err != nil {
				fail(c, err)
				return
			}
			updates["repo_url"] = url
		}
		if req.Branch != nil {
			branch, err := sanitize.CleanBranch(*req.Branch)
			if err != nil {
				fail(c, err)
				return
			}
			updates["branch"] = branch
		}
	}

	if len(updates) > 0 {
		if err := h.Store.Update(c.Request.Context(), proj.ID, updates); err != nil {
			fail(c, err)
			return
		}
	}
	proj, err := h.Store.Get(c.Request.Context(), proj.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(proj))
}

// DeleteProject tears down the container and workspace, then removes
// the record. Container removal failure does not block deletion.
func (h *Handler) DeleteProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if proj.Status == models.StatusProvisioning {
		respondError(c, http.StatusConflict, "cannot delete while provisioning", "CONFLICTING_STATE")
		return
	}

	h.Prov.Teardown(c.Request.Context(), proj)
	if err := h.Store.Delete(c.Request.Context(), proj.ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "project deleted"})
}

type provisionRequest struct {
	DevSource string `json:"dev_source"`
}

func (h *Handler) ProvisionProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var req provisionRequest
	_ = c.ShouldBindJSON(&req) // body optional

	proj, err := h.Prov.Provision(c.Request.Context(), proj.ID, provision.Opts{DevSource: req.DevSource})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(proj))
}

func (h *Handler) ReprovisionProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var req provisionRequest
	_ = c.ShouldBindJSON(&req)

	proj, err := h.Prov.Reprovision(c.Request.Context(), proj.ID, provision.Opts{DevSource: req.DevSource})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(proj))
}

func (h *Handler) StopProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	proj, err := h.Prov.Stop(c.Request.Context(), proj)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(proj))
}

type execRequest struct {
	Command        []string `json:"command" binding:"required"`
	Workdir        string   `json:"workdir"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// ExecProject runs an arbitrary command inside the project container.
// Debug surface; the command is an argv vector, never a shell string.
func (h *Handler) ExecProject(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if proj.ContainerID == nil {
		fail(c, provision.ErrNotProvisioned)
		return
	}
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Command) == 0 {
		respondError(c, http.StatusBadRequest, "command is required", "INVALID_REQUEST")
		return
	}
	timeout := 30
	if req.TimeoutSeconds > 0 && req.TimeoutSeconds <= 300 {
		timeout = req.TimeoutSeconds
	}

	res, err := h.Driver.Exec(c.Request.Context(), provision.ContainerName(proj.ID),
		req.Command, req.Workdir, secondsToDuration(timeout))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	})
}
