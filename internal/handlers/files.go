package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"refactor-cloud/internal/provision"
)

// StreamContainerLogs follows the project container's stdout/stderr as
// SSE log events.
func (h *Handler) StreamContainerLogs(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if proj.ContainerID == nil {
		fail(c, provision.ErrNotProvisioned)
		return
	}

	follow := c.DefaultQuery("follow", "true") == "true"
	tail := 100
	if v := c.Query("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			tail = n
		}
	}

	err := h.Logs.Stream(c.Request.Context(), provision.ContainerName(proj.ID), tail, follow, c.Writer)
	if err != nil {
		fail(c, err)
	}
}

// FileTree lists the container workspace.
func (h *Handler) FileTree(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if proj.ContainerID == nil {
		fail(c, provision.ErrNotProvisioned)
		return
	}
	tree, err := h.Files.Tree(c.Request.Context(), provision.ContainerName(proj.ID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// FileContent reads one workspace file.
func (h *Handler) FileContent(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if proj.ContainerID == nil {
		fail(c, provision.ErrNotProvisioned)
		return
	}
	p := c.Query("path")
	if p == "" {
		respondError(c, http.StatusBadRequest, "path query parameter is required", "INVALID_REQUEST")
		return
	}
	content, err := h.Files.Read(c.Request.Context(), provision.ContainerName(proj.ID), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, content)
}
