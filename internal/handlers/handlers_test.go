package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"refactor-cloud/internal/agentrelay"
	"refactor-cloud/internal/auth"
	"refactor-cloud/internal/config"
	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/files"
	"refactor-cloud/internal/logstream"
	"refactor-cloud/internal/middleware"
	"refactor-cloud/internal/provision"
	"refactor-cloud/internal/store"
	"refactor-cloud/internal/workspace"
	"refactor-cloud/pkg/models"
)

type env struct {
	router *gin.Engine
	store  *store.Store
	driver *docker.Mock
	auth   *auth.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Project{}))

	cfg := &config.Config{
		ContainerImage:     "agent:test",
		WorkspaceRoot:      t.TempDir(),
		AgentPort:          8000,
		StopTimeout:        time.Second,
		HealthWaitTimeout:  time.Second,
		HealthPollInterval: 10 * time.Millisecond,
		GitCloneTimeout:    time.Second,
		GitCloneDepth:      1,
		TreeMaxDepth:       6,
		FileContentCap:     1 << 20,
	}

	st := store.New(db)
	mock := &docker.Mock{}
	ws := workspace.Layout{Root: cfg.WorkspaceRoot}
	authService := auth.NewService("test-secret")

	h := &Handler{
		Store:  st,
		Prov:   provision.New(st, mock, ws, cfg),
		Relay:  agentrelay.New(st, cfg.AgentPort),
		Logs:   logstream.New(mock),
		Files:  files.New(mock, cfg.TreeMaxDepth, cfg.FileContentCap),
		Driver: mock,
		Cfg:    cfg,
	}

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireAuth(authService))
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects", h.ListProjects)
		v1.GET("/projects/:id", h.GetProject)
		v1.PUT("/projects/:id", h.UpdateProject)
		v1.DELETE("/projects/:id", h.DeleteProject)
		v1.POST("/projects/:id/provision", h.ProvisionProject)
		v1.POST("/projects/:id/stop", h.StopProject)
		v1.GET("/projects/:id/files/tree", h.FileTree)
		v1.GET("/projects/:id/files/content", h.FileContent)
		v1.POST("/projects/:id/agent/reset-session", h.ResetAgentSession)
	}

	return &env{router: router, store: st, driver: mock, auth: authService}
}

func (e *env) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.auth.Sign(userID, "tester", "tester@example.com", time.Minute)
	require.NoError(t, err)
	return token
}

func (e *env) do(t *testing.T, userID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateProjectHappy(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects", gin.H{
		"project_type": "REFACTOR",
		"title":        "migrate",
		"repo_url":     "https://github.com/owner/repo.git",
		"branch":       "main",
		"spec":         "migrate to X",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CREATED", resp["status"])
	assert.Equal(t, "REFACTOR", resp["project_type"])
	assert.NotEmpty(t, resp["id"])
}

func TestCreateProjectDefaultsBranch(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects", gin.H{
		"project_type": "REFACTOR",
		"repo_url":     "https://github.com/owner/repo.git",
		"spec":         "x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "main", resp["branch"])
}

func TestCreateProjectBadURLLeavesNoRecord(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects", gin.H{
		"project_type": "REFACTOR",
		"repo_url":     "https://github.com/owner/repo.git; rm -rf /",
		"branch":       "main",
		"spec":         "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_GIT_URL")

	projects, err := e.store.ListByOwner(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestCreateProjectRefactorRequiresRepoURL(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects", gin.H{
		"project_type": "REFACTOR",
		"spec":         "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthenticatedRejected(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "", http.MethodGet, "/api/v1/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOwnershipEnforced(t *testing.T) {
	e := newEnv(t)
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox, Status: models.StatusCreated}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-2", http.MethodGet, "/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "user-1", http.MethodGet, "/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetProjectDockerStatusInconsistent(t *testing.T) {
	e := newEnv(t)
	cid := "gone"
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox, Status: models.StatusReady, ContainerID: &cid}
	require.NoError(t, e.store.Create(context.Background(), p))

	e.driver.InspectFn = func(ctx context.Context, id string) (docker.ContainerInfo, error) {
		return docker.ContainerInfo{State: docker.StateMissing}, nil
	}

	rec := e.do(t, "user-1", http.MethodGet, "/api/v1/projects/"+p.ID+"?docker_status=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status       string `json:"status"`
		DockerStatus *struct {
			State        string `json:"state"`
			Inconsistent bool   `json:"inconsistent"`
		} `json:"docker_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.DockerStatus)
	assert.Equal(t, "not_found", resp.DockerStatus.State)
	assert.True(t, resp.DockerStatus.Inconsistent)
	// The record itself is never auto-healed on read.
	assert.Equal(t, models.StatusReady, resp.Status)
}

func TestUpdateRepoURLImmutableAfterCreated(t *testing.T) {
	e := newEnv(t)
	url := "https://github.com/owner/repo.git"
	branch := "main"
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindRefactor,
		RepoURL: &url, Branch: &branch, Status: models.StatusReady}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodPut, "/api/v1/projects/"+p.ID, gin.H{
		"repo_url": "https://github.com/other/repo.git",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Plain metadata updates still pass.
	rec = e.do(t, "user-1", http.MethodPut, "/api/v1/projects/"+p.ID, gin.H{"title": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "renamed")
}

func TestDeleteIdempotent(t *testing.T) {
	e := newEnv(t)
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox, Status: models.StatusCreated}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodDelete, "/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "user-1", http.MethodDelete, "/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteBlockedWhileProvisioning(t *testing.T) {
	e := newEnv(t)
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox, Status: models.StatusProvisioning}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodDelete, "/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProvisionConflictReturns409(t *testing.T) {
	e := newEnv(t)
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox, Status: models.StatusProvisioning}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects/"+p.ID+"/provision", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONFLICTING_STATE")
}

func TestStopIdempotentOnStopped(t *testing.T) {
	e := newEnv(t)
	cid := "abc"
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox,
		Status: models.StatusStopped, ContainerID: &cid}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects/"+p.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "STOPPED")
}

func TestFilesRequireContainer(t *testing.T) {
	e := newEnv(t)
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox, Status: models.StatusCreated}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodGet, "/api/v1/projects/"+p.ID+"/files/tree", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFileContentBadPath(t *testing.T) {
	e := newEnv(t)
	cid := "abc"
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindSandbox,
		Status: models.StatusReady, ContainerID: &cid}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodGet, "/api/v1/projects/"+p.ID+"/files/content?path=../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PATH")
}

func TestResetSessionClearsThread(t *testing.T) {
	e := newEnv(t)
	thread := "thread-1"
	p := &models.Project{OwnerID: "user-1", Title: "p", Kind: models.KindRefactor,
		Status: models.StatusReady, RefactorThreadID: &thread}
	require.NoError(t, e.store.Create(context.Background(), p))

	rec := e.do(t, "user-1", http.MethodPost, "/api/v1/projects/"+p.ID+"/agent/reset-session", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := e.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RefactorThreadID)
}

func TestProjectNotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "user-1", http.MethodGet, "/api/v1/projects/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
