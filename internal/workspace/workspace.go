// Package workspace manages the per-project host directory layout and
// the mount plan handed to the container driver.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/logging"
)

// In-container mount points. The agent's contract expects exactly these.
const (
	RepoMountPath      = "/workspace/repo"
	ArtifactsMountPath = "/workspace/artifacts"
	CredentialsPath    = "/credentials"
	DevAgentSourcePath = "/app/src"
)

// Layout resolves host paths for project workspaces.
type Layout struct {
	Root string
	// CredentialsHostPath, when set, is bind-mounted read-only into
	// every container so the agent can reach provider credentials.
	CredentialsHostPath string
}

func (l Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.Root, projectID)
}

func (l Layout) RepoDir(projectID string) string {
	return filepath.Join(l.Root, projectID, "repo")
}

func (l Layout) ArtifactsDir(projectID string) string {
	return filepath.Join(l.Root, projectID, "artifacts")
}

// Ensure creates the repo and artifacts directories for a project.
func (l Layout) Ensure(projectID string) error {
	for _, dir := range []string{l.RepoDir(projectID), l.ArtifactsDir(projectID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

// Remove deletes a project's workspace tree. Best-effort: failures are
// logged and swallowed so teardown never blocks on the filesystem.
func (l Layout) Remove(projectID string) {
	dir := l.ProjectDir(projectID)
	if err := os.RemoveAll(dir); err != nil {
		logging.L().Warn("workspace removal failed",
			zap.String("dir", dir), zap.Error(err))
	}
}

// Mounts returns the bind mounts for a project container. devSource,
// when non-empty, overlays the agent source tree for local development.
func (l Layout) Mounts(projectID, devSource string) []docker.Mount {
	mounts := []docker.Mount{
		{HostPath: l.RepoDir(projectID), ContainerPath: RepoMountPath},
		{HostPath: l.ArtifactsDir(projectID), ContainerPath: ArtifactsMountPath},
	}
	if l.CredentialsHostPath != "" {
		mounts = append(mounts, docker.Mount{
			HostPath:      l.CredentialsHostPath,
			ContainerPath: CredentialsPath,
			ReadOnly:      true,
		})
	}
	if devSource != "" {
		mounts = append(mounts, docker.Mount{
			HostPath:      devSource,
			ContainerPath: DevAgentSourcePath,
		})
	}
	return mounts
}
