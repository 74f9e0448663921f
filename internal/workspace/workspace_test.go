package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCreatesLayout(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.Ensure("proj-1"))

	for _, dir := range []string{l.RepoDir("proj-1"), l.ArtifactsDir("proj-1")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestRemoveDeletesTree(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.Ensure("proj-1"))
	require.NoError(t, os.WriteFile(filepath.Join(l.RepoDir("proj-1"), "f.txt"), []byte("x"), 0o644))

	l.Remove("proj-1")

	_, err := os.Stat(l.ProjectDir("proj-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestMounts(t *testing.T) {
	l := Layout{Root: "/data", CredentialsHostPath: "/etc/creds"}
	mounts := l.Mounts("p1", "")
	require.Len(t, mounts, 3)
	assert.Equal(t, "/data/p1/repo", mounts[0].HostPath)
	assert.Equal(t, RepoMountPath, mounts[0].ContainerPath)
	assert.Equal(t, ArtifactsMountPath, mounts[1].ContainerPath)
	assert.True(t, mounts[2].ReadOnly)

	withDev := l.Mounts("p1", "/src/agent")
	require.Len(t, withDev, 4)
	assert.Equal(t, DevAgentSourcePath, withDev[3].ContainerPath)
	assert.False(t, withDev[3].ReadOnly)
}
