// Package files browses a project container's workspace through driver
// exec calls; nothing is read from the host filesystem.
package files

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/sanitize"
)

var ErrReadFailed = errors.New("file read failed")

const execTimeout = 5 * time.Second

// Node is one entry in the workspace tree.
type Node struct {
	Type     string  `json:"type"` // "file" or "directory"
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Children []*Node `json:"children,omitempty"`
}

// Content is a file read result, possibly truncated at the byte cap.
type Content struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

type Browser struct {
	driver     docker.Driver
	maxDepth   int
	contentCap int64
}

func New(driver docker.Driver, maxDepth int, contentCap int64) *Browser {
	return &Browser{driver: driver, maxDepth: maxDepth, contentCap: contentCap}
}

// Tree lists the container workspace as a nested tree, bounded to the
// configured depth.
func (b *Browser) Tree(ctx context.Context, containerName string) (*Node, error) {
	argv := []string{
		"find", sanitize.ContainerWorkspace,
		"-maxdepth", fmt.Sprintf("%d", b.maxDepth),
		"-printf", "%y %p\\n",
	}
	res, err := b.driver.Exec(ctx, containerName, argv, "", execTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: find exited %d: %s", ErrReadFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseTree(res.Stdout), nil
}

// parseTree assembles find output (type-letter, space, path per line)
// into a tree. find emits parents before children, so a single pass
// with a path index suffices.
func parseTree(out string) *Node {
	root := &Node{Type: "directory", Name: path.Base(sanitize.ContainerWorkspace), Path: sanitize.ContainerWorkspace}
	index := map[string]*Node{sanitize.ContainerWorkspace: root}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 3 {
			continue
		}
		kind, p := line[0], line[2:]
		if p == sanitize.ContainerWorkspace {
			continue
		}
		nodeType := "file"
		if kind == 'd' {
			nodeType = "directory"
		}
		node := &Node{Type: nodeType, Name: path.Base(p), Path: p}
		if nodeType == "directory" {
			index[p] = node
		}
		if parent, ok := index[path.Dir(p)]; ok {
			parent.Children = append(parent.Children, node)
		}
	}
	return root
}

// Read returns a workspace file's content, replacement-decoded to valid
// UTF-8 and truncated at the configured cap.
func (b *Browser) Read(ctx context.Context, containerName, relPath string) (*Content, error) {
	abs, err := sanitize.CleanRelPath(relPath)
	if err != nil {
		return nil, err
	}
	res, err := b.driver.Exec(ctx, containerName, []string{"cat", abs}, "", execTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s", ErrReadFailed, strings.TrimSpace(res.Stderr))
	}

	content := res.Stdout
	truncated := false
	if int64(len(content)) > b.contentCap {
		content = content[:b.contentCap]
		truncated = true
	}
	return &Content{
		Content:   strings.ToValidUTF8(content, "�"),
		Truncated: truncated,
	}, nil
}
