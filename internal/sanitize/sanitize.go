// Package sanitize validates user-supplied strings that end up near a
// shell boundary. The contract is reject, never escape: any input
// containing a shell metacharacter is refused outright, even though the
// docker driver only ever passes argv vectors.
package sanitize

import (
	"errors"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	ErrInvalidGitURL = errors.New("invalid git url")
	ErrInvalidBranch = errors.New("invalid branch name")
	ErrInvalidPath   = errors.New("invalid path")
)

// ContainerWorkspace is the in-container root all browsed paths must
// stay under.
const ContainerWorkspace = "/workspace"

const maxGitURLLen = 500

// metaChars are rejected wherever user input could reach a command line.
const metaChars = ";&|$`(){}[]<>!'\"\\*?~#\n\r\t "

var (
	httpsURLRe = regexp.MustCompile(`^https://[A-Za-z0-9][A-Za-z0-9.-]*(:[0-9]+)?/[A-Za-z0-9._/-]+$`)
	scpURLRe   = regexp.MustCompile(`^git@[A-Za-z0-9][A-Za-z0-9.-]*:[A-Za-z0-9._/-]+$`)
	branchRe   = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,255}$`)
)

func hasMetaChar(s string) bool {
	return strings.ContainsAny(s, metaChars)
}

// CleanGitURL validates a clone URL. Accepted shapes are
// https://host/path[.git] and git@host:path[.git].
func CleanGitURL(raw string) (string, error) {
	if raw == "" || len(raw) > maxGitURLLen {
		return "", ErrInvalidGitURL
	}
	if hasMetaChar(raw) || strings.ContainsRune(raw, 0) {
		return "", ErrInvalidGitURL
	}
	if !httpsURLRe.MatchString(raw) && !scpURLRe.MatchString(raw) {
		return "", ErrInvalidGitURL
	}
	if strings.Contains(raw, "..") {
		return "", ErrInvalidGitURL
	}
	return raw, nil
}

// CleanBranch validates a git branch name against a conservative subset
// of git's ref rules.
func CleanBranch(raw string) (string, error) {
	if !branchRe.MatchString(raw) {
		return "", ErrInvalidBranch
	}
	if strings.HasPrefix(raw, "-") || strings.HasPrefix(raw, "/") ||
		strings.HasSuffix(raw, "/") || strings.HasSuffix(raw, ".") {
		return "", ErrInvalidBranch
	}
	if strings.Contains(raw, "..") || strings.Contains(raw, "//") {
		return "", ErrInvalidBranch
	}
	return raw, nil
}

// CleanRelPath validates a workspace-relative file path and returns the
// absolute in-container path under ContainerWorkspace. The input is
// URL-decoded exactly once, so a double-encoded traversal still carries
// a visible %2e%2e after decoding and is rejected.
func CleanRelPath(raw string) (string, error) {
	if raw == "" || len(raw) > 1024 {
		return "", ErrInvalidPath
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", ErrInvalidPath
	}
	lower := strings.ToLower(decoded)
	if strings.Contains(decoded, "..") || strings.Contains(lower, "%2e%2e") {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(decoded, "/") || strings.ContainsRune(decoded, 0) {
		return "", ErrInvalidPath
	}
	if strings.ContainsAny(decoded, ";&|$`(){}[]<>!'\"\\\n\r\t") {
		return "", ErrInvalidPath
	}
	abs := path.Clean(ContainerWorkspace + "/" + decoded)
	if abs != ContainerWorkspace && !strings.HasPrefix(abs, ContainerWorkspace+"/") {
		return "", ErrInvalidPath
	}
	return abs, nil
}
