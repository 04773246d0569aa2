package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrRemoteRepositoryMissing signals the peer does not have the repository.
// It is handled through cache invalidation, not the retry counter: retrying
// a fetch of something that does not exist only burns cycles.
var ErrRemoteRepositoryMissing = errors.New("remote repository does not exist")

// Git runs the git operations a sync attempt needs. The interface keeps the
// driver testable without a git binary or network.
type Git interface {
	// EnsureRepository creates a bare repository at path unless one exists.
	EnsureRepository(ctx context.Context, path string) error
	// Fetch mirrors all refs from remoteURL into the repository at path.
	// extraHeader, when non-empty, is passed to git as an additional HTTP
	// header (carries the signed bearer token).
	Fetch(ctx context.Context, path, remoteURL, extraHeader string) error
}

// ExecGit shells out to the git binary.
type ExecGit struct {
	log logrus.FieldLogger
}

// NewExecGit returns a Git implementation backed by the git binary.
func NewExecGit(log logrus.FieldLogger) *ExecGit {
	return &ExecGit{log: log.WithField("component", "ExecGit")}
}

// EnsureRepository creates a bare repository at path unless one exists.
func (g *ExecGit) EnsureRepository(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repository directory: %w", err)
	}

	return g.run(ctx, "", "init", "--bare", path)
}

// Fetch mirrors all refs from remoteURL into the repository at path.
func (g *ExecGit) Fetch(ctx context.Context, path, remoteURL, extraHeader string) error {
	args := []string{}
	if extraHeader != "" {
		args = append(args, "-c", "http.extraHeader=Authorization: "+extraHeader)
	}
	args = append(args, "fetch", remoteURL, "+refs/*:refs/*", "--prune")

	return g.run(ctx, path, args...)
}

func (g *ExecGit) run(ctx context.Context, dir string, args ...string) error {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := stderr.String()
		if isRepositoryMissing(message) {
			return ErrRemoteRepositoryMissing
		}
		return fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(message))
	}

	return nil
}

func isRepositoryMissing(stderr string) bool {
	for _, marker := range []string{
		"repository not found",
		"does not appear to be a git repository",
	} {
		if strings.Contains(strings.ToLower(stderr), marker) {
			return true
		}
	}
	return false
}
