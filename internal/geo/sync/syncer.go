package sync

import (
	"context"
	"fmt"
	"path/filepath"

	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
)

// Project identifies a replicated project and its repository paths relative
// to the repositories root.
type Project struct {
	ID   int64
	Path string
}

// RepoPath is the project repository's path with the conventional suffix.
func (p Project) RepoPath() string { return p.Path + ".git" }

// WikiPath is the wiki repository's path with the conventional suffix.
func (p Project) WikiPath() string { return p.Path + ".wiki.git" }

// ConfigError marks a misconfiguration that aborts the current cycle. It is
// not counted against the retry budget; the next scheduled trigger retries.
type ConfigError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string { return "sync misconfigured: " + e.Reason }

// Syncer is one replicable entity kind. The two concrete implementations
// share the Driver, which owns the retry/redownload policy.
type Syncer interface {
	Kind() datastore.Kind
	EntityID() int64
	// LocalPath is the entity's on-disk repository path.
	LocalPath() string
	// Fetch performs one incremental fetch into LocalPath, creating the
	// local repository when needed.
	Fetch(ctx context.Context) error
	// FlushCache invalidates any derived local state after the repository
	// changed (or turned out to be gone on the peer).
	FlushCache(ctx context.Context) error
}

type repoSyncer struct {
	kind     datastore.Kind
	project  Project
	repoPath string
	root     string
	primary  *config.Node
	git      Git
	signer   *signing.Signer
	flush    func(ctx context.Context) error
}

// NewRepositorySyncer returns the Syncer for a project's main repository.
func NewRepositorySyncer(project Project, root string, primary *config.Node, git Git, signer *signing.Signer, flush func(ctx context.Context) error) Syncer {
	return &repoSyncer{
		kind:     datastore.KindRepository,
		project:  project,
		repoPath: project.RepoPath(),
		root:     root,
		primary:  primary,
		git:      git,
		signer:   signer,
		flush:    flush,
	}
}

// NewWikiSyncer returns the Syncer for a project's wiki repository.
func NewWikiSyncer(project Project, root string, primary *config.Node, git Git, signer *signing.Signer, flush func(ctx context.Context) error) Syncer {
	return &repoSyncer{
		kind:     datastore.KindWiki,
		project:  project,
		repoPath: project.WikiPath(),
		root:     root,
		primary:  primary,
		git:      git,
		signer:   signer,
		flush:    flush,
	}
}

func (s *repoSyncer) Kind() datastore.Kind { return s.kind }

func (s *repoSyncer) EntityID() int64 { return s.project.ID }

func (s *repoSyncer) LocalPath() string { return filepath.Join(s.root, s.repoPath) }

// remote picks the fetch URL and auth header from the primary's
// configuration: SSH with the clone-URL prefix when one is set, HTTP with a
// signed bearer header otherwise.
func (s *repoSyncer) remote() (url, header string, err error) {
	if s.primary.CloneURLPrefix != "" {
		return s.primary.CloneURLPrefix + s.repoPath, "", nil
	}

	if s.primary.URL == "" {
		return "", "", &ConfigError{Reason: "primary node has neither URL nor clone URL prefix"}
	}

	header, err = s.signer.Header(map[string]interface{}{"scope": s.repoPath})
	if err != nil {
		return "", "", fmt.Errorf("sign fetch request: %w", err)
	}

	return s.primary.URL + "/" + s.repoPath, header, nil
}

func (s *repoSyncer) Fetch(ctx context.Context) error {
	url, header, err := s.remote()
	if err != nil {
		return err
	}

	if err := s.git.EnsureRepository(ctx, s.LocalPath()); err != nil {
		return err
	}

	return s.git.Fetch(ctx, s.LocalPath(), url, header)
}

func (s *repoSyncer) FlushCache(ctx context.Context) error {
	if s.flush == nil {
		return nil
	}
	return s.flush(ctx)
}
