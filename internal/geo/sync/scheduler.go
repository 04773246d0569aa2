package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/eventlog"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
)

// ErrProjectNotFound is returned when no project matches the ID.
var ErrProjectNotFound = errors.New("project not found")

// ProjectResolver maps a project ID to its replication path. Events carry
// only the ID; the path lives in the mirrored application database.
type ProjectResolver interface {
	Resolve(ctx context.Context, projectID int64) (Project, error)
}

// FDWProjectResolver resolves projects through the secondary's foreign data
// wrapper mirror of the application database.
type FDWProjectResolver struct {
	db glsql.Querier
}

// NewFDWProjectResolver returns a resolver over db.
func NewFDWProjectResolver(db glsql.Querier) *FDWProjectResolver {
	return &FDWProjectResolver{db: db}
}

// Resolve implements ProjectResolver.
func (r *FDWProjectResolver) Resolve(ctx context.Context, projectID int64) (Project, error) {
	var path string
	err := r.db.QueryRowContext(ctx,
		"SELECT path_with_namespace FROM gitlab_secondary.projects WHERE id = $1",
		projectID,
	).Scan(&path)
	if err == sql.ErrNoRows {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("resolve project %d: %w", projectID, err)
	}

	return Project{ID: projectID, Path: path}, nil
}

// MemoryProjectResolver is an in-memory ProjectResolver for tests.
type MemoryProjectResolver struct {
	Projects map[int64]string
}

// Resolve implements ProjectResolver.
func (r *MemoryProjectResolver) Resolve(_ context.Context, projectID int64) (Project, error) {
	path, ok := r.Projects[projectID]
	if !ok {
		return Project{}, ErrProjectNotFound
	}
	return Project{ID: projectID, Path: path}, nil
}

// Scheduler turns replication triggers, log events and pushed update
// batches, into driver runs for the affected entities.
type Scheduler struct {
	log        logrus.FieldLogger
	driver     *Driver
	registry   datastore.RegistryStore
	resolver   ProjectResolver
	root       string
	nodeName   string
	namespaces []string
	primary    *config.Node
	git        Git
	signer     *signing.Signer
	flush      func(ctx context.Context) error
}

// NewScheduler wires a Scheduler. root is the repositories root directory of
// the local node; namespaces optionally restricts replication to the listed
// namespaces; flush may be nil when no derived caches exist.
func NewScheduler(
	log logrus.FieldLogger,
	driver *Driver,
	registry datastore.RegistryStore,
	resolver ProjectResolver,
	root, nodeName string,
	namespaces []string,
	primary *config.Node,
	git Git,
	signer *signing.Signer,
	flush func(ctx context.Context) error,
) *Scheduler {
	return &Scheduler{
		log:        log.WithField("component", "sync.Scheduler"),
		driver:     driver,
		registry:   registry,
		resolver:   resolver,
		root:       root,
		nodeName:   nodeName,
		namespaces: namespaces,
		primary:    primary,
		git:        git,
		signer:     signer,
		flush:      flush,
	}
}

// replicates applies the node's namespace restriction to a project path. An
// empty restriction list replicates everything.
func (s *Scheduler) replicates(path string) bool {
	if len(s.namespaces) == 0 {
		return true
	}
	for _, namespace := range s.namespaces {
		if path == namespace || strings.HasPrefix(path, namespace+"/") {
			return true
		}
	}
	return false
}

// HandleEvent reacts to one event log entry.
func (s *Scheduler) HandleEvent(ctx context.Context, event eventlog.Event) error {
	logger := s.log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": string(event.Type)})

	switch payload := event.Payload.(type) {
	case *eventlog.RepositoryUpdated:
		return s.syncUpdated(ctx, event.ProjectID, payload.Source)
	case *eventlog.RepositoryCreated:
		return s.syncProject(ctx, Project{ID: event.ProjectID, Path: payload.RepoPath}, payload.WikiPath != "")
	case *eventlog.RepositoryDeleted:
		return s.removeProject(ctx, event.ProjectID, payload)
	case *eventlog.RepositoryRenamed:
		return s.renameProject(logger, payload)
	case *eventlog.RepositoriesChanged:
		if payload.NodeName == s.nodeName {
			logger.Info("bulk repository change for this node, entities re-sync on their next cycle")
		}
		return nil
	default:
		logger.Warn("ignoring event with unknown payload")
		return nil
	}
}

// HandleRefresh reacts to a pushed batch of update notifications.
func (s *Scheduler) HandleRefresh(ctx context.Context, jobs []datastore.UpdateJob) error {
	for _, job := range jobs {
		project, err := s.resolver.Resolve(ctx, job.ProjectID)
		if err == ErrProjectNotFound {
			s.log.WithField("project_id", job.ProjectID).Warn("skipping notification for unknown project")
			continue
		}
		if err != nil {
			return err
		}

		if err := s.syncProject(ctx, project, true); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) syncUpdated(ctx context.Context, projectID int64, source eventlog.UpdateSource) error {
	project, err := s.resolver.Resolve(ctx, projectID)
	if err == ErrProjectNotFound {
		s.log.WithField("project_id", projectID).Warn("skipping update for unknown project")
		return nil
	}
	if err != nil {
		return err
	}

	if !s.replicates(project.Path) {
		s.log.WithField("project", project.Path).Debug("project outside replicated namespaces, skipping")
		return nil
	}

	syncer := NewRepositorySyncer(project, s.root, s.primary, s.git, s.signer, s.flush)
	if source == eventlog.SourceWiki {
		syncer = NewWikiSyncer(project, s.root, s.primary, s.git, s.signer, s.flush)
	}

	return s.driver.Run(ctx, syncer)
}

func (s *Scheduler) syncProject(ctx context.Context, project Project, withWiki bool) error {
	if !s.replicates(project.Path) {
		s.log.WithField("project", project.Path).Debug("project outside replicated namespaces, skipping")
		return nil
	}

	if err := s.driver.Run(ctx, NewRepositorySyncer(project, s.root, s.primary, s.git, s.signer, s.flush)); err != nil {
		return err
	}
	if !withWiki {
		return nil
	}

	return s.driver.Run(ctx, NewWikiSyncer(project, s.root, s.primary, s.git, s.signer, s.flush))
}

func (s *Scheduler) removeProject(ctx context.Context, projectID int64, payload *eventlog.RepositoryDeleted) error {
	if !s.replicates(payload.RepoPath) {
		return nil
	}

	for _, kind := range []datastore.Kind{datastore.KindRepository, datastore.KindWiki} {
		if err := s.registry.Delete(ctx, projectID, kind); err != nil && err != datastore.ErrNotFound {
			return fmt.Errorf("delete registry entry: %w", err)
		}
	}

	paths := []string{payload.RepoPath + ".git"}
	if payload.WikiPath != "" {
		paths = append(paths, payload.WikiPath+".git")
	}
	for _, path := range paths {
		if err := os.RemoveAll(filepath.Join(s.root, path)); err != nil {
			return fmt.Errorf("remove deleted repository: %w", err)
		}
	}

	return nil
}

func (s *Scheduler) renameProject(logger logrus.FieldLogger, payload *eventlog.RepositoryRenamed) error {
	if !s.replicates(payload.OldPath) && !s.replicates(payload.NewPath) {
		return nil
	}

	for _, suffix := range []string{".git", ".wiki.git"} {
		oldPath := filepath.Join(s.root, payload.OldPath+suffix)
		newPath := filepath.Join(s.root, payload.NewPath+suffix)

		if _, err := os.Stat(oldPath); os.IsNotExist(err) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
			return fmt.Errorf("create renamed repository parent: %w", err)
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("rename repository: %w", err)
		}

		logger.WithFields(logrus.Fields{"from": oldPath, "to": newPath}).Info("repository moved")
	}

	return nil
}
