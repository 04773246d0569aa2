// Package eventlog implements the append-only log of replication-relevant
// facts written on the primary and consumed by secondaries, together with the
// gap tracker that detects and backfills event IDs a consumer missed.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType tags the single variant an event carries.
type EventType string

const (
	// TypeRepositoryUpdated signals new content in a project or wiki repository.
	TypeRepositoryUpdated EventType = "repository_updated"
	// TypeRepositoryCreated signals a project repository came into existence.
	TypeRepositoryCreated EventType = "repository_created"
	// TypeRepositoryDeleted signals a project repository was removed.
	TypeRepositoryDeleted EventType = "repository_deleted"
	// TypeRepositoryRenamed signals a project repository moved to a new path.
	TypeRepositoryRenamed EventType = "repository_renamed"
	// TypeRepositoriesChanged signals a bulk change scoped to one Geo node.
	TypeRepositoriesChanged EventType = "repositories_changed"
)

// UpdateSource distinguishes which repository of a project was updated.
type UpdateSource string

const (
	// SourceRepository is the project's main git repository.
	SourceRepository UpdateSource = "repository"
	// SourceWiki is the project's wiki repository.
	SourceWiki UpdateSource = "wiki"
)

// Payload is one concrete event variant.
type Payload interface {
	EventType() EventType
}

// RepositoryUpdated carries the ref-level details of a push.
type RepositoryUpdated struct {
	Refs          []string     `json:"refs"`
	BranchesCount int          `json:"branches_count"`
	TagsCount     int          `json:"tags_count"`
	NewBranch     bool         `json:"new_branch"`
	RemoveBranch  bool         `json:"remove_branch"`
	Source        UpdateSource `json:"source"`
}

// EventType implements Payload.
func (RepositoryUpdated) EventType() EventType { return TypeRepositoryUpdated }

// RepositoryCreated carries the paths of a newly created project.
type RepositoryCreated struct {
	RepoPath    string `json:"repo_path"`
	WikiPath    string `json:"wiki_path,omitempty"`
	ProjectName string `json:"project_name"`
	StorageName string `json:"repository_storage_name"`
}

// EventType implements Payload.
func (RepositoryCreated) EventType() EventType { return TypeRepositoryCreated }

// RepositoryDeleted carries the on-disk paths that secondaries must remove.
type RepositoryDeleted struct {
	RepoPath    string `json:"deleted_path"`
	WikiPath    string `json:"deleted_wiki_path,omitempty"`
	ProjectName string `json:"deleted_project_name"`
	StorageName string `json:"repository_storage_name"`
}

// EventType implements Payload.
func (RepositoryDeleted) EventType() EventType { return TypeRepositoryDeleted }

// RepositoryRenamed carries the old and new repository paths.
type RepositoryRenamed struct {
	OldPath string `json:"old_path_with_namespace"`
	NewPath string `json:"new_path_with_namespace"`
}

// EventType implements Payload.
func (RepositoryRenamed) EventType() EventType { return TypeRepositoryRenamed }

// RepositoriesChanged references the Geo node whose repositories changed in
// bulk, for example after a namespace restriction update.
type RepositoriesChanged struct {
	NodeName string `json:"geo_node_name"`
}

// EventType implements Payload.
func (RepositoriesChanged) EventType() EventType { return TypeRepositoriesChanged }

// Event is one immutable, monotonically ID'd log entry holding exactly one
// payload variant. IDs are assigned by the log itself; consumers must
// tolerate gaps, which appear when a concurrent writer obtained an ID but
// never committed.
type Event struct {
	ID        int64
	Type      EventType
	ProjectID int64
	CreatedAt time.Time
	Payload   Payload
}

// ErrEventNotFound is returned when the requested event ID has no row, which
// is an expected state for a gap that has not filled in yet.
var ErrEventNotFound = errors.New("event not found")

// Log is the append-only event store.
type Log interface {
	// Append inserts a new entry and returns it with its assigned ID.
	Append(ctx context.Context, projectID int64, payload Payload) (Event, error)
	// ByID fetches a single entry, or ErrEventNotFound.
	ByID(ctx context.Context, id int64) (Event, error)
	// After returns up to limit entries with IDs greater than afterID, in
	// ascending ID order.
	After(ctx context.Context, afterID int64, limit int) ([]Event, error)
}

// ParsePayload decodes the JSON encoding of the payload variant tagged by
// eventType.
func ParsePayload(eventType EventType, data []byte) (Payload, error) {
	return unmarshalPayload(eventType, data)
}

func unmarshalPayload(eventType EventType, data []byte) (Payload, error) {
	var payload Payload
	switch eventType {
	case TypeRepositoryUpdated:
		payload = &RepositoryUpdated{}
	case TypeRepositoryCreated:
		payload = &RepositoryCreated{}
	case TypeRepositoryDeleted:
		payload = &RepositoryDeleted{}
	case TypeRepositoryRenamed:
		payload = &RepositoryRenamed{}
	case TypeRepositoriesChanged:
		payload = &RepositoriesChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	return payload, nil
}
