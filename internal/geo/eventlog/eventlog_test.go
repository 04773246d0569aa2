package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogAppendAndRead(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	first, err := log.Append(ctx, 10, &RepositoryUpdated{Source: SourceRepository, BranchesCount: 3})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.ID)
	require.Equal(t, TypeRepositoryUpdated, first.Type)

	second, err := log.Append(ctx, 11, &RepositoryDeleted{RepoPath: "group/deleted"})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ID)

	got, err := log.ByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(11), got.ProjectID)

	_, err = log.ByID(ctx, 99)
	require.Equal(t, ErrEventNotFound, err)

	events, err := log.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = log.After(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(2), events[0].ID)

	events, err = log.After(ctx, 2, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestParsePayload(t *testing.T) {
	payload, err := ParsePayload(TypeRepositoryRenamed, []byte(`{"old_path_with_namespace":"a/b","new_path_with_namespace":"a/c"}`))
	require.NoError(t, err)

	renamed, ok := payload.(*RepositoryRenamed)
	require.True(t, ok)
	require.Equal(t, "a/b", renamed.OldPath)
	require.Equal(t, "a/c", renamed.NewPath)

	_, err = ParsePayload(EventType("bogus"), []byte(`{}`))
	require.Error(t, err)
}

type failingLog struct {
	Log
}

func (failingLog) Append(context.Context, int64, Payload) (Event, error) {
	return Event{}, errors.New("append failed")
}

func TestStoreCreate(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()

	log := NewMemoryLog()

	// Secondaries never write the log.
	NewStore(logger, log, false).Create(ctx, 1, &RepositoryCreated{RepoPath: "group/project"})
	events, err := log.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)

	NewStore(logger, log, true).Create(ctx, 1, &RepositoryCreated{RepoPath: "group/project"})
	events, err = log.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// An append failure is absorbed, never surfaced to the mutation path.
	NewStore(logger, failingLog{}, true).Create(ctx, 1, &RepositoryCreated{RepoPath: "group/project"})
}
