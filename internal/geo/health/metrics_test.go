package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
)

func TestMetricsSweep(t *testing.T) {
	ctx := context.Background()

	nodes := []*config.Node{
		{Name: "berlin", URL: "https://berlin.example.com"},
		{Name: "sydney", URL: "https://sydney.example.com"},
	}

	fetch := func(_ context.Context, node *config.Node) (Status, error) {
		switch node.Name {
		case "berlin":
			return Status{
				NodeName:                "berlin",
				Healthy:                 true,
				RepositoriesSyncedCount: Known(10),
				RepositoriesFailedCount: Known(2),
				LastEventID:             Known(55),
			}, nil
		default:
			return Status{}, errors.New("connection refused")
		}
	}

	store := NewMemoryStatusStore()
	metrics := NewMetrics(logrus.New(), nodes, fetch, store)

	metrics.Sweep(ctx)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.healthy.WithLabelValues("berlin")))
	require.Equal(t, 10.0, testutil.ToFloat64(metrics.synced.WithLabelValues("berlin", "repository")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.failed.WithLabelValues("berlin", "repository")))
	require.Equal(t, 55.0, testutil.ToFloat64(metrics.lastEventID.WithLabelValues("berlin")))

	// The unreachable node is reported unhealthy and the sweep continued.
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.healthy.WithLabelValues("sydney")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.pollFailures.WithLabelValues("sydney")))

	berlin, ok := store.Get("berlin")
	require.True(t, ok)
	require.True(t, berlin.Healthy)
	require.Empty(t, berlin.Diagnostic)

	sydney, ok := store.Get("sydney")
	require.True(t, ok)
	require.False(t, sydney.Healthy)
	require.True(t, strings.HasPrefix(sydney.Diagnostic, "node unreachable:"))
}

func TestMetricsSweepRecordsDiagnostic(t *testing.T) {
	ctx := context.Background()

	nodes := []*config.Node{{Name: "berlin", URL: "https://berlin.example.com"}}
	fetch := func(context.Context, *config.Node) (Status, error) {
		return Status{NodeName: "berlin", Healthy: false, Diagnostic: "no active WAL receiver"}, nil
	}

	store := NewMemoryStatusStore()
	metrics := NewMetrics(logrus.New(), nodes, fetch, store)

	metrics.Sweep(ctx)

	require.Equal(t, 0.0, testutil.ToFloat64(metrics.healthy.WithLabelValues("berlin")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.pollFailures.WithLabelValues("berlin")), "a reachable but unhealthy node is not a poll failure")

	record, ok := store.Get("berlin")
	require.True(t, ok)
	require.False(t, record.Healthy)
	require.Equal(t, "no active WAL receiver", record.Diagnostic)
}
