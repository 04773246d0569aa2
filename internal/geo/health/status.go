// Package health reports per-node replication health: the replica checks a
// secondary must pass, the status document nodes exchange, and the poller
// that aggregates status across the cluster.
package health

import (
	"bytes"
	"strconv"
)

// Number is a status figure that may be unknown. Nodes of different versions
// exchange status documents, so an absent, null or non-numeric field decodes
// as unknown instead of failing the whole document.
type Number struct {
	Value int64
	Known bool
}

// Known returns a known Number carrying v.
func Known(v int64) Number {
	return Number{Value: v, Known: true}
}

// MarshalJSON implements json.Marshaler. Unknown values encode as null.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Known {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(n.Value, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	raw := bytes.Trim(bytes.TrimSpace(data), `"`)

	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		*n = Number{}
		return nil
	}

	*n = Number{Value: value, Known: true}
	return nil
}

// Status is the document a node publishes on its status endpoint and the
// primary aggregates across secondaries.
type Status struct {
	NodeName string `json:"node_name"`
	// Healthy is false when any replica check fails; Diagnostic then carries
	// the first failing check's message.
	Healthy    bool   `json:"healthy"`
	Diagnostic string `json:"health_status"`

	RepositoriesCount       Number `json:"repositories_count"`
	RepositoriesSyncedCount Number `json:"repositories_synced_count"`
	RepositoriesFailedCount Number `json:"repositories_failed_count"`
	WikisSyncedCount        Number `json:"wikis_synced_count"`
	WikisFailedCount        Number `json:"wikis_failed_count"`
	FilesSyncedCount        Number `json:"files_synced_count"`
	FilesFailedCount        Number `json:"files_failed_count"`

	LastEventID       Number `json:"last_event_id"`
	CursorLastEventID Number `json:"cursor_last_event_id"`
	UpdateQueueDepth  Number `json:"update_queue_depth"`

	ReplicationLagSeconds Number `json:"db_replication_lag_seconds"`
}
