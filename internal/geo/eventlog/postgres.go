package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// PostgresLog is the Postgres backed event log.
type PostgresLog struct {
	db glsql.Querier
}

// NewPostgresLog returns a Log persisting to Postgres.
func NewPostgresLog(db glsql.Querier) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append inserts a new entry. Payload encoding and the row insert happen in
// one statement, so a failed append leaves no partial entry behind.
func (l *PostgresLog) Append(ctx context.Context, projectID int64, payload Payload) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", payload.EventType(), err)
	}

	event := Event{Type: payload.EventType(), ProjectID: projectID, Payload: payload}
	if err := l.db.QueryRowContext(ctx, `
		INSERT INTO event_log (event_type, project_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		string(payload.EventType()), projectID, data,
	).Scan(&event.ID, &event.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	return event, nil
}

func scanEvent(scan func(dest ...interface{}) error) (Event, error) {
	var event Event
	var eventType string
	var data []byte

	if err := scan(&event.ID, &eventType, &event.ProjectID, &data, &event.CreatedAt); err != nil {
		return Event{}, err
	}

	event.Type = EventType(eventType)

	payload, err := unmarshalPayload(event.Type, data)
	if err != nil {
		return Event{}, err
	}
	event.Payload = payload

	return event, nil
}

// ByID fetches a single entry, or ErrEventNotFound.
func (l *PostgresLog) ByID(ctx context.Context, id int64) (Event, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, event_type, project_id, payload, created_at
		FROM event_log
		WHERE id = $1`,
		id,
	)

	event, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("event by id: %w", err)
	}

	return event, nil
}

// After returns up to limit entries with IDs greater than afterID.
func (l *PostgresLog) After(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, project_id, payload, created_at
		FROM event_log
		WHERE id > $1
		ORDER BY id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events after %d: %w", afterID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
