// Package audit provides PostgreSQL-backed storage for connector operational
// events. This is a side-channel for forensics and ops tooling, not protocol
// state: the connector's client records, send queues, and registry remain
// entirely in-memory (spec §6). Audit writes are best-effort: Record runs the
// insert synchronously on the caller's goroutine and returns any error to
// the caller, which logs or ignores it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validEvents is the set of allowed event values, matching the CHECK
// constraint on the connector_events table.
var validEvents = map[string]bool{
	"drop":       true,
	"invalidate": true,
	"redirect":   true,
	"ban":        true,
}

// Store manages connector operational events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Event represents a single operational event to be persisted.
type Event struct {
	ClientID int64
	Kind     string // one of validEvents
	Detail   map[string]interface{}
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts an operational event into PostgreSQL. Detail is marshalled
// to JSONB. The event kind is validated against the allowed set before
// insertion.
func (s *Store) Record(ctx context.Context, ev *Event) error {
	if !validEvents[ev.Kind] {
		return fmt.Errorf("audit: invalid event kind %q", ev.Kind)
	}

	var detailJSON []byte
	if len(ev.Detail) > 0 {
		var err error
		detailJSON, err = json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail: %w", err)
		}
	}

	const query = `
		INSERT INTO connector_events (id, client_id, event, detail)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, uuid.NewString(), ev.ClientID, ev.Kind, detailJSON)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of events of the given kind recorded for a
// client id within the given time window. Nothing in the connector calls it;
// auto-ban decisions use only the banlist's Redis offense counter.
func (s *Store) CountRecent(ctx context.Context, clientID int64, kind string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM connector_events
		WHERE client_id = $1
		  AND event = $2
		  AND created_at >= NOW() - $3::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, clientID, kind, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
