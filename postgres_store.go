package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the append-only saga event table. The to_status
// column denormalizes StateTransitioned targets so expiry scans can
// filter terminal sagas without replaying every stream.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_events (
	id          BIGSERIAL PRIMARY KEY,
	saga_id     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	to_status   TEXT,
	payload     JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS saga_events_saga_id_idx ON saga_events (saga_id, id);
CREATE INDEX IF NOT EXISTS saga_events_occurred_at_idx ON saga_events (occurred_at);
`

// PostgresEventStore implements EventStore on PostgreSQL using an
// append-only table. Events are never updated or deleted.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// EnsureSchema creates the saga event table and indexes if they do not
// already exist.
func (s *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create saga_events schema: %w", err)
	}
	return nil
}

// AppendEvent inserts the event as the next row of the saga's stream.
// Row insertion order (the serial id) is the stream order.
func (s *PostgresEventStore) AppendEvent(ctx context.Context, sagaID string, event SagaEvent) error {
	if err := validateAppend(sagaID, event); err != nil {
		return err
	}
	event.SagaID = sagaID

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var toStatus *string
	if event.Type == EventStateTransitioned {
		status := event.StateTransitioned.ToStatus.String()
		toStatus = &status
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO saga_events (saga_id, event_type, to_status, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sagaID, event.Type.String(), toStatus, payload, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Rehydrate replays the saga's rows in insertion order.
func (s *PostgresEventStore) Rehydrate(ctx context.Context, sagaID string) (*SagaState, error) {
	if sagaID == "" {
		return nil, NewArgumentError("sagaID", "must not be empty")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT payload
		FROM saga_events
		WHERE saga_id = $1
		ORDER BY id
	`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream: %w", err)
	}
	defer rows.Close()

	var events []SagaEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var event SagaEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to read stream: %w", rows.Err())
	}

	if len(events) == 0 {
		return nil, ErrSagaNotFound
	}
	return Replay(sagaID, events), nil
}

// ListExpired returns up to limit ids of non-terminal sagas whose last
// event occurred before olderThan, oldest first.
func (s *PostgresEventStore) ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT saga_id FROM (
			SELECT saga_id,
			       max(occurred_at) AS last_at,
			       (array_agg(to_status ORDER BY id DESC) FILTER (WHERE to_status IS NOT NULL))[1] AS status
			FROM saga_events
			GROUP BY saga_id
		) streams
		WHERE last_at < $1
		  AND coalesce(status, 'Created') NOT IN ('Completed', 'Failed', 'Cancelled')
		ORDER BY last_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sagas: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var sagaID string
		if err := rows.Scan(&sagaID); err != nil {
			return nil, fmt.Errorf("failed to scan saga id: %w", err)
		}
		expired = append(expired, sagaID)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to read expired sagas: %w", rows.Err())
	}
	return expired, nil
}
