package sagaflow

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// EventStore defines the interface for persisting saga event streams.
//
// Events are appended in call order to one stream per saga id. The store
// performs no expected-version check on append: it assumes at most one
// concurrent writer per saga id, enforced upstream by the transport layer.
type EventStore interface {
	// AppendEvent appends an event to the saga's stream.
	AppendEvent(ctx context.Context, sagaID string, event SagaEvent) error

	// Rehydrate rebuilds the saga state by replaying its stream.
	// It returns ErrSagaNotFound if the stream does not exist.
	// Cost is linear in stream length; there is no snapshotting.
	Rehydrate(ctx context.Context, sagaID string) (*SagaState, error)
}

// ExpiredSagaSource lists sagas that have stopped making progress, for
// consumption by the TimeoutMonitor.
type ExpiredSagaSource interface {
	// ListExpired returns up to limit ids of non-terminal sagas whose
	// last event occurred before olderThan.
	ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// validateAppend checks AppendEvent arguments shared by all stores.
func validateAppend(sagaID string, event SagaEvent) error {
	if sagaID == "" {
		return NewArgumentError("sagaID", "must not be empty")
	}
	if event.Type == 0 {
		return NewArgumentError("event", "must not be empty")
	}
	if err := event.Validate(); err != nil {
		return NewArgumentError("event", err.Error())
	}
	if event.SagaID != "" && event.SagaID != sagaID {
		return NewArgumentError("event", "event belongs to a different saga")
	}
	return nil
}

// MemoryEventStore provides an in-memory implementation of EventStore for
// testing or scenarios where persistence is not required. Streams are held
// in a btree ordered by saga id so expiry scans are deterministic. The
// mutex guards against the timeout monitor scanning while a handler
// appends; per-stream append order is still the caller's responsibility.
type MemoryEventStore struct {
	streams *btree.Map[string, *memoryStream]
	mu      sync.RWMutex
}

type memoryStream struct {
	events       []SagaEvent
	lastAppended time.Time
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: btree.NewMap[string, *memoryStream](10),
	}
}

// AppendEvent appends the event to the in-memory stream for sagaID.
func (m *MemoryEventStore) AppendEvent(ctx context.Context, sagaID string, event SagaEvent) error {
	if err := validateAppend(sagaID, event); err != nil {
		return err
	}
	event.SagaID = sagaID

	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams.Get(sagaID)
	if !ok {
		stream = &memoryStream{}
		m.streams.Set(sagaID, stream)
	}
	stream.events = append(stream.events, event.clone())
	stream.lastAppended = event.OccurredAt
	return nil
}

// Rehydrate replays the in-memory stream for sagaID.
func (m *MemoryEventStore) Rehydrate(ctx context.Context, sagaID string) (*SagaState, error) {
	if sagaID == "" {
		return nil, NewArgumentError("sagaID", "must not be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, ok := m.streams.Get(sagaID)
	if !ok {
		return nil, ErrSagaNotFound
	}
	return Replay(sagaID, stream.events), nil
}

// Events returns a copy of the raw stream for sagaID, for inspection in
// tests and tooling.
func (m *MemoryEventStore) Events(sagaID string) []SagaEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, ok := m.streams.Get(sagaID)
	if !ok {
		return nil
	}
	events := make([]SagaEvent, len(stream.events))
	for i, event := range stream.events {
		events[i] = event.clone()
	}
	return events
}

// ListExpired scans streams in saga-id order and returns up to limit ids
// of non-terminal sagas whose last event is older than olderThan.
func (m *MemoryEventStore) ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	m.streams.Scan(func(sagaID string, stream *memoryStream) bool {
		if !stream.lastAppended.Before(olderThan) {
			return true
		}
		state := Replay(sagaID, stream.events)
		if state == nil || state.Status.Terminal() {
			return true
		}
		expired = append(expired, sagaID)
		return len(expired) < limit
	})
	return expired, nil
}
