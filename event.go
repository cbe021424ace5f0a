package sagaflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the variant carried by a SagaEvent.
//
// The set is closed: the replay fold in Replay switches over it
// exhaustively, so adding a variant means extending the fold as well.
type EventType int

const (
	// The zero value is not a valid event type, so an uninitialized
	// event is rejected on append.
	EventStateTransitioned EventType = iota + 1
	EventStepCompleted
	EventStepFailed
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	switch t {
	case EventStateTransitioned:
		return "StateTransitioned"
	case EventStepCompleted:
		return "StepCompleted"
	case EventStepFailed:
		return "StepFailed"
	default:
		return fmt.Sprintf("Unknown EventType: %d", t)
	}
}

// MarshalJSON implements the json.Marshaler interface for EventType.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for EventType.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "StateTransitioned":
		*t = EventStateTransitioned
	case "StepCompleted":
		*t = EventStepCompleted
	case "StepFailed":
		*t = EventStepFailed
	default:
		return fmt.Errorf("invalid EventType: %s", str)
	}

	return nil
}

// StateTransitioned records a saga status change.
type StateTransitioned struct {
	FromStatus SagaStatus `json:"from_status"`
	ToStatus   SagaStatus `json:"to_status"`
	Reason     string     `json:"reason,omitempty"`
}

// StepCompleted records the successful completion of a saga step.
type StepCompleted struct {
	StepName  string        `json:"step_name"`
	StepIndex int           `json:"step_index"`
	Duration  time.Duration `json:"duration"`
}

// StepFailed records a failed saga step attempt.
type StepFailed struct {
	StepName     string `json:"step_name"`
	StepIndex    int    `json:"step_index"`
	ErrorMessage string `json:"error_message"`
	RetryCount   int    `json:"retry_count"`
}

// SagaEvent is one immutable entry in a saga's event stream.
//
// Exactly one payload field is set, matching Type. Events are appended in
// call order and never mutated or deleted; the stream for a SagaID is the
// sole source of truth for its SagaState.
type SagaEvent struct {
	SagaID     string    `json:"saga_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       EventType `json:"type"`

	StateTransitioned *StateTransitioned `json:"state_transitioned,omitempty"`
	StepCompleted     *StepCompleted     `json:"step_completed,omitempty"`
	StepFailed        *StepFailed        `json:"step_failed,omitempty"`
}

// NewStateTransitioned creates a StateTransitioned event stamped with the
// current time.
func NewStateTransitioned(sagaID string, from, to SagaStatus, reason string) SagaEvent {
	return SagaEvent{
		SagaID:     sagaID,
		OccurredAt: time.Now().UTC(),
		Type:       EventStateTransitioned,
		StateTransitioned: &StateTransitioned{
			FromStatus: from,
			ToStatus:   to,
			Reason:     reason,
		},
	}
}

// NewStepCompleted creates a StepCompleted event stamped with the current time.
func NewStepCompleted(sagaID, stepName string, stepIndex int, duration time.Duration) SagaEvent {
	return SagaEvent{
		SagaID:     sagaID,
		OccurredAt: time.Now().UTC(),
		Type:       EventStepCompleted,
		StepCompleted: &StepCompleted{
			StepName:  stepName,
			StepIndex: stepIndex,
			Duration:  duration,
		},
	}
}

// NewStepFailed creates a StepFailed event stamped with the current time.
func NewStepFailed(sagaID, stepName string, stepIndex int, errorMessage string, retryCount int) SagaEvent {
	return SagaEvent{
		SagaID:     sagaID,
		OccurredAt: time.Now().UTC(),
		Type:       EventStepFailed,
		StepFailed: &StepFailed{
			StepName:     stepName,
			StepIndex:    stepIndex,
			ErrorMessage: errorMessage,
			RetryCount:   retryCount,
		},
	}
}

// clone returns a copy of the event with detached payload pointers, so a
// stored stream cannot be mutated through a caller-held event.
func (e SagaEvent) clone() SagaEvent {
	if e.StateTransitioned != nil {
		payload := *e.StateTransitioned
		e.StateTransitioned = &payload
	}
	if e.StepCompleted != nil {
		payload := *e.StepCompleted
		e.StepCompleted = &payload
	}
	if e.StepFailed != nil {
		payload := *e.StepFailed
		e.StepFailed = &payload
	}
	return e
}

// Validate checks that the event carries a known type and the payload
// matching it.
func (e SagaEvent) Validate() error {
	switch e.Type {
	case EventStateTransitioned:
		if e.StateTransitioned == nil {
			return fmt.Errorf("event %s is missing its payload", e.Type)
		}
	case EventStepCompleted:
		if e.StepCompleted == nil {
			return fmt.Errorf("event %s is missing its payload", e.Type)
		}
	case EventStepFailed:
		if e.StepFailed == nil {
			return fmt.Errorf("event %s is missing its payload", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %d", e.Type)
	}
	return nil
}
