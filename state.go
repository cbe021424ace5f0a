package sagaflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaStatus represents the lifecycle status of a saga.
type SagaStatus int

const (
	StatusCreated SagaStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCompensating
	StatusCancelled
)

// String returns the string representation of the SagaStatus.
func (s SagaStatus) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCompensating:
		return "Compensating"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown SagaStatus: %d", s)
	}
}

// Terminal reports whether the status is final. A saga in a terminal
// status is never deleted; its event stream remains for audit.
func (s SagaStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MarshalJSON implements the json.Marshaler interface for SagaStatus.
func (s SagaStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for SagaStatus.
func (s *SagaStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "Created":
		*s = StatusCreated
	case "Running":
		*s = StatusRunning
	case "Completed":
		*s = StatusCompleted
	case "Failed":
		*s = StatusFailed
	case "Compensating":
		*s = StatusCompensating
	case "Cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("invalid SagaStatus: %s", str)
	}

	return nil
}

// StepOutcome records the result of one step attempt in the saga history.
type StepOutcome struct {
	StepName     string        `json:"step_name"`
	IsSuccess    bool          `json:"is_success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// SagaState is the projection of a saga's event stream.
//
// It is never persisted independently: a SagaState comes into existence
// with the first appended event (implicit StatusCreated) and is mutated
// only by folding further events, so it is 100% reconstructible by Replay.
type SagaState struct {
	SagaID           string        `json:"saga_id"`
	Status           SagaStatus    `json:"status"`
	CurrentStepIndex int           `json:"current_step_index"`
	StepHistory      []StepOutcome `json:"step_history"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// NewSagaID returns a fresh saga identifier.
func NewSagaID() string {
	return uuid.NewString()
}

// Apply folds a single event into the state.
//
// StepIndex never decreases and Status only moves via StateTransitioned
// events; the last failure message wins.
func (s *SagaState) Apply(event SagaEvent) {
	switch event.Type {
	case EventStateTransitioned:
		p := event.StateTransitioned
		s.Status = p.ToStatus
		if p.ToStatus == StatusCompleted {
			completedAt := event.OccurredAt
			s.CompletedAt = &completedAt
		}
		if p.Reason != "" {
			s.ErrorMessage = p.Reason
		}
	case EventStepCompleted:
		p := event.StepCompleted
		s.StepHistory = append(s.StepHistory, StepOutcome{
			StepName:  p.StepName,
			IsSuccess: true,
			Duration:  p.Duration,
		})
		if next := p.StepIndex + 1; next > s.CurrentStepIndex {
			s.CurrentStepIndex = next
		}
	case EventStepFailed:
		p := event.StepFailed
		s.StepHistory = append(s.StepHistory, StepOutcome{
			StepName:     p.StepName,
			IsSuccess:    false,
			ErrorMessage: p.ErrorMessage,
			Duration:     0,
		})
		s.ErrorMessage = p.ErrorMessage
	}
}

// Replay rebuilds a SagaState by folding an ordered event stream.
//
// Replay is deterministic: the same ordered events always produce an
// equal state. A nil or empty stream yields nil, matching a stream that
// does not exist.
func Replay(sagaID string, events []SagaEvent) *SagaState {
	if len(events) == 0 {
		return nil
	}

	state := &SagaState{
		SagaID:      sagaID,
		Status:      StatusCreated,
		StepHistory: make([]StepOutcome, 0, len(events)),
	}
	for _, event := range events {
		state.Apply(event)
	}
	return state
}
