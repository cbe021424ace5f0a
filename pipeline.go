package sagaflow

import (
	"context"
)

// MessageKind classifies dispatched messages. Saga handling applies only
// to actions and events; documents pass through untouched.
type MessageKind int

const (
	KindAction MessageKind = iota
	KindEvent
	KindDocument
)

// String returns the string representation of the MessageKind.
func (k MessageKind) String() string {
	switch k {
	case KindAction:
		return "Action"
	case KindEvent:
		return "Event"
	case KindDocument:
		return "Document"
	default:
		return "Unknown"
	}
}

// Message is one unit of saga traffic flowing through the pipeline.
type Message struct {
	Kind MessageKind
	Body any
}

// Context item keys recognized by the saga middleware.
const (
	ItemIsSagaMessage = "IsSagaMessage"
	ItemSagaID        = "SagaId"
)

// MessageContext carries per-dispatch metadata alongside a message. Items
// is a free-form bag owned by the surrounding pipeline; the middleware
// only reads the keys above.
type MessageContext struct {
	CorrelationID string
	Items         map[string]any
}

// NewMessageContext creates an empty MessageContext.
func NewMessageContext() *MessageContext {
	return &MessageContext{Items: make(map[string]any)}
}

// Set stores an item under key and returns the context for chaining.
func (c *MessageContext) Set(key string, value any) *MessageContext {
	if c.Items == nil {
		c.Items = make(map[string]any)
	}
	c.Items[key] = value
	return c
}

// IsSagaMessage reports whether the dispatch is flagged as saga traffic.
func (c *MessageContext) IsSagaMessage() bool {
	flagged, _ := c.Items[ItemIsSagaMessage].(bool)
	return flagged
}

// SagaID returns the explicit context-carried saga id, if any.
func (c *MessageContext) SagaID() (string, bool) {
	id, _ := c.Items[ItemSagaID].(string)
	return id, id != ""
}

// MessageResult is the outcome a handler reports for one message. A
// failed result is a business failure, distinct from a returned error.
type MessageResult struct {
	Succeeded    bool
	ErrorMessage string
	Value        any
}

// SuccessResult creates a successful MessageResult carrying value.
func SuccessResult(value any) *MessageResult {
	return &MessageResult{Succeeded: true, Value: value}
}

// FailureResult creates a failed MessageResult with an error message.
func FailureResult(errorMessage string) *MessageResult {
	return &MessageResult{ErrorMessage: errorMessage}
}

// HandlerFunc processes one message and reports its result.
type HandlerFunc func(ctx context.Context, msg *Message, mctx *MessageContext) (*MessageResult, error)

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Orchestrator is the collaborator that cancels sagas. The middleware
// calls it to trigger compensation; implementations decide what
// cancellation means (typically appending compensation events).
type Orchestrator interface {
	CancelSaga(ctx context.Context, sagaID, reason string) error
}
