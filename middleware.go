package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// CancelledReason is the reason passed to the orchestrator when a saga is
// compensated because its handling was cancelled.
const CancelledReason = "Operation cancelled"

// MiddlewareOptions tunes SagaMiddleware behavior.
type MiddlewareOptions struct {
	// EnableAutoCompensation cancels the saga when a handler reports a
	// failed result. Enabled by default.
	EnableAutoCompensation bool
}

// DefaultMiddlewareOptions returns the default middleware options.
func DefaultMiddlewareOptions() MiddlewareOptions {
	return MiddlewareOptions{EnableAutoCompensation: true}
}

// SagaMiddleware is the pipeline stage that detects saga traffic, resolves
// the owning saga, delegates to step logic, and triggers compensation on
// failure or cancellation.
//
// The middleware never appends events itself; step logic reached through
// next does that. Its state load is read-only, so non-saga messages pay
// zero saga overhead and saga messages pay one stream replay.
type SagaMiddleware struct {
	store        EventStore
	orchestrator Orchestrator
	correlator   *ConventionCorrelator
	logger       *slog.Logger
	opts         MiddlewareOptions
}

// NewSagaMiddleware creates a SagaMiddleware over a store and an
// orchestrator. A nil logger falls back to slog.Default().
func NewSagaMiddleware(store EventStore, orchestrator Orchestrator, logger *slog.Logger, opts MiddlewareOptions) (*SagaMiddleware, error) {
	if store == nil {
		return nil, NewArgumentError("store", "must not be nil")
	}
	if orchestrator == nil {
		return nil, NewArgumentError("orchestrator", "must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SagaMiddleware{
		store:        store,
		orchestrator: orchestrator,
		correlator:   NewConventionCorrelator(),
		logger:       logger,
		opts:         opts,
	}, nil
}

// Wrap adapts the middleware for pipeline composition.
func (m *SagaMiddleware) Wrap() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *Message, mctx *MessageContext) (*MessageResult, error) {
			return m.Handle(ctx, msg, mctx, next)
		}
	}
}

// Handle processes one message.
//
// Non-saga traffic is forwarded unchanged. For saga traffic the flow is:
// resolve the saga id, load state read-only, delegate to next, then either
// return the successful result, compensate-and-return a failed result,
// compensate-and-propagate a cancellation, or convert any other handler
// error into a failed result so the pipeline keeps processing.
func (m *SagaMiddleware) Handle(ctx context.Context, msg *Message, mctx *MessageContext, next HandlerFunc) (*MessageResult, error) {
	if msg == nil {
		return nil, NewArgumentError("msg", "must not be nil")
	}
	if mctx == nil {
		return nil, NewArgumentError("mctx", "must not be nil")
	}
	if next == nil {
		return nil, NewArgumentError("next", "must not be nil")
	}

	if msg.Kind != KindAction && msg.Kind != KindEvent {
		return next(ctx, msg, mctx)
	}
	if !mctx.IsSagaMessage() {
		return next(ctx, msg, mctx)
	}

	sagaID := m.resolveSagaID(msg, mctx)
	if sagaID == "" {
		m.logger.Warn("saga message has no resolvable saga id; forwarding without saga handling",
			"kind", msg.Kind.String())
		return next(ctx, msg, mctx)
	}

	// Read-only load so step logic starts from rehydrated state. A missing
	// stream is normal for a saga's first message.
	state, err := m.store.Rehydrate(ctx, sagaID)
	switch {
	case errors.Is(err, ErrSagaNotFound):
		m.logger.Debug("no existing saga state", "saga_id", sagaID)
	case err != nil:
		m.logger.Error("failed to load saga state", "saga_id", sagaID, "err", err)
	case state != nil:
		m.logger.Debug("loaded saga state",
			"saga_id", sagaID,
			"status", state.Status.String(),
			"step_index", state.CurrentStepIndex)
	}

	result, err := m.invoke(ctx, msg, mctx, next)
	if err != nil {
		if cancelled(ctx, err) {
			// Compensation is awaited before the cancellation propagates,
			// on a context detached from the cancelled one.
			m.cancelSaga(context.WithoutCancel(ctx), sagaID, CancelledReason)
			return nil, err
		}

		// Any other handler error degrades to a failed result so the
		// surrounding pipeline keeps processing. No compensation runs
		// on this path.
		m.logger.Error("saga step returned an error", "saga_id", sagaID, "err", err)
		return FailureResult(err.Error()), nil
	}

	if result != nil && !result.Succeeded {
		if m.opts.EnableAutoCompensation {
			reason := result.ErrorMessage
			if reason == "" {
				reason = "Step failed"
			}
			m.cancelSaga(ctx, sagaID, reason)
		}
		return result, nil
	}

	return result, nil
}

// resolveSagaID prefers the explicit context-carried saga id, then the
// context correlation id, then the message body's conventional fields.
func (m *SagaMiddleware) resolveSagaID(msg *Message, mctx *MessageContext) string {
	if id, ok := mctx.SagaID(); ok {
		return id
	}
	if mctx.CorrelationID != "" {
		return mctx.CorrelationID
	}
	if msg.Body != nil {
		if id, found, err := m.correlator.CorrelationID(msg.Body); err == nil && found {
			return id
		}
	}
	return ""
}

// invoke runs next with panic recovery, so a panicking handler degrades
// to an error instead of killing the dispatch worker.
func (m *SagaMiddleware) invoke(ctx context.Context, msg *Message, mctx *MessageContext, next HandlerFunc) (result *MessageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("saga step panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return next(ctx, msg, mctx)
}

// cancelSaga requests compensation and logs, rather than propagates, an
// orchestrator failure: the saga may need operator attention, but the
// pipeline must survive.
func (m *SagaMiddleware) cancelSaga(ctx context.Context, sagaID, reason string) {
	if err := m.orchestrator.CancelSaga(ctx, sagaID, reason); err != nil {
		m.logger.Error("failed to cancel saga", "saga_id", sagaID, "reason", reason, "err", err)
		return
	}
	m.logger.Info("saga compensation requested", "saga_id", sagaID, "reason", reason)
}

// cancelled reports whether err represents the cancellation of ctx rather
// than an ordinary handler failure. A handler error that merely wraps a
// downstream Canceled or DeadlineExceeded while ctx is still alive is an
// ordinary failure.
func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, ctx.Err()) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
