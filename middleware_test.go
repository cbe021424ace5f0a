package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cancelCall struct {
	SagaID   string
	Reason   string
	CtxAlive bool // whether the passed context was still uncancelled
}

type fakeOrchestrator struct {
	mu    sync.Mutex
	calls []cancelCall
	err   error
}

func (f *fakeOrchestrator) CancelSaga(ctx context.Context, sagaID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cancelCall{
		SagaID:   sagaID,
		Reason:   reason,
		CtxAlive: ctx.Err() == nil,
	})
	return f.err
}

func (f *fakeOrchestrator) Calls() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cancelCall(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMiddleware(t *testing.T, orchestrator Orchestrator, opts MiddlewareOptions) *SagaMiddleware {
	t.Helper()

	middleware, err := NewSagaMiddleware(NewMemoryEventStore(), orchestrator, testLogger(), opts)
	require.NoError(t, err)
	return middleware
}

func sagaContext(sagaID string) *MessageContext {
	return NewMessageContext().
		Set(ItemIsSagaMessage, true).
		Set(ItemSagaID, sagaID)
}

func TestMiddlewareConstructorValidation(t *testing.T) {
	orchestrator := &fakeOrchestrator{}

	_, err := NewSagaMiddleware(nil, orchestrator, testLogger(), DefaultMiddlewareOptions())
	assert.True(t, IsArgumentError(err))

	_, err = NewSagaMiddleware(NewMemoryEventStore(), nil, testLogger(), DefaultMiddlewareOptions())
	assert.True(t, IsArgumentError(err))
}

func TestMiddlewareArgumentValidation(t *testing.T) {
	middleware := newTestMiddleware(t, &fakeOrchestrator{}, DefaultMiddlewareOptions())
	ctx := context.Background()
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return SuccessResult(nil), nil
	}

	_, err := middleware.Handle(ctx, nil, NewMessageContext(), next)
	assert.True(t, IsArgumentError(err))

	_, err = middleware.Handle(ctx, &Message{Kind: KindAction}, nil, next)
	assert.True(t, IsArgumentError(err))

	_, err = middleware.Handle(ctx, &Message{Kind: KindAction}, NewMessageContext(), nil)
	assert.True(t, IsArgumentError(err))
}

func TestMiddlewarePassthroughForNonSagaTraffic(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	want := SuccessResult("payload")
	nextCalls := 0
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		nextCalls++
		return want, nil
	}

	// Context not flagged as saga traffic.
	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, NewMessageContext(), next)
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 1, nextCalls)

	// Flagged false explicitly.
	mctx := NewMessageContext().Set(ItemIsSagaMessage, false)
	got, err = middleware.Handle(context.Background(), &Message{Kind: KindEvent}, mctx, next)
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 2, nextCalls)

	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewarePassthroughForDocuments(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	// Documents pass through even when flagged and failing.
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return FailureResult("broken"), nil
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindDocument}, sagaContext("saga-1"), next)
	require.NoError(t, err)
	assert.False(t, got.Succeeded)
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareSuccessReturnsResultUnchanged(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	want := SuccessResult("done")
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return want, nil
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-1"), next)
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareFailedResultTriggersCompensation(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	want := FailureResult("inventory unavailable")
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return want, nil
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-fail"), next)
	require.NoError(t, err)
	assert.Same(t, want, got)

	calls := orchestrator.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "saga-fail", calls[0].SagaID)
	assert.Equal(t, "inventory unavailable", calls[0].Reason)
}

func TestMiddlewareCompensationDisabled(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, MiddlewareOptions{EnableAutoCompensation: false})

	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return FailureResult("inventory unavailable"), nil
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-fail"), next)
	require.NoError(t, err)
	assert.False(t, got.Succeeded)
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareCompensationFailureStillReturnsResult(t *testing.T) {
	orchestrator := &fakeOrchestrator{err: errors.New("orchestrator down")}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return FailureResult("step failed"), nil
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-1"), next)
	require.NoError(t, err)
	assert.False(t, got.Succeeded)
	require.Len(t, orchestrator.Calls(), 1)
}

func TestMiddlewareCancellationCompensatesThenPropagates(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	ctx, cancel := context.WithCancel(context.Background())
	next := func(ctx context.Context, _ *Message, _ *MessageContext) (*MessageResult, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, err := middleware.Handle(ctx, &Message{Kind: KindAction}, sagaContext("saga-cancel"), next)
	require.ErrorIs(t, err, context.Canceled)

	calls := orchestrator.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "saga-cancel", calls[0].SagaID)
	assert.Equal(t, CancelledReason, calls[0].Reason)
	// Compensation runs on a context detached from the cancelled one.
	assert.True(t, calls[0].CtxAlive)
}

func TestMiddlewareCancellationIgnoresCompensationOption(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, MiddlewareOptions{EnableAutoCompensation: false})

	ctx, cancel := context.WithCancel(context.Background())
	next := func(ctx context.Context, _ *Message, _ *MessageContext) (*MessageResult, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, err := middleware.Handle(ctx, &Message{Kind: KindAction}, sagaContext("saga-cancel"), next)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, orchestrator.Calls(), 1)
}

func TestMiddlewareHandlerErrorBecomesFailedResult(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return nil, errors.New("database connection refused")
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-err"), next)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Succeeded)
	assert.Contains(t, got.ErrorMessage, "database connection refused")

	// Errors do not trigger compensation; only failed results do.
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareWrappedDownstreamDeadlineIsNotCancellation(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	// The handler's own downstream call timed out, but the dispatch
	// context is still alive. That is an ordinary failure.
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return nil, fmt.Errorf("payment gateway call: %w", context.DeadlineExceeded)
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-gw"), next)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Succeeded)
	assert.Contains(t, got.ErrorMessage, "payment gateway call")
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareHandlerPanicBecomesFailedResult(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		panic("boom")
	}

	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-panic"), next)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Succeeded)
	assert.Contains(t, got.ErrorMessage, "boom")
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareSagaIDResolutionOrder(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return FailureResult("fail"), nil
	}
	msg := &Message{Kind: KindEvent, Body: conventionMessage{SagaID: "from-body"}}

	// Context item beats the context correlation id and the body.
	mctx := sagaContext("from-item")
	mctx.CorrelationID = "from-correlation"
	_, err := middleware.Handle(context.Background(), msg, mctx, next)
	require.NoError(t, err)

	// Context correlation id beats the body.
	mctx = NewMessageContext().Set(ItemIsSagaMessage, true)
	mctx.CorrelationID = "from-correlation"
	_, err = middleware.Handle(context.Background(), msg, mctx, next)
	require.NoError(t, err)

	// Body convention fields are the last resort.
	mctx = NewMessageContext().Set(ItemIsSagaMessage, true)
	_, err = middleware.Handle(context.Background(), msg, mctx, next)
	require.NoError(t, err)

	calls := orchestrator.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "from-item", calls[0].SagaID)
	assert.Equal(t, "from-correlation", calls[1].SagaID)
	assert.Equal(t, "from-body", calls[2].SagaID)
}

func TestMiddlewareUnresolvableSagaIDForwards(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	nextCalls := 0
	next := func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		nextCalls++
		return FailureResult("fail"), nil
	}

	mctx := NewMessageContext().Set(ItemIsSagaMessage, true)
	got, err := middleware.Handle(context.Background(), &Message{Kind: KindAction}, mctx, next)
	require.NoError(t, err)
	assert.False(t, got.Succeeded)
	assert.Equal(t, 1, nextCalls)
	assert.Empty(t, orchestrator.Calls())
}

func TestMiddlewareWrap(t *testing.T) {
	orchestrator := &fakeOrchestrator{}
	middleware := newTestMiddleware(t, orchestrator, DefaultMiddlewareOptions())

	handler := middleware.Wrap()(func(context.Context, *Message, *MessageContext) (*MessageResult, error) {
		return FailureResult("fail"), nil
	})

	_, err := handler(context.Background(), &Message{Kind: KindAction}, sagaContext("saga-wrap"))
	require.NoError(t, err)
	require.Len(t, orchestrator.Calls(), 1)
	assert.Equal(t, "saga-wrap", orchestrator.Calls()[0].SagaID)
}
