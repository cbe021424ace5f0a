package sagaflow

import (
	"context"
	"fmt"
	"log/slog"
)

// CompensationFunc runs the compensating work for a saga while it is in
// StatusCompensating. The state passed in is the rehydrated projection at
// the moment cancellation was requested.
type CompensationFunc func(ctx context.Context, state *SagaState) error

// StoreOrchestrator is an Orchestrator that drives cancellation through
// the event stream: it transitions the saga to Compensating, runs the
// optional compensation hook, and records the terminal outcome. Sagas
// already in a terminal status are left untouched.
type StoreOrchestrator struct {
	store      EventStore
	compensate CompensationFunc
	logger     *slog.Logger
}

// NewStoreOrchestrator creates a StoreOrchestrator. compensate may be nil
// when cancellation only needs to be recorded. A nil logger falls back to
// slog.Default().
func NewStoreOrchestrator(store EventStore, compensate CompensationFunc, logger *slog.Logger) (*StoreOrchestrator, error) {
	if store == nil {
		return nil, NewArgumentError("store", "must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StoreOrchestrator{
		store:      store,
		compensate: compensate,
		logger:     logger,
	}, nil
}

// CancelSaga compensates the saga and records the outcome in its stream.
//
// The appended transitions are Status->Compensating(reason) followed by
// Compensating->Cancelled, or Compensating->Failed when the compensation
// hook itself fails.
func (o *StoreOrchestrator) CancelSaga(ctx context.Context, sagaID, reason string) error {
	if sagaID == "" {
		return NewArgumentError("sagaID", "must not be empty")
	}

	state, err := o.store.Rehydrate(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}
	if state == nil {
		return fmt.Errorf("failed to load saga %s: %w", sagaID, ErrSagaNotFound)
	}
	if state.Status.Terminal() {
		o.logger.Debug("cancel requested for terminal saga",
			"saga_id", sagaID,
			"status", state.Status.String())
		return nil
	}

	transition := NewStateTransitioned(sagaID, state.Status, StatusCompensating, reason)
	if err := o.store.AppendEvent(ctx, sagaID, transition); err != nil {
		return fmt.Errorf("failed to record compensation start: %w", err)
	}

	if o.compensate != nil {
		if err := o.compensate(ctx, state); err != nil {
			failed := NewStateTransitioned(sagaID, StatusCompensating, StatusFailed,
				fmt.Sprintf("compensation failed: %v", err))
			if appendErr := o.store.AppendEvent(ctx, sagaID, failed); appendErr != nil {
				o.logger.Error("failed to record compensation failure",
					"saga_id", sagaID, "err", appendErr)
			}
			return fmt.Errorf("compensation failed for saga %s: %w", sagaID, err)
		}
	}

	cancelled := NewStateTransitioned(sagaID, StatusCompensating, StatusCancelled, "")
	if err := o.store.AppendEvent(ctx, sagaID, cancelled); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	o.logger.Info("saga cancelled", "saga_id", sagaID, "reason", reason)
	return nil
}
