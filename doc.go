// Package sagaflow coordinates long-running, multi-step business
// transactions (sagas) driven by asynchronous messages.
//
// Saga progress is event sourced: every state change is an immutable
// SagaEvent appended to a per-saga stream, and the current SagaState is
// rebuilt deterministically by replaying that stream. Partial failures
// trigger compensation through an Orchestrator, and progress survives
// process restarts because the stream is the only source of truth.
//
// # Overview
//
//  1. Pick an EventStore: NewMemoryEventStore for tests,
//     NewFileEventStore for single-node persistence, or
//     NewPostgresEventStore / NewRedisEventStore for shared storage.
//
//  2. Resolve correlation ids: NewConventionCorrelator maps inbound
//     messages to saga ids by struct tag and field-name conventions;
//     NewMultiPropertyCorrelator builds composite keys from several
//     message properties when a single one is ambiguous.
//
//  3. Wire the middleware: create a SagaMiddleware with your store and
//     an Orchestrator and place it in front of your message handler.
//     Failed results trigger compensation; cancellation compensates and
//     then propagates.
//
//  4. Watch for expired sagas: run a TimeoutMonitor against the same
//     store to raise timeout signals for sagas that stopped making
//     progress.
//
// For an end-to-end example, see examples/orderprocessing.
package sagaflow
