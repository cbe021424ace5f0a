package sagaflow

import (
	"context"
	"log/slog"
	"time"
)

// TimeoutReason is the reason passed to the orchestrator when a saga is
// cancelled because it expired.
const TimeoutReason = "Saga timed out"

// TimeoutOptions tunes the TimeoutMonitor poll loop.
type TimeoutOptions struct {
	// PollInterval is the period between poll cycles.
	PollInterval time.Duration
	// SagaTimeout is how long a saga may go without appending an event
	// before it is considered expired.
	SagaTimeout time.Duration
	// BatchSize caps how many expired sagas one cycle handles.
	BatchSize int
	// ShutdownTimeout bounds how long a graceful Stop waits for an
	// in-flight cycle to finish.
	ShutdownTimeout time.Duration
	// EnableVerboseLogging logs every poll cycle, not just failures.
	EnableVerboseLogging bool
}

// DefaultTimeoutOptions returns the default monitor options.
func DefaultTimeoutOptions() TimeoutOptions {
	return TimeoutOptions{
		PollInterval:         time.Second,
		SagaTimeout:          30 * time.Minute,
		BatchSize:            100,
		ShutdownTimeout:      30 * time.Second,
		EnableVerboseLogging: true,
	}
}

// normalize fills zero or negative fields with their defaults.
func (o TimeoutOptions) normalize() TimeoutOptions {
	defaults := DefaultTimeoutOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.SagaTimeout <= 0 {
		o.SagaTimeout = defaults.SagaTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaults.BatchSize
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return o
}

// TimeoutHandler raises the timeout signal for one expired saga.
type TimeoutHandler func(ctx context.Context, sagaID string) error

// CancelOnTimeout returns a TimeoutHandler that cancels expired sagas
// through the orchestrator.
func CancelOnTimeout(orchestrator Orchestrator) TimeoutHandler {
	return func(ctx context.Context, sagaID string) error {
		return orchestrator.CancelSaga(ctx, sagaID, TimeoutReason)
	}
}

// TimeoutMonitor periodically polls an ExpiredSagaSource and raises a
// timeout signal for each saga past its deadline.
//
// Every poll cycle is isolated: an error in one cycle (or for one saga)
// is logged and the loop continues. The monitor shares its store with
// in-flight message handlers, so a timeout signal can race a concurrent
// handler for the same saga; serializing the two is a host concern.
type TimeoutMonitor struct {
	source  ExpiredSagaSource
	handler TimeoutHandler
	logger  *slog.Logger
	opts    TimeoutOptions

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimeoutMonitor creates a TimeoutMonitor. A nil logger falls back to
// slog.Default().
func NewTimeoutMonitor(source ExpiredSagaSource, handler TimeoutHandler, logger *slog.Logger, opts TimeoutOptions) (*TimeoutMonitor, error) {
	if source == nil {
		return nil, NewArgumentError("source", "must not be nil")
	}
	if handler == nil {
		return nil, NewArgumentError("handler", "must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TimeoutMonitor{
		source:  source,
		handler: handler,
		logger:  logger,
		opts:    opts.normalize(),
	}, nil
}

// Start launches the poll loop. The loop stops when ctx is cancelled or
// Stop is called. Start may be called once.
func (m *TimeoutMonitor) Start(ctx context.Context) error {
	if m.done != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish,
// bounded by ShutdownTimeout and by ctx.
func (m *TimeoutMonitor) Stop(ctx context.Context) error {
	if m.done == nil {
		return nil
	}
	m.cancel()

	timer := time.NewTimer(m.opts.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-m.done:
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the monitor without an external deadline beyond
// ShutdownTimeout.
func (m *TimeoutMonitor) Close() error {
	return m.Stop(context.Background())
}

// run is the poll loop.
func (m *TimeoutMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.logger.Info("timeout monitor started",
		"poll_interval", m.opts.PollInterval,
		"saga_timeout", m.opts.SagaTimeout,
		"batch_size", m.opts.BatchSize)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("timeout monitor stopped")
			return
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				m.logger.Error("timeout poll cycle failed", "err", err)
			}
		}
	}
}

// pollOnce runs one isolated poll cycle.
func (m *TimeoutMonitor) pollOnce(ctx context.Context) error {
	olderThan := time.Now().UTC().Add(-m.opts.SagaTimeout)
	expired, err := m.source.ListExpired(ctx, olderThan, m.opts.BatchSize)
	if err != nil {
		return err
	}

	if m.opts.EnableVerboseLogging {
		m.logger.Debug("timeout poll cycle", "expired", len(expired))
	}

	for _, sagaID := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.handler(ctx, sagaID); err != nil {
			m.logger.Error("failed to raise saga timeout", "saga_id", sagaID, "err", err)
		} else if m.opts.EnableVerboseLogging {
			m.logger.Info("saga timeout raised", "saga_id", sagaID)
		}
	}
	return nil
}
