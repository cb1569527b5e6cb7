package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/winseros/SqlClient/pkg/types"
)

// Orchestrator drives a bounded retry loop around one unit of work. It is
// stateless per call: every execution gets its own interval enumerator, so a
// single Orchestrator is safe for concurrent use.
type Orchestrator struct {
	gate         *StatementGate
	classifier   *TransientFaultClassifier
	schedule     IntervalSchedule
	eventHandler EventHandler
	tracer       trace.Tracer
	clock        types.Clock

	statsMu sync.Mutex
	stats   RetryStats
}

// ExecuteFunc is the unit of work to retry
type ExecuteFunc[T any] func(ctx context.Context) (T, error)

// RetryStats contains retry statistics
type RetryStats struct {
	TotalExecutions int64         // Execute calls
	TotalAttempts   int64         // unit of work invocations
	TotalRetries    int64         // executions that needed more than one attempt
	TotalSuccesses  int64         // executions that succeeded
	TotalFailures   int64         // executions that surfaced an error
	BypassedRetries int64         // executions whose statement was blocked by the gate
	TotalRetryDelay time.Duration // time spent waiting between attempts
}

// EventHandler observes retry events
type EventHandler interface {
	OnRetryAttempt(ctx context.Context, attempt int, lastErr error, delay time.Duration)
	OnRetrySuccess(ctx context.Context, attempt int, duration time.Duration)
	OnRetryFailure(ctx context.Context, attempt int, err error)
	OnMaxAttemptsReached(ctx context.Context, attempt int, err error)
}

// NewOrchestrator composes a gate, a classifier and a schedule
func NewOrchestrator(gate *StatementGate, classifier *TransientFaultClassifier, schedule IntervalSchedule, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gate:       gate,
		classifier: classifier,
		schedule:   schedule,
		tracer:     noop.NewTracerProvider().Tracer(""),
		clock:      types.NewRealClock(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Do runs fn with retry and returns only its error
func (o *Orchestrator) Do(ctx context.Context, commandText string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, o, commandText, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Runner is implemented by Orchestrator and Provider
type Runner interface {
	orchestrator() *Orchestrator
}

func (o *Orchestrator) orchestrator() *Orchestrator {
	return o
}

// Execute runs fn, retrying transient failures while the statement is
// eligible and attempts remain. The error of the last attempt is returned.
func Execute[T any](ctx context.Context, r Runner, commandText string, fn ExecuteFunc[T]) (T, error) {
	var zero T
	o := r.orchestrator()

	allowed := o.gate.Allowed(commandText)
	maxAttempts := o.schedule.MaxAttempts()

	ctx, span := o.tracer.Start(ctx, "sqlclient.retry.execute", trace.WithAttributes(
		attribute.Int("retry.max_attempts", maxAttempts),
		attribute.Bool("retry.statement_allowed", allowed),
	))
	defer span.End()

	o.updateStats(func(s *RetryStats) {
		s.TotalExecutions++
	})

	if !allowed {
		// statement blocked: exactly one attempt, failures propagate untouched
		o.updateStats(func(s *RetryStats) {
			s.TotalAttempts++
			s.BypassedRetries++
		})
		result, err := fn(ctx)
		o.finish(span, 1, err)
		if err != nil {
			return zero, err
		}
		return result, nil
	}

	enumerator := o.schedule.NewEnumerator()
	enumerator.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			o.finish(span, attempt-1, err)
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}

		o.updateStats(func(s *RetryStats) {
			s.TotalAttempts++
		})

		start := o.clock.Now()
		result, err := fn(ctx)
		if err == nil {
			o.finish(span, attempt, nil)
			if o.eventHandler != nil && attempt > 1 {
				o.eventHandler.OnRetrySuccess(ctx, attempt, o.clock.Since(start))
			}
			return result, nil
		}
		lastErr = err

		if !o.classifier.IsTransient(err) {
			o.finish(span, attempt, err)
			if o.eventHandler != nil {
				o.eventHandler.OnRetryFailure(ctx, attempt, err)
			}
			return zero, err
		}

		delay, more := enumerator.Next()
		if !more || attempt >= maxAttempts {
			o.finish(span, attempt, err)
			if o.eventHandler != nil {
				o.eventHandler.OnMaxAttemptsReached(ctx, attempt, err)
			}
			return zero, err
		}

		o.updateStats(func(s *RetryStats) {
			s.TotalRetryDelay += delay
		})
		if o.eventHandler != nil {
			o.eventHandler.OnRetryAttempt(ctx, attempt+1, err, delay)
		}

		if werr := o.wait(ctx, delay); werr != nil {
			o.finish(span, attempt, werr)
			return zero, errors.Join(werr, lastErr)
		}
	}
}

// wait suspends the caller for d without holding any lock
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := o.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// finish records the outcome of one execution
func (o *Orchestrator) finish(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}

	o.updateStats(func(s *RetryStats) {
		if err == nil {
			s.TotalSuccesses++
		} else {
			s.TotalFailures++
		}
		if attempts > 1 {
			s.TotalRetries++
		}
	})
}

// Stats returns a snapshot of the retry statistics
func (o *Orchestrator) Stats() RetryStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// ResetStats clears the statistics
func (o *Orchestrator) ResetStats() {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats = RetryStats{}
}

func (o *Orchestrator) updateStats(fn func(*RetryStats)) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	fn(&o.stats)
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorClock sets the clock used for waits
func WithOrchestratorClock(clock types.Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = types.OrRealClock(clock)
	}
}

// WithOrchestratorEventHandler sets the event handler
func WithOrchestratorEventHandler(handler EventHandler) OrchestratorOption {
	return func(o *Orchestrator) {
		o.eventHandler = handler
	}
}

// WithOrchestratorTracer sets the tracer used for execution spans
func WithOrchestratorTracer(tracer trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// LoggingEventHandler logs retry events with zap
type LoggingEventHandler struct {
	logger *zap.Logger
}

// NewLoggingEventHandler creates an event handler writing to logger
func NewLoggingEventHandler(logger *zap.Logger) *LoggingEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingEventHandler{logger: logger.With(zap.String("component", "retry"))}
}

// OnRetryAttempt logs an upcoming retry
func (h *LoggingEventHandler) OnRetryAttempt(ctx context.Context, attempt int, lastErr error, delay time.Duration) {
	h.logger.Debug("retrying after transient fault",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(lastErr),
	)
}

// OnRetrySuccess logs a success that needed retries
func (h *LoggingEventHandler) OnRetrySuccess(ctx context.Context, attempt int, duration time.Duration) {
	h.logger.Info("retry succeeded",
		zap.Int("attempt", attempt),
		zap.Duration("duration", duration),
	)
}

// OnRetryFailure logs a non-transient failure
func (h *LoggingEventHandler) OnRetryFailure(ctx context.Context, attempt int, err error) {
	h.logger.Debug("non-transient fault, not retrying",
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
}

// OnMaxAttemptsReached logs exhausted retries
func (h *LoggingEventHandler) OnMaxAttemptsReached(ctx context.Context, attempt int, err error) {
	h.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
}
