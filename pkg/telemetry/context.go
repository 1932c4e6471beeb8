package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Instance)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// MetricsFromContext returns the metrics carried by ctx, or nil. The
// returned value is safe to call either way.
func MetricsFromContext(ctx context.Context) *Metrics {
	if tel := FromTelemetryContext(ctx); tel != nil {
		return tel.Metrics
	}
	return nil
}

// EventsFromContext returns the event publisher carried by ctx, or nil. The
// returned value is safe to call either way.
func EventsFromContext(ctx context.Context) *EventPublisher {
	if tel := FromTelemetryContext(ctx); tel != nil {
		return tel.Events
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.StopMetricsServer(ctx),
	)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics"))
}

// InstrumentedContext bundles the context, span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx).WithField("operation", operation),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Prefer the context logger so run-scoped fields survive.
	logger := FromContext(ctx).WithField("operation", operation)

	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

type runState struct {
	runID     string
	operation string
	span      trace.Span
	timer     *Timer
}

// runStateKey is the context key for the active run.
type runStateKey struct{}

// WithRunContext creates a context enriched with run-specific telemetry:
// a run span, a logger carrying run_id, and a started-run metric and event.
// It works without a Telemetry in ctx, in which case only the logger and
// run ID are attached.
func WithRunContext(ctx context.Context, runID, operation, scope string) context.Context {
	state := &runState{runID: runID, operation: operation, timer: NewTimer()}
	logger := FromContext(ctx).WithRunID(runID).WithField("run_operation", operation)

	if tel := FromTelemetryContext(ctx); tel != nil {
		ctx, state.span = tel.Tracer.StartRunSpan(ctx, runID, operation)
		tel.Metrics.RecordRunStarted(operation)
		if err := tel.Events.PublishRunStarted(runID, operation, scope); err != nil {
			logger.WithError(err).Debug("run started event dropped")
		}
	}

	ctx = logger.WithContext(ctx)
	return context.WithValue(ctx, runStateKey{}, state)
}

// RunIDFromContext returns the run ID attached by WithRunContext.
func RunIDFromContext(ctx context.Context) string {
	if state, ok := ctx.Value(runStateKey{}).(*runState); ok {
		return state.runID
	}
	return ""
}

// EndRunContext completes the run context, recording metrics and events.
func EndRunContext(ctx context.Context, status string, created int, err error) {
	state, ok := ctx.Value(runStateKey{}).(*runState)
	if !ok {
		return
	}
	duration := state.timer.Duration()

	if state.span != nil {
		state.span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(state.span, err)
		} else {
			RecordSuccess(state.span)
		}
		state.span.End()
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	tel.Metrics.RecordRunCompleted(state.operation, status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(state.runID, err.Error())
		return
	}
	_ = tel.Events.PublishRunCompleted(state.runID, status, created, duration)
}

// RecordGatewayOperation wraps a remote gateway call with a span, a timer
// and call/error metrics.
func RecordGatewayOperation(ctx context.Context, kind, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartGatewaySpan(ctx, kind, operation)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		elapsed := timer.Duration()
		if tel.Metrics.RecordGatewayCall(kind, operation, elapsed) {
			FromContext(ctx).WithField("kind", kind).
				WithField("operation", operation).
				WithField("duration", elapsed.String()).
				Warn("slow gateway call")
		}
		if err != nil {
			tel.Metrics.RecordGatewayError(kind, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
