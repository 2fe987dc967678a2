package telemetry

import (
	"context"
	"errors"
	"net/http"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds every component. Components built
// before a failure are released.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		_ = t.Logger.Close()
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		_ = t.Logger.Close()
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		_ = t.Logger.Close()
		return nil, err
	}
	return t, nil
}

// Nop returns a telemetry bundle that records metrics in a private registry
// and discards logs, spans and events. Tests use it to read counters back.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	metrics, _ := NewMetrics(cfg.Metrics)
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// Shutdown drains pending events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// StartMetricsServer starts the metrics HTTP server if a listen address is
// configured.
func (t *Telemetry) StartMetricsServer() (*http.Server, error) {
	return t.Metrics.StartMetricsServer()
}

// RecordRemoteCall runs fn inside a remote span and records its duration
// and outcome. classify labels a failure for the error counter. A nil
// Telemetry just runs fn.
func (t *Telemetry) RecordRemoteCall(ctx context.Context, op, p string, classify func(error) string, fn func(context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	ctx, span := t.Tracer.StartRemoteSpan(ctx, op, p)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	duration := timer.Duration()

	t.Metrics.RecordRemoteCall(op, duration)
	if err != nil {
		class := "unknown"
		if classify != nil {
			class = classify(err)
		}
		t.Metrics.RecordRemoteError(op, class)
		span.SetAttributes(AttrErrorClass.String(class))
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}

	t.Logger.zlog.Debug().
		Str("op", op).
		Str("path", p).
		Dur("duration", duration).
		Err(err).
		Msg("remote call")

	return err
}
