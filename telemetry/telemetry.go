// Package telemetry sets up OpenTelemetry tracing and metrics for the
// artifact client and server.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Mode picks where telemetry goes.
type Mode string

const (
	Off    Mode = "off"
	Stdout Mode = "stdout"
	OTLP   Mode = "otlp"
)

var ErrUnknownMode = errors.New("unknown telemetry mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", Off:
		return Off, nil
	case Stdout, OTLP:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer

	serviceName string
}

// New installs global tracer and meter providers for the given mode. With
// Off, the returned Telemetry is a no-op and globals are left untouched.
func New(ctx context.Context, serviceName, serviceVersion string, mode Mode, o ...ExporterOpt) (*Telemetry, error) {
	if mode == Off || mode == "" {
		return &Telemetry{
			meter:       noop.NewMeterProvider().Meter(serviceName),
			tracer:      tracenoop.NewTracerProvider().Tracer(serviceName),
			serviceName: serviceName,
		}, nil
	}

	var eo exporterOpts
	for _, fn := range o {
		fn(&eo)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, mode, eo)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, mode, eo)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(serviceName),
		tracer: tp.Tracer(serviceName),

		serviceName: serviceName,
	}, nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

func (t *Telemetry) TraceStart(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return otel.Tracer(t.serviceName).Start(ctx, name)
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
