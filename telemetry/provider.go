package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

type exporterOpts struct {
	w io.Writer
}

type ExporterOpt func(*exporterOpts)

// WithWriter sends stdout-mode output to w instead.
func WithWriter(w io.Writer) ExporterOpt {
	return func(o *exporterOpts) {
		o.w = w
	}
}

func NewTracerProvider(ctx context.Context, res *resource.Resource, mode Mode, o exporterOpts) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	if mode == Stdout {
		var opts []stdouttrace.Option
		if o.w != nil {
			opts = append(opts, stdouttrace.WithWriter(o.w))
		}
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	} else {
		exporter, err = otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(1*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

func NewMeterProvider(ctx context.Context, res *resource.Resource, mode Mode, o exporterOpts) (*metric.MeterProvider, error) {
	var exporter metric.Exporter
	var err error

	if mode == Stdout {
		var opts []stdoutmetric.Option
		if o.w != nil {
			opts = append(opts, stdoutmetric.WithWriter(o.w))
		}
		exporter, err = stdoutmetric.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(10*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
