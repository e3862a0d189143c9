package obs

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Instruments holds an engine-wide set of metrics. InitMetrics builds a
// single set at startup; the dispatcher, runtime, orchestrator, store and
// sweeper do not take it and record through their own meters instead.
type Instruments struct {
	DispatchStarted    metric.Int64Counter
	DispatchRejected   metric.Int64Counter
	ExecutionDuration  metric.Float64Histogram
	RetryAttempts      metric.Int64Counter
	SweepReclaims      metric.Int64Counter
	SingleInstanceWait metric.Int64Counter
	WorkflowDuration   metric.Float64Histogram
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns the
// shutdown function and the shared instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, inst Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Instruments {
	meter := otel.Meter("taskengine")
	dispatchStarted, _ := meter.Int64Counter("taskengine_dispatch_started_total")
	dispatchRejected, _ := meter.Int64Counter("taskengine_dispatch_rejected_total")
	executionDuration, _ := meter.Float64Histogram("taskengine_execution_duration_ms")
	retryAttempts, _ := meter.Int64Counter("taskengine_retry_attempts_total")
	sweepReclaims, _ := meter.Int64Counter("taskengine_sweep_reclaims_total")
	singleInstanceWait, _ := meter.Int64Counter("taskengine_single_instance_rejections_total")
	workflowDuration, _ := meter.Float64Histogram("taskengine_workflow_duration_ms")
	return Instruments{
		DispatchStarted:    dispatchStarted,
		DispatchRejected:   dispatchRejected,
		ExecutionDuration:  executionDuration,
		RetryAttempts:      retryAttempts,
		SweepReclaims:      sweepReclaims,
		SingleInstanceWait: singleInstanceWait,
		WorkflowDuration:   workflowDuration,
	}
}

// NoopInstruments returns an instrument set bound to a noop meter, for use
// in tests that don't start a collector.
func NoopInstruments(meter metric.Meter) Instruments {
	dispatchStarted, _ := meter.Int64Counter("taskengine_dispatch_started_total")
	dispatchRejected, _ := meter.Int64Counter("taskengine_dispatch_rejected_total")
	executionDuration, _ := meter.Float64Histogram("taskengine_execution_duration_ms")
	retryAttempts, _ := meter.Int64Counter("taskengine_retry_attempts_total")
	sweepReclaims, _ := meter.Int64Counter("taskengine_sweep_reclaims_total")
	singleInstanceWait, _ := meter.Int64Counter("taskengine_single_instance_rejections_total")
	workflowDuration, _ := meter.Float64Histogram("taskengine_workflow_duration_ms")
	return Instruments{
		DispatchStarted:    dispatchStarted,
		DispatchRejected:   dispatchRejected,
		ExecutionDuration:  executionDuration,
		RetryAttempts:      retryAttempts,
		SweepReclaims:      sweepReclaims,
		SingleInstanceWait: singleInstanceWait,
		WorkflowDuration:   workflowDuration,
	}
}
