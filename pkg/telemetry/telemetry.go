// Package telemetry installs the OpenTelemetry tracer provider used by the
// control loop spans.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"codeagent/pkg/config"
	"codeagent/pkg/logx"
)

// DefaultServiceName names the resource on every exported span.
const DefaultServiceName = "codeagent"

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// Options selects the exporter.
type Options struct {
	// Exporter is config.TracingNone or config.TracingStdout.
	Exporter    string
	ServiceName string
	// Writer receives stdout spans. Nil means os.Stdout.
	Writer io.Writer
	// Sync exports each span as it ends instead of batching.
	Sync bool
}

// Setup installs a global tracer provider for opts.Exporter. With tracing
// disabled the global no-op provider is left in place and the returned
// shutdown does nothing.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	logger := logx.NewLogger("telemetry")
	noop := func(context.Context) error { return nil }

	switch opts.Exporter {
	case "", config.TracingNone:
		logger.Debug("Tracing disabled")
		return noop, nil
	case config.TracingStdout:
	default:
		return nil, fmt.Errorf("unknown trace exporter: %s", opts.Exporter)
	}

	name := opts.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	spanOpt := sdktrace.WithBatcher(exporter)
	if opts.Sync {
		spanOpt = sdktrace.WithSyncer(exporter)
	}
	provider := sdktrace.NewTracerProvider(spanOpt, sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)
	logger.Info("Tracing enabled with %s exporter", opts.Exporter)

	return func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
		}
		return provider.Shutdown(ctx)
	}, nil
}
