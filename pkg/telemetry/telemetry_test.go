package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"codeagent/pkg/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	for _, exporter := range []string{"", config.TracingNone} {
		shutdown, err := Setup(context.Background(), Options{Exporter: exporter})
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Options{Exporter: "jaeger"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jaeger")
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Options{
		Exporter:    config.TracingStdout,
		ServiceName: "codeagent-test",
		Writer:      &buf,
		Sync:        true,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("codeagent/test").Start(context.Background(), "coder.turn")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"coder.turn"`)
	assert.Contains(t, out, "codeagent-test")
}
