package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plain := LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	traced := LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`+span.SpanContext().SpanID().String()+`"`)
}

func TestResourceCarriesIdentity(t *testing.T) {
	res := Resource(Config{ServiceName: "libsync", LibraryID: "lib-1", NodeID: "node-a"})
	attrs := res.Set()

	v, ok := attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "libsync", v.AsString())
	v, ok = attrs.Value(semconv.ServiceInstanceIDKey)
	require.True(t, ok)
	assert.Equal(t, "node-a", v.AsString())
	v, ok = attrs.Value("library.id")
	require.True(t, ok)
	assert.Equal(t, "lib-1", v.AsString())
}

func TestStartWithoutExporters(t *testing.T) {
	shutdown, err := Start(context.Background(), Config{ServiceName: "libsync"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRegisterReplicaInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterReplicaInfo(reg, "lib-1", "node-a", "json"))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "libsync_replica_info", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 1)
	assert.Equal(t, 1.0, families[0].GetMetric()[0].GetGauge().GetValue())
	assert.Error(t, RegisterReplicaInfo(reg, "lib-1", "node-a", "json"))
}
