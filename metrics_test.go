package dstate

import (
	"context"
	"testing"

	testutils "github.com/drpcorg/dstate/test_utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t, "metrics")
	for i := 0; i < 3; i++ {
		_, err := s.Commit(ctx, i)
		require.NoError(t, err)
	}
	_, err := s.Rollback(ctx, 0)
	require.NoError(t, err)
	_, err = s.Rollback(ctx, 7)
	require.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(OpCount.WithLabelValues("metrics", "commit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(OpCount.WithLabelValues("metrics", "rollback", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(OpCount.WithLabelValues("metrics", "rollback", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(SlotsDeleted.WithLabelValues("metrics", "rollback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentIndex.WithLabelValues("metrics")))

	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
	collector := NewPebbleCollector(db)
	require.NoError(t, reg.Register(collector))
	assert.Equal(t, 8, testutil.CollectAndCount(collector))
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(ctx)

	opts := testOptions("traced")
	opts.Tracer = tp.Tracer("test")
	s, err := New(testutils.OpenMemDB(t), opts)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Commit(ctx, "x")
	require.NoError(t, err)
	_, err = s.Rollback(ctx, 3)
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "dstate.commit", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, "dstate.rollback", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}
