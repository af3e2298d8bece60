package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractHeaders_RoundTrip(t *testing.T) {
	setPropagator()
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := map[string]string{}
	InjectHeaders(ctx, headers)
	require.Contains(t, headers, "traceparent")

	extracted := ExtractHeaders(context.Background(), headers)
	sc := trace.SpanContextFromContext(extracted)
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
	assert.True(t, sc.IsRemote())
}

func TestExtractHeaders_Empty(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractHeaders(ctx, nil))
}

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, tm.Tracer())
	require.NoError(t, tm.Start(context.Background()))
	assert.True(t, tm.IsRunning())
	require.NoError(t, tm.Stop(context.Background()))
}

func TestCreateExporter_Unknown(t *testing.T) {
	_, err := createExporter(TracingConfig{Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestHealthRegistry_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := NewHealthRegistry(0)
	reg.Register(HealthCheckFunc{CheckName: "broker", Fn: func(context.Context) error { return nil }})

	router := gin.New()
	router.GET("/healthz", reg.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	reg.Register(HealthCheckFunc{CheckName: "store", Fn: func(context.Context) error { return errors.New("down") }})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}
