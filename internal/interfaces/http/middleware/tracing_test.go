package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs a recording tracer provider as the global
// provider, which is where otelgin picks it up from.
func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(t.Context())
	})

	return sr
}

func serveTraced(t *testing.T, router *gin.Engine, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	router.ServeHTTP(w, req)
	return w
}

func findSpan(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func spanAttribute(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingWithConfig_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := setupTestTracer(t)

	router := gin.New()
	router.Use(TracingWithConfig(TracingConfig{Enabled: false, ServiceName: "saasbill-backend"}))
	router.GET("/v1/plans", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plans": []string{}})
	})

	w := serveTraced(t, router, http.MethodGet, "/v1/plans", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sr.Ended(), "disabled middleware must not create spans")
}

func TestTracingWithConfig_CreatesServerSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := setupTestTracer(t)

	router := gin.New()
	router.Use(TracingWithConfig(TracingConfig{Enabled: true, ServiceName: "saasbill-backend"}))
	router.GET("/v1/invoices/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	w := serveTraced(t, router, http.MethodGet, "/v1/invoices/inv_42", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	span := findSpan(sr.Ended(), "GET /v1/invoices/:id")
	require.NotNil(t, span, "server span not recorded")
}

func TestTracingWithConfig_RequestIDAttribute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := setupTestTracer(t)

	router := gin.New()
	router.Use(TracingWithConfig(TracingConfig{Enabled: true, ServiceName: "saasbill-backend"}))
	router.GET("/v1/plans", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	header := http.Header{}
	header.Set("X-Request-ID", "req-12345")
	serveTraced(t, router, http.MethodGet, "/v1/plans", header)

	span := findSpan(sr.Ended(), "GET /v1/plans")
	require.NotNil(t, span)

	val, found := spanAttribute(span, "request_id")
	require.True(t, found, "request_id attribute missing")
	assert.Equal(t, "req-12345", val.AsString())
}

func TestTracingWithConfig_TenantFromContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := setupTestTracer(t)

	router := gin.New()
	router.Use(TracingWithConfig(TracingConfig{Enabled: true, ServiceName: "saasbill-backend"}))
	router.Use(func(c *gin.Context) {
		c.Set(TenantIDKey, "4fa85f64-5717-4562-b3fc-2c963f66afa7")
		c.Next()
	})
	router.Use(TracingAttributeInjector())
	router.GET("/v1/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	serveTraced(t, router, http.MethodGet, "/v1/subscriptions", nil)

	span := findSpan(sr.Ended(), "GET /v1/subscriptions")
	require.NotNil(t, span)

	val, found := spanAttribute(span, "tenant_id")
	require.True(t, found, "tenant_id attribute missing")
	assert.Equal(t, "4fa85f64-5717-4562-b3fc-2c963f66afa7", val.AsString())
}

func TestTracingWithConfig_TenantFromHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"valid uuid is attached", "4fa85f64-5717-4562-b3fc-2c963f66afa7", "4fa85f64-5717-4562-b3fc-2c963f66afa7"},
		{"non uuid is dropped", "tenant'; DROP TABLE invoices; --", ""},
		{"plain word is dropped", "acme", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := setupTestTracer(t)

			router := gin.New()
			router.Use(TracingWithConfig(TracingConfig{Enabled: true, ServiceName: "saasbill-backend"}))
			router.GET("/v1/plans", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{})
			})

			header := http.Header{}
			header.Set(TenantHeaderKey, tt.header)
			serveTraced(t, router, http.MethodGet, "/v1/plans", header)

			span := findSpan(sr.Ended(), "GET /v1/plans")
			require.NotNil(t, span)

			val, found := spanAttribute(span, "tenant_id")
			if tt.expected == "" {
				assert.False(t, found, "unvalidated tenant header must not reach the span")
			} else {
				require.True(t, found)
				assert.Equal(t, tt.expected, val.AsString())
			}
		})
	}
}

func TestSpanErrorMarker(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name        string
		status      int
		wantCode    codes.Code
		wantMessage string
	}{
		{"success is unset", http.StatusOK, codes.Unset, ""},
		{"created is unset", http.StatusCreated, codes.Unset, ""},
		{"bad request", http.StatusBadRequest, codes.Error, "Bad Request"},
		{"unauthorized", http.StatusUnauthorized, codes.Error, "Unauthorized"},
		{"forbidden", http.StatusForbidden, codes.Error, "Forbidden"},
		{"not found", http.StatusNotFound, codes.Error, "Not Found"},
		{"conflict", http.StatusConflict, codes.Error, "Conflict"},
		{"server error", http.StatusInternalServerError, codes.Error, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := setupTestTracer(t)

			router := gin.New()
			router.Use(TracingWithConfig(TracingConfig{Enabled: true, ServiceName: "saasbill-backend"}))
			router.Use(SpanErrorMarker())
			router.GET("/v1/invoices", func(c *gin.Context) {
				c.JSON(tt.status, gin.H{})
			})

			serveTraced(t, router, http.MethodGet, "/v1/invoices", nil)

			span := findSpan(sr.Ended(), "GET /v1/invoices")
			require.NotNil(t, span)
			assert.Equal(t, tt.wantCode, span.Status().Code)
			if tt.wantCode == codes.Error {
				assert.Equal(t, tt.wantMessage, span.Status().Description)
				val, found := spanAttribute(span, "http.status_code")
				require.True(t, found)
				assert.Equal(t, int64(tt.status), val.AsInt64())
			}
		})
	}
}

func TestSpanErrorMarker_WithoutSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(SpanErrorMarker())
	router.GET("/v1/plans", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{})
	})

	assert.NotPanics(t, func() {
		serveTraced(t, router, http.MethodGet, "/v1/plans", nil)
	})
}

func TestTracingAttributeInjector_WithoutSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(TracingAttributeInjector())
	router.GET("/v1/plans", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	w := serveTraced(t, router, http.MethodGet, "/v1/plans", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.Equal(t, "saasbill-backend", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
}

func TestSpanRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("context wins over header", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		c.Request.Header.Set("X-Request-ID", "from-header")
		c.Set("request_id", "from-context")
		assert.Equal(t, "from-context", spanRequestID(c))
	})

	t.Run("falls back to header", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		c.Request.Header.Set("X-Request-ID", "from-header")
		assert.Equal(t, "from-header", spanRequestID(c))
	})

	t.Run("long header is truncated", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		c.Request.Header.Set("X-Request-ID", strings.Repeat("x", MaxRequestIDLength+50))
		assert.Len(t, spanRequestID(c), MaxRequestIDLength)
	})

	t.Run("absent", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		assert.Equal(t, "", spanRequestID(c))
	})
}

func TestSpanTenantID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("context wins over header", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		c.Request.Header.Set(TenantHeaderKey, "4fa85f64-5717-4562-b3fc-2c963f66afa7")
		c.Set(TenantIDKey, "resolved-tenant")
		assert.Equal(t, "resolved-tenant", spanTenantID(c))
	})

	t.Run("header requires uuid", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		c.Request.Header.Set(TenantHeaderKey, "not-a-uuid")
		assert.Equal(t, "", spanTenantID(c))
	})

	t.Run("valid header accepted", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request, _ = http.NewRequest(http.MethodGet, "/v1/plans", nil)
		c.Request.Header.Set(TenantHeaderKey, "4fa85f64-5717-4562-b3fc-2c963f66afa7")
		assert.Equal(t, "4fa85f64-5717-4562-b3fc-2c963f66afa7", spanTenantID(c))
	})
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		name     string
		tenantID string
		want     bool
	}{
		{"lowercase uuid", "4fa85f64-5717-4562-b3fc-2c963f66afa7", true},
		{"uppercase uuid", "4FA85F64-5717-4562-B3FC-2C963F66AFA7", true},
		{"missing segment", "4fa85f64-5717-4562-b3fc", false},
		{"empty", "", false},
		{"sql fragment", "'; DROP TABLE subscriptions; --", false},
		{"too long", strings.Repeat("a", MaxTenantIDLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validTenantID(tt.tenantID))
		})
	}
}
