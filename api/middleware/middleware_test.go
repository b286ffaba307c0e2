package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/uber/jaeger-client-go"

	"github.com/customeros/popstack/internal/utils"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	return r
}

func TestAPIKeyMiddleware(t *testing.T) {
	r := newRouter(APIKeyMiddleware(APIKeyConfig{ValidAPIKey: "secret"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusNoContent},
		{"valid with whitespace", " secret ", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAPIKeyMiddleware_EmptyConfiguredKeyRejectsEverything(t *testing.T) {
	r := newRouter(APIKeyMiddleware(APIKeyConfig{}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(APIKeyHeader, "anything")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCustomContextMiddleware(t *testing.T) {
	// Arrange
	var got *utils.CustomContext
	r := newRouter(RequestIdMiddleware(), UserIdMiddleware())
	r.GET("/v1/accounts/:id", CustomContextMiddleware("popstack"), func(c *gin.Context) {
		got = utils.GetContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct-1", nil)
	req.Header.Set("X-User-Id", "user-7")
	req.Header.Set(RequestIdHeader, "req-42")
	w := httptest.NewRecorder()

	// Act
	r.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "popstack", got.AppSource)
	assert.Equal(t, "acct-1", got.AccountId)
	assert.Equal(t, "user-7", got.UserId)
	assert.Equal(t, "req-42", got.RequestId)
	assert.Equal(t, "req-42", w.Header().Get(RequestIdHeader))
}

func TestRequestIdMiddleware_GeneratesId(t *testing.T) {
	r := newRouter(RequestIdMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()

	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Len(t, w.Header().Get(RequestIdHeader), 36)
}

func TestTracingMiddleware_ReturnsTraceId(t *testing.T) {
	// Arrange
	tracer, closer := jaeger.NewTracer("popstack-test", jaeger.NewConstSampler(true), jaeger.NewNullReporter())
	t.Cleanup(func() {
		closer.Close()
		opentracing.SetGlobalTracer(opentracing.NoopTracer{})
	})
	opentracing.SetGlobalTracer(tracer)
	r := newRouter(TracingMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()

	// Act
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	// Assert
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(TraceIdHeader))
}
