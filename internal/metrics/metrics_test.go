package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/offers/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := counterValue(t, HTTPRequestsTotal, http.MethodGet, "/offers/:id", "2xx")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/offers/off_0123456789ab", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	after := counterValue(t, HTTPRequestsTotal, http.MethodGet, "/offers/:id", "2xx")
	assert.Equal(t, before+1, after)
}

func TestMiddlewareLabelsUnmatchedRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	before := counterValue(t, HTTPRequestsTotal, http.MethodGet, "unmatched", "4xx")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	after := counterValue(t, HTTPRequestsTotal, http.MethodGet, "unmatched", "4xx")
	assert.Equal(t, before+1, after)
}

func TestStatusLabel(t *testing.T) {
	cases := map[int]string{
		100: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		422: "4xx",
		500: "5xx",
		502: "5xx",
	}
	for status, want := range cases {
		assert.Equal(t, want, statusLabel(status), "status %d", status)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	SweepRunsTotal.WithLabelValues("ok").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paddock_sweep_runs_total")
}
