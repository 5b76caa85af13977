package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"

	"github.com/umbradev/umbra/internal/testutil/testlog"
)

func TestInspectorTelemetryRecordsHostLabel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(InspectorTelemetry("host.test", log.Logger))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("host.test", "GET", "/ping", "200"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}

	after := testutil.ToFloat64(httpRequests.WithLabelValues("host.test", "GET", "/ping", "200"))
	if after != before+1 {
		t.Fatalf("request counter=%v, want %v", after, before+1)
	}
}
