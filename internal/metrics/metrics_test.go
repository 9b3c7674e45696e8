package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestMetricsMiddlewareIncrementsCounters(t *testing.T) {
	gin.SetMode(gin.TestMode)

	InitMetrics()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRegisterExposesUploadMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	InitMetrics()
	ChunkReceived(3)
	ObserveAssembly("completed", 20*time.Millisecond, 9)

	r := gin.New()
	Register(r, "/metrics")

	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"meshdrop_upload_chunks_received_total", "meshdrop_upload_assemblies_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in /metrics output", name)
		}
	}
}
