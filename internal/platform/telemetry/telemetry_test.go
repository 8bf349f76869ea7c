package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestHistogram_CumulativeBuckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 3, 3, 7, 20} {
		h.Observe(v)
	}
	cum, count, sum := h.snapshot()
	want := []int64{1, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d: expected %d, got %d", i, want[i], cum[i])
		}
	}
	if count != 5 {
		t.Errorf("expected count 5, got %d", count)
	}
	if sum != 33.5 {
		t.Errorf("expected sum 33.5, got %g", sum)
	}
}

func TestHistogram_ConcurrentObserve(t *testing.T) {
	h := newHistogram(durationBuckets)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Observe(0.01)
			}
		}()
	}
	wg.Wait()
	if _, count, _ := h.snapshot(); count != 5000 {
		t.Errorf("expected 5000 observations, got %d", count)
	}
}

func TestMetrics_RunFinished(t *testing.T) {
	m := New()
	m.RunFinished("completed", false, 2*time.Second)
	m.RunFinished("completed", true, 0)
	m.RunFinished("failed", false, time.Second)

	if got := m.Runs("completed"); got != 2 {
		t.Errorf("expected 2 completed runs, got %d", got)
	}
	if got := m.Runs("failed"); got != 1 {
		t.Errorf("expected 1 failed run, got %d", got)
	}
	if _, count, _ := m.runTime.snapshot(); count != 2 {
		t.Errorf("expected cached run excluded from engine time, got %d observations", count)
	}

	out := m.Expose()
	for _, want := range []string{
		`patientflow_runs_total{status="completed",cached="true"} 1`,
		`patientflow_runs_total{status="failed",cached="false"} 1`,
		`patientflow_run_duration_seconds_count 2`,
		`patientflow_run_duration_seconds_sum 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected exposition to contain %q", want)
		}
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	})
	e.GET("/metrics", m.Handler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/abc", nil))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	want := `http_server_request_duration_seconds_count{method="GET",route="/api/v1/runs/:id",status_code="404"} 2`
	if !strings.Contains(body, want) {
		t.Errorf("expected %q in exposition, got:\n%s", want, body)
	}
	if !strings.Contains(body, "http_server_active_requests 1") {
		t.Error("expected the metrics request itself to be in flight")
	}
}
