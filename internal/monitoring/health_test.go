package monitoring

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

func TestHealthEndpoint(t *testing.T) {
	hm := NewHealthMonitor()
	c, _ := kvcache.NewTensorKVCache(4, 10)
	_ = c.Append([]float32{1, 2, 3, 4}, []float32{4, 3, 2, 1})
	hm.Publish("seq-1", c)

	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status string                   `json:"status"`
		Caches map[string]kvcache.Stats `json:"caches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %s", body.Status)
	}
	st, ok := body.Caches["seq-1"]
	if !ok {
		t.Fatalf("seq-1 missing from %v", body.Caches)
	}
	if st.Steps != 1 || st.Capacity != 10 || st.FootprintBytes != 32 || st.Strategy != "float32" {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPublishIsPointInTime(t *testing.T) {
	hm := NewHealthMonitor()
	c, _ := kvcache.NewTensorKVCache(2, 0)
	hm.Publish("a", c)
	_ = c.Append([]float32{1, 2}, []float32{3, 4})

	if got := hm.Status().Caches["a"].Steps; got != 0 {
		t.Errorf("expected stale 0 steps before republish, got %d", got)
	}
	hm.Publish("a", c)
	if got := hm.Status().Caches["a"].Steps; got != 1 {
		t.Errorf("expected 1 step, got %d", got)
	}
	hm.Unregister("a")
	if _, ok := hm.Status().Caches["a"]; ok {
		t.Error("expected cache removed after Unregister")
	}
}

func TestCapacityAlert(t *testing.T) {
	hm := NewHealthMonitor()
	c, _ := kvcache.NewTensorKVCache(1, 10)
	for i := 0; i < 9; i++ {
		_ = c.Append([]float32{float32(i)}, []float32{1})
	}
	hm.Publish("full", c)
	_ = c.Append([]float32{9}, []float32{1})
	hm.Publish("full", c)
	hm.Publish("full", c)

	st := hm.Status()
	if len(st.Alerts) != 1 {
		t.Fatalf("expected 1 alert across 90%% and 100%% usage, got %d: %+v", len(st.Alerts), st.Alerts)
	}
	if st.Alerts[0].Component != "cache" || st.Alerts[0].Level != "warning" {
		t.Errorf("unexpected alert %+v", st.Alerts[0])
	}
	if st.Status != "healthy" {
		t.Errorf("warnings should not degrade status, got %s", st.Status)
	}
}

func TestPublishRecordsBytes(t *testing.T) {
	tests := []struct {
		name     string
		strategy config.CacheStrategy
		used     float64
		capacity float64
	}{
		// 10 steps * 2 rows * 768 * 4 bytes, capacity 100 steps.
		{"float32", config.CacheFloat, 61440, 614400},
		// 10 steps * 2 rows * (384 packed bytes + 4 byte scale).
		{"int4", config.CacheInt4, 7760, 77600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.HiddenDim = 768
			cfg.Capacity = 100
			cfg.Strategy = tt.strategy
			c, err := kvcache.New(cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			rng := rand.New(rand.NewSource(1))
			for i := 0; i < 10; i++ {
				k := make([]float32, 768)
				v := make([]float32, 768)
				for j := range k {
					k[j] = rng.Float32()
					v[j] = rng.Float32()
				}
				if err := c.Append(k, v); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			NewHealthMonitor().Publish("s", c)
			if got := testutil.ToFloat64(metrics.KVCacheUsedBytes); got != tt.used {
				t.Errorf("used bytes: expected %v, got %v", tt.used, got)
			}
			if got := testutil.ToFloat64(metrics.KVCacheCapacityBytes); got != tt.capacity {
				t.Errorf("capacity bytes: expected %v, got %v", tt.capacity, got)
			}
		})
	}
}

func TestStatusLevels(t *testing.T) {
	tests := []struct {
		name   string
		levels []string
		want   string
		code   int
	}{
		{"none", nil, "healthy", http.StatusOK},
		{"error", []string{"error"}, "degraded", http.StatusOK},
		{"critical", []string{"error", "critical"}, "critical", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor()
			for i, l := range tt.levels {
				hm.AddAlert(l, "system", strings.Repeat("x", i+1))
			}
			rec := httptest.NewRecorder()
			hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
			if got := hm.Status().Status; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolveAndClearAlerts(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert("critical", "system", "boom")
	hm.ResolveAlert(0)
	if got := hm.Status().Status; got != "healthy" {
		t.Errorf("resolved alert should not count, got %s", got)
	}

	h := hm.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if n := len(hm.Status().Alerts); n != 0 {
		t.Errorf("expected no alerts, got %d", n)
	}
}

func TestRecordStepPerformance(t *testing.T) {
	hm := NewHealthMonitor()
	for _, ms := range []int{10, 20, 30} {
		hm.RecordStep(time.Duration(ms) * time.Millisecond)
	}
	perf := hm.Status().Performance
	if perf.AvgLatencyMs < 19.99 || perf.AvgLatencyMs > 20.01 {
		t.Errorf("expected avg 20ms, got %v", perf.AvgLatencyMs)
	}
	if perf.P95LatencyMs != 30 {
		t.Errorf("expected p95 30ms, got %v", perf.P95LatencyMs)
	}
	if perf.LastStep.IsZero() {
		t.Error("expected last step timestamp")
	}

	hm.RecordStep(6 * time.Second)
	if got := hm.Status().Status; got != "degraded" {
		t.Errorf("slow step should degrade health, got %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthMonitor().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "generation_steps_total") {
		t.Error("expected generation_steps_total in metrics output")
	}
}
