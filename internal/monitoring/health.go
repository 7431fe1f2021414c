package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

const (
	maxAlerts      = 100
	maxPerfHistory = 1000

	// Usage at or above this fraction of a bounded cache raises a warning.
	usageWarnThreshold = 0.9
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string                   `json:"status"`
	Timestamp   time.Time                `json:"timestamp"`
	Uptime      time.Duration            `json:"uptime"`
	System      SystemInfo               `json:"system"`
	Caches      map[string]kvcache.Stats `json:"caches"`
	Performance PerformanceInfo          `json:"performance"`
	Alerts      []Alert                  `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type PerformanceInfo struct {
	TotalSteps     int64     `json:"total_steps"`
	StepsPerSecond float64   `json:"steps_per_second"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	LastStep       time.Time `json:"last_step"`
}

// Alert represents a health alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // cache, performance, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor reports the state of registered KV caches over HTTP.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	mu          sync.RWMutex
	caches      map[string]kvcache.Stats
	alerts      []Alert
	lastStep    time.Time
	perfHistory []time.Duration
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		caches:    make(map[string]kvcache.Stats),
	}
}

// Publish records the current stats of c under name. Caches are not safe for
// concurrent use, so the goroutine owning c calls Publish after mutating it.
// A cache near its capacity raises a warning alert.
func (hm *HealthMonitor) Publish(name string, c kvcache.KVCache) {
	st := kvcache.Describe(c)
	metrics.RecordKVCacheStats(st.CapacityBytes, st.FootprintBytes)

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.caches[name] = st
	if st.Capacity > 0 && st.Usage >= usageWarnThreshold {
		hm.addAlertLocked("warning", "cache", fmt.Sprintf("Cache %s near capacity", name),
			"steps", st.Steps, "capacity", st.Capacity, "usage_pct", st.Usage*100)
	}
}

func (hm *HealthMonitor) Unregister(name string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.caches, name)
}

// Handler returns the monitor's routes without starting a server.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitor on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	srv := hm.server
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordStep records one generation step for latency reporting.
func (hm *HealthMonitor) RecordStep(duration time.Duration) {
	hm.mu.Lock()
	hm.lastStep = time.Now()
	hm.perfHistory = append(hm.perfHistory, duration)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if duration > 5*time.Second {
		hm.AddAlert("error", "performance", fmt.Sprintf("High step latency: %s", duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

// addAlertLocked adds an alert unless an unresolved one with the same
// component and message exists. fields are logged only.
func (hm *HealthMonitor) addAlertLocked(level, component, message string, fields ...any) {
	for _, a := range hm.alerts {
		if !a.Resolved && a.Component == component && a.Message == message {
			return
		}
	}
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	kv := append([]any{"level", level, "component", component, "message", message}, fields...)
	logger.Log.Warn("Health alert", kv...)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	caches := make(map[string]kvcache.Stats, len(hm.caches))
	for name, st := range hm.caches {
		caches[name] = st
	}

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Caches:      caches,
		Performance: hm.performanceLocked(),
		Alerts:      alerts,
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status.Status,
		"timestamp":   status.Timestamp.Format(time.RFC3339),
		"total_steps": status.Performance.TotalSteps,
		"caches":      status.Caches,
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{
		TotalSteps: metrics.TotalSteps(),
		LastStep:   hm.lastStep,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	latencies := make([]float64, len(hm.perfHistory))
	var total time.Duration
	for i, d := range hm.perfHistory {
		total += d
		latencies[i] = float64(d.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(latencies)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.StepsPerSecond = float64(len(latencies)) / total.Seconds()
	}
	return info
}
