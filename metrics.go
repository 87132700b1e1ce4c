package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsCollector 將輪詢結果匯出為 Prometheus 指標
type MetricsCollector struct {
	mu sync.RWMutex

	registry      *prometheus.Registry
	registerValue *prometheus.GaugeVec
	readsTotal    *prometheus.CounterVec
	sweepDuration prometheus.Histogram

	startTime time.Time
	latest    map[string]Reading
	lastSweep time.Time

	poller *Poller
	server *http.Server
	logger *zap.Logger
}

// MetricsSnapshot /readings 回應
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	LastSweep time.Time `json:"last_sweep"`
	Readings  []Reading `json:"readings"`
}

// NewMetricsCollector 建立指標收集器 (使用獨立的 registry)
func NewMetricsCollector(logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		registerValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "epever_register_value",
			Help: "Last converted value of a charge controller register.",
		}, []string{"fcode", "register", "identifier", "unit"}),
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epever_reads_total",
			Help: "Register reads by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epever_sweep_duration_seconds",
			Help:    "Duration of a full polling sweep.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		startTime: time.Now(),
		latest:    make(map[string]Reading),
		logger:    logger,
	}

	m.registry.MustRegister(m.registerValue, m.readsTotal, m.sweepDuration)
	return m
}

// SetPoller 設定輪詢器 (供 /health 使用)
func (m *MetricsCollector) SetPoller(p *Poller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poller = p
}

// Registry 返回指標 registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Record 記錄單次讀取結果
func (m *MetricsCollector) Record(result ReadResult) {
	m.readsTotal.WithLabelValues(result.Result()).Inc()

	if result.Err != nil || result.Reading == nil {
		return
	}

	r := *result.Reading
	m.registerValue.WithLabelValues(
		r.FunctionCode.String(),
		r.Register,
		r.Identifier,
		r.Unit,
	).Set(r.Value.Number)

	m.mu.Lock()
	m.latest[result.Ref.String()] = r
	m.mu.Unlock()
}

// ObserveSweep 記錄整輪耗時
func (m *MetricsCollector) ObserveSweep(sweep SweepResult) {
	m.sweepDuration.Observe(sweep.Duration.Seconds())

	m.mu.Lock()
	m.lastSweep = sweep.Started
	m.mu.Unlock()
}

// Snapshot 取得最新讀值快照 (依功能碼與位址排序)
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.latest))
	for k := range m.latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	readings := make([]Reading, 0, len(keys))
	for _, k := range keys {
		readings = append(readings, m.latest[k])
	}

	return MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).String(),
		LastSweep: m.lastSweep,
		Readings:  readings,
	}
}

// Handler 建立 HTTP 路由
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/readings", m.handleReadings)
	mux.HandleFunc("/health", m.handleHealth)
	return mux
}

// Start 啟動指標伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.logger.Info("啟動指標伺服器", zap.String("addr", addr), zap.String("endpoint", endpoint))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 關閉指標伺服器
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// handleReadings 處理 /readings 請求
func (m *MetricsCollector) handleReadings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Snapshot())
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	poller := m.poller
	lastSweep := m.lastSweep
	m.mu.RUnlock()

	status := map[string]string{"status": "healthy"}
	if poller != nil {
		status["poller"] = poller.State().String()
		if poller.State() != PollerStateRunning {
			status["status"] = "not running"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(status)
			return
		}
	}
	if !lastSweep.IsZero() {
		status["last_sweep"] = lastSweep.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
