package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the kline feature pipeline.
type Metrics struct {
	CandlesTotal   prometheus.Counter
	TradesTotal    prometheus.Counter
	IgnoredKlines  prometheus.Counter // updates for the still-forming bar
	DroppedCandles prometheus.Counter // duplicate or out-of-order closed candles
	WSReconnects   prometheus.Counter
	Backfilled     prometheus.Counter

	// Feature engine
	FeatureComputeDur prometheus.Histogram

	// Persistence fan-out
	PersistCycleDur prometheus.Histogram
	PersistInFlight prometheus.Gauge
	PersistFailures *prometheus.CounterVec // labels: sink

	// Windows
	WindowLen       *prometheus.GaugeVec // labels: window
	WindowEvictions *prometheus.GaugeVec // labels: window

	// Process memory
	ResidentMemory prometheus.Gauge
	VirtualMemory  prometheus.Gauge
	HeapAlloc      prometheus.Gauge

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open

	// Orchestrator state (see stream.State)
	PipelineState prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics on reg.
// A nil reg selects the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_candles_total",
			Help: "Closed candles accepted into the windows",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_trades_total",
			Help: "Trade events received",
		}),
		IgnoredKlines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_ignored_klines_total",
			Help: "Kline updates ignored because the bar is not closed",
		}),
		DroppedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_dropped_candles_total",
			Help: "Closed candles dropped as duplicate or out of order",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		Backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_backfilled_candles_total",
			Help: "Candles recovered over REST after a gap",
		}),

		FeatureComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinefeed_feature_compute_duration_seconds",
			Help:    "Full feature recompute latency per closed candle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		PersistCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinefeed_persist_cycle_duration_seconds",
			Help:    "Wall time of one persistence fan-out (all sinks)",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PersistInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_persist_in_flight",
			Help: "Persistence fan-outs currently running",
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinefeed_persist_failures_total",
			Help: "Failed persistence writes per sink",
		}, []string{"sink"}),

		WindowLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinefeed_window_len",
			Help: "Candles held per window",
		}, []string{"window"}),
		WindowEvictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinefeed_window_evictions",
			Help: "Candles evicted from a full window since start",
		}, []string{"window"}),

		ResidentMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_resident_memory_bytes",
			Help: "Resident set size sampled by the memory sampler",
		}),
		VirtualMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_virtual_memory_bytes",
			Help: "Virtual memory size sampled by the memory sampler",
		}),
		HeapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_heap_alloc_bytes",
			Help: "Go heap bytes allocated and in use",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		PipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_pipeline_state",
			Help: "Orchestrator state (1=bootstrapping, 2=connected, 3=streaming, 4=disconnected, 5=terminated)",
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.TradesTotal,
		m.IgnoredKlines,
		m.DroppedCandles,
		m.WSReconnects,
		m.Backfilled,
		m.FeatureComputeDur,
		m.PersistCycleDur,
		m.PersistInFlight,
		m.PersistFailures,
		m.WindowLen,
		m.WindowEvictions,
		m.ResidentMemory,
		m.VirtualMemory,
		m.HeapAlloc,
		m.RedisCircuitBreakerState,
		m.PipelineState,
	)

	return m
}

// HealthStatus represents the pipeline health.
type HealthStatus struct {
	mu sync.RWMutex

	State            string    `json:"state"`
	WSConnected      bool      `json:"ws_connected"`
	LastCandleTime   time.Time `json:"last_candle_time"`
	LastPersistOK    bool      `json:"last_persist_ok"`
	RedisEnabled     bool      `json:"redis_enabled"`
	RedisBreakerOpen bool      `json:"redis_breaker_open"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		State:         "bootstrapping",
		LastPersistOK: true,
		StartedAt:     time.Now(),
	}
}

func (h *HealthStatus) SetState(s string) {
	h.mu.Lock()
	h.State = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPersistOK(v bool) {
	h.mu.Lock()
	h.LastPersistOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedis(enabled, breakerOpen bool) {
	h.mu.Lock()
	h.RedisEnabled = enabled
	h.RedisBreakerOpen = breakerOpen
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.LastPersistOK || h.RedisBreakerOpen {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.State == "terminated" {
		overallStatus = "unhealthy"
	}

	candleAge := ""
	lastCandle := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
		lastCandle = h.LastCandleTime.UTC().Format(time.RFC3339)
	}

	status := struct {
		Status           string `json:"status"`
		State            string `json:"state"`
		Uptime           string `json:"uptime"`
		WSConnected      bool   `json:"ws_connected"`
		LastCandleTime   string `json:"last_candle_time"`
		CandleAge        string `json:"candle_age"`
		LastPersistOK    bool   `json:"last_persist_ok"`
		RedisEnabled     bool   `json:"redis_enabled"`
		RedisBreakerOpen bool   `json:"redis_breaker_open"`
	}{
		Status:           overallStatus,
		State:            h.State,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:      h.WSConnected,
		LastCandleTime:   lastCandle,
		CandleAge:        candleAge,
		LastPersistOK:    h.LastPersistOK,
		RedisEnabled:     h.RedisEnabled,
		RedisBreakerOpen: h.RedisBreakerOpen,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer selects the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the server mux (used by tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("component", "metrics").Str("addr", s.addr).Msg("server listening")
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("component", "metrics").Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
