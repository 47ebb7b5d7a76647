package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsarf/waterfall/strategy"
)

const namespace = "waterfall"

type MetricsCollector struct {
	TopDomains          map[string]uint64 `json:"top_domains"`
	StrategyCounts      map[string]uint64 `json:"strategy_counts"`
	TotalConnections    uint64            `json:"total_connections"`
	ActiveConnections   uint64            `json:"active_connections"`
	TargetedConnections uint64            `json:"targeted_connections"`
	Dispatches          uint64            `json:"dispatches"`
	DispatchErrors      uint64            `json:"dispatch_errors"`
	BytesUp             uint64            `json:"bytes_up"`
	BytesDown           uint64            `json:"bytes_down"`
	CurrentCPS          float64           `json:"current_cps"`

	ConnectionRate    []TimeSeriesPoint `json:"connection_rate"`
	StartTime         time.Time         `json:"start_time"`
	Uptime            string            `json:"uptime"`
	MemoryUsage       MemoryStats       `json:"memory_usage"`
	Goroutines        int               `json:"goroutines"`
	RecentConnections []ConnectionLog   `json:"recent_connections"`
	RecentEvents      []SystemEvent     `json:"recent_events"`

	lastUpdate    time.Time
	lastConnCount uint64
	mu            sync.RWMutex
	prom          *promSet
}

type TimeSeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type MemoryStats struct {
	Allocated uint64 `json:"allocated"`
	System    uint64 `json:"system"`
	HeapInuse uint64 `json:"heap_inuse"`
	NumGC     uint32 `json:"num_gc"`
}

type ConnectionLog struct {
	Timestamp   time.Time `json:"timestamp"`
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	IsTarget    bool      `json:"is_target"`
}

type SystemEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type promSet struct {
	registry        *prometheus.Registry
	connections     *prometheus.CounterVec
	active          prometheus.Gauge
	dispatches      prometheus.Counter
	dispatchErrors  prometheus.Counter
	strategyApplied *prometheus.CounterVec
	emissions       *prometheus.CounterVec
	emissionBytes   *prometheus.CounterVec
	relayBytes      *prometheus.CounterVec
}

func newPromSet() *promSet {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &promSet{
		registry: reg,
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "SOCKS5 connections accepted, by whether the engine was applied.",
		}, []string{"targeted"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently being relayed.",
		}),
		dispatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Buffers run through the strategy list.",
		}),
		dispatchErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Dispatches aborted by a socket error.",
		}),
		strategyApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_applied_total",
			Help:      "Strategies that passed their filters and emitted.",
		}, []string{"method"}),
		emissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_total",
			Help:      "Socket operations issued by the engine, by kind.",
		}, []string{"kind"}),
		emissionBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emission_bytes_total",
			Help:      "Bytes written by the engine, by kind.",
		}, []string{"kind"}),
		relayBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),
	}
}

var (
	metricsCollector *MetricsCollector
	metricsOnce      sync.Once
)

func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		metricsCollector = NewCollector()
		go metricsCollector.updateLoop()
	})
	return metricsCollector
}

// NewCollector returns a collector with its own registry and no
// background updater.
func NewCollector() *MetricsCollector {
	return &MetricsCollector{
		StartTime:         time.Now(),
		TopDomains:        make(map[string]uint64),
		StrategyCounts:    make(map[string]uint64),
		ConnectionRate:    make([]TimeSeriesPoint, 0, 60),
		RecentConnections: make([]ConnectionLog, 0, 10),
		RecentEvents:      make([]SystemEvent, 0, 20),
		lastUpdate:        time.Now(),
		prom:              newPromSet(),
	}
}

// Handler serves the Prometheus exposition format.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.prom.registry
}

func (m *MetricsCollector) updateLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.updateRates(time.Now())
		m.updateSystemStats()
	}
}

func (m *MetricsCollector) updateRates(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := now.Sub(m.lastUpdate).Seconds()
	if duration <= 0 {
		return
	}
	m.CurrentCPS = float64(m.TotalConnections-m.lastConnCount) / duration
	m.ConnectionRate = append(m.ConnectionRate, TimeSeriesPoint{
		Timestamp: now.UnixMilli(),
		Value:     m.CurrentCPS,
	})
	if len(m.ConnectionRate) > 60 {
		m.ConnectionRate = m.ConnectionRate[len(m.ConnectionRate)-60:]
	}
	m.lastUpdate = now
	m.lastConnCount = m.TotalConnections
	m.Uptime = formatDuration(now.Sub(m.StartTime))
}

func (m *MetricsCollector) updateSystemStats() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.MemoryUsage = MemoryStats{
		Allocated: memStats.Alloc,
		System:    memStats.Sys,
		HeapInuse: memStats.HeapInuse,
		NumGC:     memStats.NumGC,
	}
	m.Goroutines = runtime.NumGoroutine()
}

func (m *MetricsCollector) RecordConnection(id, domain, source, destination string, isTarget bool) {
	m.prom.connections.WithLabelValues(fmt.Sprint(isTarget)).Inc()
	m.prom.active.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalConnections++
	m.ActiveConnections++
	if isTarget {
		m.TargetedConnections++
	}
	if domain != "" {
		m.TopDomains[domain]++
		if len(m.TopDomains) > 20 {
			m.pruneTopDomains()
		}
	}

	conn := ConnectionLog{
		Timestamp:   time.Now(),
		ID:          id,
		Domain:      domain,
		Source:      source,
		Destination: destination,
		IsTarget:    isTarget,
	}
	m.RecentConnections = append([]ConnectionLog{conn}, m.RecentConnections...)
	if len(m.RecentConnections) > 10 {
		m.RecentConnections = m.RecentConnections[:10]
	}
}

func (m *MetricsCollector) CloseConnection() {
	m.prom.active.Dec()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ActiveConnections > 0 {
		m.ActiveConnections--
	}
}

// RecordRelay adds relayed byte counts for one finished connection.
func (m *MetricsCollector) RecordRelay(up, down int64) {
	m.prom.relayBytes.WithLabelValues("up").Add(float64(up))
	m.prom.relayBytes.WithLabelValues("down").Add(float64(down))
	m.mu.Lock()
	m.BytesUp += uint64(up)
	m.BytesDown += uint64(down)
	m.mu.Unlock()
}

func (m *MetricsCollector) RecordEvent(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := SystemEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}
	m.RecentEvents = append([]SystemEvent{event}, m.RecentEvents...)
	if len(m.RecentEvents) > 20 {
		m.RecentEvents = m.RecentEvents[:20]
	}
}

// StrategyApplied and Dispatched make the collector a desync observer.
func (m *MetricsCollector) StrategyApplied(method strategy.Method) {
	m.prom.strategyApplied.WithLabelValues(method.String()).Inc()
	m.mu.Lock()
	m.StrategyCounts[method.String()]++
	m.mu.Unlock()
}

func (m *MetricsCollector) Dispatched(err error) {
	m.prom.dispatches.Inc()
	if err != nil {
		m.prom.dispatchErrors.Inc()
	}
	m.mu.Lock()
	m.Dispatches++
	if err != nil {
		m.DispatchErrors++
	}
	m.mu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		m.RecordEvent("error", err.Error())
	}
}

func (m *MetricsCollector) GetSnapshot() *MetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := &MetricsCollector{
		TotalConnections:    m.TotalConnections,
		ActiveConnections:   m.ActiveConnections,
		TargetedConnections: m.TargetedConnections,
		Dispatches:          m.Dispatches,
		DispatchErrors:      m.DispatchErrors,
		BytesUp:             m.BytesUp,
		BytesDown:           m.BytesDown,
		CurrentCPS:          m.CurrentCPS,
		StartTime:           m.StartTime,
		Uptime:              m.Uptime,
		MemoryUsage:         m.MemoryUsage,
		Goroutines:          m.Goroutines,
		TopDomains:          make(map[string]uint64, len(m.TopDomains)),
		StrategyCounts:      make(map[string]uint64, len(m.StrategyCounts)),
		RecentConnections:   append([]ConnectionLog{}, m.RecentConnections...),
		RecentEvents:        append([]SystemEvent{}, m.RecentEvents...),
		ConnectionRate:      smoothTimeSeriesData(m.ConnectionRate, 3),
	}
	for k, v := range m.TopDomains {
		snapshot.TopDomains[k] = v
	}
	for k, v := range m.StrategyCounts {
		snapshot.StrategyCounts[k] = v
	}
	return snapshot
}

func (m *MetricsCollector) pruneTopDomains() {
	var minCount uint64 = ^uint64(0)
	var minDomain string

	for domain, count := range m.TopDomains {
		if count < minCount {
			minCount = count
			minDomain = domain
		}
	}
	delete(m.TopDomains, minDomain)
}

func smoothTimeSeriesData(data []TimeSeriesPoint, windowSize int) []TimeSeriesPoint {
	if len(data) <= windowSize {
		return append([]TimeSeriesPoint{}, data...)
	}

	smoothed := make([]TimeSeriesPoint, len(data))
	for i := range data {
		sum := 0.0
		count := 0
		for j := max(0, i-windowSize/2); j <= min(len(data)-1, i+windowSize/2); j++ {
			sum += data[j].Value
			count++
		}
		smoothed[i] = TimeSeriesPoint{
			Timestamp: data[i].Timestamp,
			Value:     sum / float64(count),
		}
	}
	return smoothed
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
