package rpc

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SlowCommandCallback is called when a command exceeds the slow threshold.
type SlowCommandCallback func(command string, latency time.Duration)

// Metrics collects per-command counters and latencies for the /metrics
// endpoint. OTel instruments are recorded separately by the gateway.
type Metrics struct {
	mu sync.RWMutex

	requestCounts  map[string]int64           // command -> count
	requestErrors  map[string]int64           // command -> error count
	requestLatency map[string][]time.Duration // command -> latency samples (bounded slice)
	maxSamples     int

	totalConns    int64
	rejectedConns int64

	slowThreshold time.Duration
	slowCounts    map[string]int64
	slowCallback  SlowCommandCallback

	startTime time.Time
}

// DefaultSlowThreshold flags commands slower than this. Fix steps may do
// real work, so it is generous.
const DefaultSlowThreshold = time.Second

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		requestCounts:  make(map[string]int64),
		requestErrors:  make(map[string]int64),
		requestLatency: make(map[string][]time.Duration),
		maxSamples:     1000,
		slowCounts:     make(map[string]int64),
		slowThreshold:  DefaultSlowThreshold,
		startTime:      time.Now(),
	}
}

// SetSlowThreshold sets the slow command threshold. Zero disables it.
func (m *Metrics) SetSlowThreshold(threshold time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowThreshold = threshold
}

// SetSlowCallback sets the callback invoked (outside the lock) for slow
// commands.
func (m *Metrics) SetSlowCallback(cb SlowCommandCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowCallback = cb
}

// RecordRequest records a request (successful or failed)
func (m *Metrics) RecordRequest(command string, latency time.Duration) {
	var callback SlowCommandCallback

	m.mu.Lock()
	m.requestCounts[command]++

	samples := m.requestLatency[command]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.requestLatency[command] = append(samples, latency)

	if m.slowThreshold > 0 && latency >= m.slowThreshold {
		m.slowCounts[command]++
		callback = m.slowCallback
	}
	m.mu.Unlock()

	if callback != nil {
		callback(command, latency)
	}
}

// RecordError records a failed request
func (m *Metrics) RecordError(command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestErrors[command]++
}

// RecordConnection records a new connection
func (m *Metrics) RecordConnection() {
	atomic.AddInt64(&m.totalConns, 1)
}

// RecordRejectedConnection records a rejected connection (max conns reached)
func (m *Metrics) RecordRejectedConnection() {
	atomic.AddInt64(&m.rejectedConns, 1)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot(activeConns int) MetricsSnapshot {
	m.mu.RLock()
	cmds := make(map[string]struct{})
	for c := range m.requestCounts {
		cmds[c] = struct{}{}
	}
	for c := range m.requestErrors {
		cmds[c] = struct{}{}
	}
	commands := make([]CommandMetrics, 0, len(cmds))
	latCopy := make(map[string][]time.Duration, len(cmds))
	for c := range cmds {
		commands = append(commands, CommandMetrics{
			Command:    c,
			TotalCount: m.requestCounts[c],
			ErrorCount: m.requestErrors[c],
			SlowCount:  m.slowCounts[c],
		})
		if samples := m.requestLatency[c]; len(samples) > 0 {
			latCopy[c] = append([]time.Duration(nil), samples...)
		}
	}
	slowThreshold := m.slowThreshold
	m.mu.RUnlock()

	for i := range commands {
		c := &commands[i]
		// Malformed requests are counted as errors without a request.
		c.SuccessCount = max(c.TotalCount-c.ErrorCount, 0)
		if samples := latCopy[c.Command]; len(samples) > 0 {
			c.Latency = calculateLatencyStats(samples)
		}
	}
	sort.Slice(commands, func(i, j int) bool {
		if commands[i].TotalCount != commands[j].TotalCount {
			return commands[i].TotalCount > commands[j].TotalCount
		}
		return commands[i].Command < commands[j].Command
	})

	// Round up and enforce a minimum of 1 second.
	uptimeSeconds := math.Ceil(time.Since(m.startTime).Seconds())
	if uptimeSeconds == 0 {
		uptimeSeconds = 1
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		Timestamp:       time.Now(),
		UptimeSeconds:   uptimeSeconds,
		Commands:        commands,
		TotalConns:      atomic.LoadInt64(&m.totalConns),
		ActiveConns:     activeConns,
		RejectedConns:   atomic.LoadInt64(&m.rejectedConns),
		MemoryAllocMB:   memStats.Alloc / 1024 / 1024,
		GoroutineCount:  runtime.NumGoroutine(),
		SlowThresholdMS: float64(slowThreshold) / float64(time.Millisecond),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics
type MetricsSnapshot struct {
	Timestamp       time.Time        `json:"timestamp"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
	Commands        []CommandMetrics `json:"commands"`
	TotalConns      int64            `json:"total_connections"`
	ActiveConns     int              `json:"active_connections"`
	RejectedConns   int64            `json:"rejected_connections"`
	MemoryAllocMB   uint64           `json:"memory_alloc_mb"`
	GoroutineCount  int              `json:"goroutine_count"`
	SlowThresholdMS float64          `json:"slow_threshold_ms"`
	Issues          int              `json:"issues"`
	ActiveFlows     int              `json:"active_flows"`
}

// CommandMetrics holds metrics for a single command type
type CommandMetrics struct {
	Command      string       `json:"command"`
	TotalCount   int64        `json:"total_count"`
	SuccessCount int64        `json:"success_count"`
	ErrorCount   int64        `json:"error_count"`
	SlowCount    int64        `json:"slow_count,omitempty"`
	Latency      LatencyStats `json:"latency"`
}

// LatencyStats holds latency percentile data in milliseconds
type LatencyStats struct {
	MinMS float64 `json:"min_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// calculateLatencyStats computes percentiles from latency samples and returns milliseconds
func calculateLatencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	n := len(sorted)
	p50Idx := min(n-1, n*50/100)
	p95Idx := min(n-1, n*95/100)
	p99Idx := min(n-1, n*99/100)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg := sum / time.Duration(n)

	toMS := func(d time.Duration) float64 {
		return float64(d) / float64(time.Millisecond)
	}

	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(sorted[p50Idx]),
		P95MS: toMS(sorted[p95Idx]),
		P99MS: toMS(sorted[p99Idx]),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(avg),
	}
}
