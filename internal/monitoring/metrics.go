package monitoring

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

type Metrics struct {
	mu            sync.RWMutex
	clock         clockwork.Clock
	requestCount  int64
	activeCount   int64
	errorCount    int64
	totalDuration time.Duration
	statusCodes   map[int]int64
	endpoints     map[string]int64
	startTime     time.Time
	lastRequest   time.Time
}

type MetricsSnapshot struct {
	RequestCount     int64            `json:"request_count"`
	AvgRequestMillis float64          `json:"avg_request_duration_ms"`
	ActiveRequests   int64            `json:"active_requests"`
	ErrorCount       int64            `json:"error_count"`
	StatusCodes      map[string]int64 `json:"status_codes"`
	Endpoints        map[string]int64 `json:"endpoint_calls"`
	StartTime        time.Time        `json:"start_time"`
	LastRequest      time.Time        `json:"last_request"`
	Uptime           string           `json:"uptime"`
}

func NewMetrics(clock clockwork.Clock) *Metrics {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Metrics{
		clock:       clock,
		statusCodes: make(map[int]int64),
		endpoints:   make(map[string]int64),
		startTime:   clock.Now(),
	}
}

func (m *Metrics) Uptime() time.Duration {
	return m.clock.Since(m.startTime)
}

// Middleware records one sample per request. Unmatched routes are grouped
// under the method alone.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := m.clock.Now()

		m.mu.Lock()
		m.activeCount++
		m.mu.Unlock()

		c.Next()

		duration := m.clock.Since(start)
		status := c.Writer.Status()
		endpoint := c.Request.Method + " " + c.FullPath()

		m.mu.Lock()
		defer m.mu.Unlock()
		m.requestCount++
		m.activeCount--
		m.totalDuration += duration
		m.lastRequest = m.clock.Now()
		if status >= 400 {
			m.errorCount++
		}
		m.statusCodes[status]++
		m.endpoints[endpoint]++
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		RequestCount:   m.requestCount,
		ActiveRequests: m.activeCount,
		ErrorCount:     m.errorCount,
		StatusCodes:    make(map[string]int64, len(m.statusCodes)),
		Endpoints:      make(map[string]int64, len(m.endpoints)),
		StartTime:      m.startTime,
		LastRequest:    m.lastRequest,
		Uptime:         m.Uptime().String(),
	}
	if m.requestCount > 0 {
		snap.AvgRequestMillis = float64(m.totalDuration.Microseconds()) / float64(m.requestCount) / 1000
	}
	for code, n := range m.statusCodes {
		snap.StatusCodes[http.StatusText(code)] += n
	}
	for endpoint, n := range m.endpoints {
		snap.Endpoints[endpoint] = n
	}
	return snap
}

type SystemMetrics struct {
	MemoryUsage    MemoryStats `json:"memory"`
	GoroutineCount int         `json:"goroutine_count"`
	CPUCount       int         `json:"cpu_count"`
	GoVersion      string      `json:"go_version"`
}

type MemoryStats struct {
	Alloc        uint64 `json:"alloc_mb"`
	TotalAlloc   uint64 `json:"total_alloc_mb"`
	Sys          uint64 `json:"sys_mb"`
	NumGC        uint32 `json:"num_gc"`
	NextGC       uint64 `json:"next_gc_mb"`
	GCPauseTotal string `json:"gc_pause_total"`
}

func GetSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		MemoryUsage: MemoryStats{
			Alloc:        bToMb(m.Alloc),
			TotalAlloc:   bToMb(m.TotalAlloc),
			Sys:          bToMb(m.Sys),
			NumGC:        m.NumGC,
			NextGC:       bToMb(m.NextGC),
			GCPauseTotal: time.Duration(m.PauseTotalNs).String(),
		},
		GoroutineCount: runtime.NumGoroutine(),
		CPUCount:       runtime.NumCPU(),
		GoVersion:      runtime.Version(),
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

// StatsFunc contributes a named section to the /metrics response, such as
// queue depth or cache hit rates.
type StatsFunc func(c *gin.Context) interface{}

func (m *Metrics) Handler(extra map[string]StatsFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := gin.H{
			"application": m.Snapshot(),
			"system":      GetSystemMetrics(),
			"timestamp":   m.clock.Now(),
		}
		for name, fn := range extra {
			response[name] = fn(c)
		}
		c.JSON(http.StatusOK, response)
	}
}
