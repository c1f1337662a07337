package monitoring

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthCheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	LastRun time.Time `json:"last_run"`
}

// HealthChecker runs every registered check concurrently, each bounded by
// the checker timeout.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	timeout time.Duration
	clock   clockwork.Clock
	started time.Time
}

func NewHealthChecker(timeout time.Duration, clock clockwork.Clock) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		timeout: timeout,
		clock:   clock,
		started: clock.Now(),
	}
}

func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) Run(ctx context.Context) (map[string]HealthCheck, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	funcs := make([]HealthCheckFunc, len(names))
	for i, name := range names {
		funcs[i] = h.checks[name]
	}
	h.mu.RUnlock()

	results := make([]HealthCheck, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			result := HealthCheck{Name: names[i], Status: StatusHealthy, LastRun: h.clock.Now()}
			if err := funcs[i](checkCtx); err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	out := make(map[string]HealthCheck, len(results))
	for _, result := range results {
		out[result.Name] = result
		if result.Status != StatusHealthy {
			healthy = false
		}
	}
	return out, healthy
}

func (h *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		checks, healthy := h.Run(c.Request.Context())

		overall, status := StatusHealthy, http.StatusOK
		if !healthy {
			overall, status = StatusUnhealthy, http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":    overall,
			"timestamp": h.clock.Now(),
			"checks":    checks,
			"uptime":    h.clock.Since(h.started).String(),
		})
	}
}

func (h *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, healthy := h.Run(c.Request.Context()); !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not ready",
				"timestamp": h.clock.Now(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": h.clock.Now(),
		})
	}
}

func (h *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": h.clock.Now(),
			"uptime":    h.clock.Since(h.started).String(),
		})
	}
}
