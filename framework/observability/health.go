package observability

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck проверка одной зависимости процесса
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc адаптер функции к HealthCheck
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name возвращает имя проверки
func (h HealthCheckFunc) Name() string { return h.CheckName }

// Check выполняет проверку
func (h HealthCheckFunc) Check(ctx context.Context) error { return h.Fn(ctx) }

// HealthCheckResult результат health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthRegistry набор проверок для /healthz
type HealthRegistry struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
}

// NewHealthRegistry создает реестр проверок
func NewHealthRegistry(timeout time.Duration) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{timeout: timeout}
}

// Register добавляет проверку
func (h *HealthRegistry) Register(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Run выполняет все проверки
func (h *HealthRegistry) Run(ctx context.Context) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name() < checks[j].Name() })

	result := HealthCheckResult{
		Status:    "healthy",
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		cr := CheckResult{Status: "healthy", Duration: time.Since(start)}
		if err != nil {
			cr.Status = "unhealthy"
			cr.Message = err.Error()
			result.Status = "unhealthy"
		}
		result.Checks[check.Name()] = cr
	}
	return result
}

// Handler возвращает Gin handler для health check
func (h *HealthRegistry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := h.Run(c.Request.Context())
		if result.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
