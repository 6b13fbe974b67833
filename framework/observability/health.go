// Copyright 2024 Eventcore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
)

// HealthCheck интерфейс для health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckResult результат всех проверок
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// Healthy возвращает true, если все проверки прошли
func (r HealthCheckResult) Healthy() bool {
	return r.Status == "healthy"
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

type namedCheck struct {
	name  string
	check func(ctx context.Context) error
}

func (c namedCheck) Name() string {
	return c.name
}

func (c namedCheck) Check(ctx context.Context) error {
	return c.check(ctx)
}

// NewHealthCheck создает проверку из функции
func NewHealthCheck(name string, check func(ctx context.Context) error) HealthCheck {
	return namedCheck{name: name, check: check}
}

// ComponentHealthCheck проверка компонента с HealthCheck (хранилище, брокер)
func ComponentHealthCheck(name string, component core.HealthCheckable) HealthCheck {
	return NewHealthCheck(name, component.HealthCheck)
}

// MemoryHealthCheck сообщает о нехватке памяти, когда heap превышает лимит
type MemoryHealthCheck struct {
	maxHeapBytes uint64
}

// NewMemoryHealthCheck создает проверку. 0 отключает лимит.
func NewMemoryHealthCheck(maxHeapBytes uint64) *MemoryHealthCheck {
	return &MemoryHealthCheck{maxHeapBytes: maxHeapBytes}
}

// Name возвращает имя проверки
func (h *MemoryHealthCheck) Name() string {
	return "memory"
}

// Check проверяет размер heap
func (h *MemoryHealthCheck) Check(ctx context.Context) error {
	if h.maxHeapBytes == 0 {
		return nil
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapAlloc > h.maxHeapBytes {
		return fmt.Errorf("heap usage %d exceeds limit %d", m.HeapAlloc, h.maxHeapBytes)
	}
	return nil
}

// HealthRegistry набор проверок liveness и readiness
type HealthRegistry struct {
	timeout         time.Duration
	healthChecks    []HealthCheck
	readinessChecks []HealthCheck
	mu              sync.RWMutex
}

// NewHealthRegistry создает реестр. timeout ограничивает весь набор проверок.
func NewHealthRegistry(timeout time.Duration) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{timeout: timeout}
}

// RegisterHealthCheck регистрирует health check
func (r *HealthRegistry) RegisterHealthCheck(check HealthCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthChecks = append(r.healthChecks, check)
}

// RegisterReadinessCheck регистрирует readiness check
func (r *HealthRegistry) RegisterReadinessCheck(check HealthCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readinessChecks = append(r.readinessChecks, check)
}

// Health выполняет health checks
func (r *HealthRegistry) Health(ctx context.Context) HealthCheckResult {
	r.mu.RLock()
	checks := append([]HealthCheck(nil), r.healthChecks...)
	r.mu.RUnlock()
	return r.run(ctx, checks)
}

// Readiness выполняет readiness checks
func (r *HealthRegistry) Readiness(ctx context.Context) HealthCheckResult {
	r.mu.RLock()
	checks := append([]HealthCheck(nil), r.readinessChecks...)
	r.mu.RUnlock()
	return r.run(ctx, checks)
}

// CheckNames возвращает имена health checks в порядке сортировки
func (r *HealthRegistry) CheckNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.healthChecks))
	for _, c := range r.healthChecks {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

func (r *HealthRegistry) run(ctx context.Context, checks []HealthCheck) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

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

// HealthCheckHandler возвращает Gin handler для health check
func (r *HealthRegistry) HealthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := r.Health(c.Request.Context())
		if !result.Healthy() {
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// ReadinessCheckHandler возвращает Gin handler для readiness check
func (r *HealthRegistry) ReadinessCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Readiness(c.Request.Context()).Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// PprofServer отдельный HTTP сервер с pprof endpoints
type PprofServer struct {
	addr   string
	logger logging.Logger
	server *http.Server
	mu     sync.Mutex
}

// NewPprofServer создает сервер. Пустой addr отключает его.
func NewPprofServer(addr string, logger logging.Logger) *PprofServer {
	return &PprofServer{addr: addr, logger: logging.OrNop(logger)}
}

// Start запускает сервер в фоне
func (s *PprofServer) Start(ctx context.Context) error {
	if s.addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Log(logging.LevelError, "pprof server failed", logging.Err(err))
		}
	}()
	return nil
}

// Stop останавливает сервер
func (s *PprofServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли сервер
func (s *PprofServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}
