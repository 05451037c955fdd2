package health

import (
	"context"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single checker run
const DefaultCheckTimeout = 3 * time.Second

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]Check       `json:"checks"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// ServiceStatuses reports the lifecycle state of registered services
type ServiceStatuses interface {
	GetAllStatuses() map[string]*service.ServiceStatus
}

// Manager runs health checks and keeps the latest report
type Manager struct {
	logger       *logger.Logger
	checkers     []Checker
	services     ServiceStatuses
	startTime    time.Time
	checkTimeout time.Duration
	mu           sync.RWMutex
	last         *HealthReport
}

// NewManager creates a new health check manager. services may be nil.
func NewManager(log *logger.Logger, services ServiceStatuses) *Manager {
	return &Manager{
		logger:       log,
		checkers:     make([]Checker, 0),
		services:     services,
		startTime:    time.Now(),
		checkTimeout: DefaultCheckTimeout,
	}
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check runs every checker and derives the overall status: any unhealthy
// check makes the report unhealthy, any degraded one makes it degraded
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	overallStatus := StatusHealthy

	for _, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		check := checker.Check(checkCtx)
		cancel()

		if check.Name == "" {
			check.Name = checker.Name()
		}
		checks[check.Name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	report := HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Checks:    checks,
		Services:  m.serviceStatuses(),
	}

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	return report
}

// Last returns the most recent report, or nil before the first Check
func (m *Manager) Last() *HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	report := *m.last
	return &report
}

func (m *Manager) serviceStatuses() map[string]interface{} {
	if m.services == nil {
		return nil
	}

	services := make(map[string]interface{})
	for name, status := range m.services.GetAllStatuses() {
		entry := map[string]interface{}{
			"status": status.GetStatus(),
			"uptime": status.GetUptime().Round(time.Second).String(),
		}
		if err := status.GetError(); err != nil {
			entry["error"] = err.Error()
		}
		services[name] = entry
	}
	return services
}
