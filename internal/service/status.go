package service

import (
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// Status is the lifecycle state of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the state of one service
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	mu     sync.RWMutex
	status Status
	err    error
}

// NewServiceStatus creates a status in the stopped state
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		Name:   name,
		status: StatusStopped,
	}
}

// SetStatus updates the state. Entering StatusRunning records the start
// time and clears any previous error.
func (s *ServiceStatus) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if status == StatusRunning {
		s.StartedAt = time.Now()
		s.err = nil
	}
}

// SetError moves the service into StatusError
func (s *ServiceStatus) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.err = err
}

func (s *ServiceStatus) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *ServiceStatus) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ServiceStatus) IsRunning() bool {
	return s.GetStatus() == StatusRunning
}

// GetUptime returns how long the service has been running, zero otherwise
func (s *ServiceStatus) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// ServiceBase carries the name, logger and status shared by every service
type ServiceBase struct {
	name     string
	logger   *logger.Logger
	status   *ServiceStatus
	eventBus *EventBus
}

// NewServiceBase creates a ServiceBase whose logger is tagged with the
// service name
func NewServiceBase(name string, log *logger.Logger) *ServiceBase {
	return &ServiceBase{
		name:   name,
		logger: log.With("service", name),
		status: NewServiceStatus(name),
	}
}

func (b *ServiceBase) Name() string {
	return b.name
}

func (b *ServiceBase) Logger() *logger.Logger {
	return b.logger
}

func (b *ServiceBase) GetStatus() *ServiceStatus {
	return b.status
}

// SetEventBus sets the event bus
func (b *ServiceBase) SetEventBus(bus *EventBus) {
	b.eventBus = bus
}

func (b *ServiceBase) GetEventBus() *EventBus {
	return b.eventBus
}

// PublishEvent publishes an event sourced from this service. It is a no-op
// until a bus has been set.
func (b *ServiceBase) PublishEvent(eventType EventType, data map[string]interface{}) {
	if b.eventBus == nil {
		return
	}
	b.eventBus.Publish(Event{
		Type:      eventType,
		Source:    b.name,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (b *ServiceBase) LogInfo(msg string, kv ...interface{}) {
	b.logger.Info(msg, kv...)
}

func (b *ServiceBase) LogWarn(msg string, kv ...interface{}) {
	b.logger.Warn(msg, kv...)
}

func (b *ServiceBase) LogDebug(msg string, kv ...interface{}) {
	b.logger.Debug(msg, kv...)
}

// LogError logs msg with err attached under the "error" key
func (b *ServiceBase) LogError(msg string, err error, kv ...interface{}) {
	b.logger.Error(msg, append([]interface{}{"error", err}, kv...)...)
}
