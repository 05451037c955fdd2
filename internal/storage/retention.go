package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/service"
	"github.com/vzahanych/view-guard-meta/detection/internal/state"
)

// ErrRetentionRunning is returned when a sweep is already in progress
var ErrRetentionRunning = errors.New("retention sweep already running")

// HistoryPruner removes expired history records
type HistoryPruner interface {
	DeleteDetectionsBefore(ctx context.Context, before time.Time) ([]*state.DetectionHistory, error)
}

// RetentionService periodically deletes history records older than the
// retention period together with their media files
type RetentionService struct {
	*service.ServiceBase
	storage       *Storage
	history       HistoryPruner
	retentionDays int
	interval      time.Duration
	now           func() time.Time

	mu        sync.Mutex
	enforcing bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRetentionService creates the retention sweeper. retentionDays must be > 0.
func NewRetentionService(storage *Storage, history HistoryPruner, retentionDays int, interval time.Duration, log *logger.Logger) *RetentionService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionService{
		ServiceBase:   service.NewServiceBase("retention", log),
		storage:       storage,
		history:       history,
		retentionDays: retentionDays,
		interval:      interval,
		now:           time.Now,
	}
}

// Start runs one sweep immediately and then one per interval
func (r *RetentionService) Start(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStarting)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(loopCtx)

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Retention service started",
		"retention_days", r.retentionDays,
		"interval", r.interval.String(),
	)
	return nil
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (r *RetentionService) Stop(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStopping)

	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.GetStatus().SetStatus(service.StatusStopped)
	r.LogInfo("Retention service stopped")
	return nil
}

func (r *RetentionService) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Enforce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.LogError("Retention sweep failed", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Enforce deletes expired records and their media, returning how many
// records were removed
func (r *RetentionService) Enforce(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return 0, ErrRetentionRunning
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	cutoff := r.now().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	expired, err := r.history.DeleteDetectionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}

	filesDeleted := 0
	for _, rec := range expired {
		for _, rel := range []string{rec.InputPath, rec.Path} {
			if rel == "" {
				continue
			}
			if err := r.storage.Remove(rel); err != nil {
				r.LogWarn("Failed to delete expired media", "path", rel, "error", err)
				continue
			}
			filesDeleted++
		}
	}

	if len(expired) > 0 {
		r.LogInfo("Deleted expired detections",
			"records", len(expired),
			"files", filesDeleted,
			"cutoff", cutoff.UTC().Format(time.RFC3339),
		)
	}

	r.PublishEvent(service.EventTypeRetentionSweep, map[string]interface{}{
		"records_deleted": len(expired),
		"files_deleted":   filesDeleted,
		"cutoff":          cutoff,
	})

	return len(expired), nil
}
