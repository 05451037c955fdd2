package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by the history store
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks history database connectivity
type DatabaseChecker struct {
	db     Pinger
	driver string
}

func NewDatabaseChecker(db Pinger, driver string) *DatabaseChecker {
	return &DatabaseChecker{db: db, driver: driver}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["driver"] = c.driver

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// ReadinessProbe is satisfied by the inference client
type ReadinessProbe interface {
	HealthCheck(ctx context.Context) error
}

// DetectorChecker checks that the inference service is ready. An
// unreachable detector degrades the service rather than failing it.
type DetectorChecker struct {
	detector   ReadinessProbe
	serviceURL string
}

func NewDetectorChecker(detector ReadinessProbe, serviceURL string) *DetectorChecker {
	return &DetectorChecker{detector: detector, serviceURL: serviceURL}
}

func (c *DetectorChecker) Name() string {
	return "detector"
}

func (c *DetectorChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.serviceURL

	start := time.Now()
	if err := c.detector.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Inference service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Inference service is ready"
	check.Details["latency_ms"] = time.Since(start).Milliseconds()
	return check
}

// DiskSpace is satisfied by media storage
type DiskSpace interface {
	CheckDiskSpace(ctx context.Context) (bool, error)
}

// StorageChecker checks media disk usage
type StorageChecker struct {
	disk DiskSpace
	root string
}

func NewStorageChecker(disk DiskSpace, root string) *StorageChecker {
	return &StorageChecker{disk: disk, root: root}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["media_root"] = c.root

	hasSpace, err := c.disk.CheckDiskSpace(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Media storage unavailable: %v", err)
		return check
	}
	if !hasSpace {
		check.Status = StatusDegraded
		check.Message = "Media disk usage above limit"
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Media storage OK"
	return check
}

// VersionProvider is satisfied by the ffmpeg wrapper
type VersionProvider interface {
	GetVersion() (string, error)
}

// FFmpegChecker checks that ffmpeg can run. Without it only video
// requests fail, so the service is degraded.
type FFmpegChecker struct {
	ffmpeg VersionProvider
}

func NewFFmpegChecker(ffmpeg VersionProvider) *FFmpegChecker {
	return &FFmpegChecker{ffmpeg: ffmpeg}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if c.ffmpeg == nil {
		check.Status = StatusDegraded
		check.Message = "ffmpeg not found"
		return check
	}

	version, err := c.ffmpeg.GetVersion()
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("ffmpeg not usable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	check.Details["version"] = version
	return check
}

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}
