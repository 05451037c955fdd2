package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 1 and 65535, got: %d", c.Server.Port))
	}
	if c.Server.PublicBaseURL != "" {
		if u, err := url.Parse(c.Server.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("server.public_base_url must be an absolute URL, got: %s", c.Server.PublicBaseURL))
		}
	}

	if c.Detector.ServiceURL == "" {
		errors = append(errors, "detector.service_url is required")
	} else if u, err := url.Parse(c.Detector.ServiceURL); err != nil || u.Scheme == "" {
		errors = append(errors, fmt.Sprintf("detector.service_url is not a valid URL: %s", c.Detector.ServiceURL))
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("detector.confidence_threshold must be between 0 and 1, got: %.2f", c.Detector.ConfidenceThreshold))
	}
	if c.Detector.MaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("detector.max_retries must be >= 0, got: %d", c.Detector.MaxRetries))
	}
	if c.Detector.JPEGQuality < 1 || c.Detector.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("detector.jpeg_quality must be between 1 and 100, got: %d", c.Detector.JPEGQuality))
	}

	if c.Video.CRF < 0 || c.Video.CRF > 51 {
		errors = append(errors, fmt.Sprintf("video.crf must be between 0 and 51, got: %d", c.Video.CRF))
	}
	if c.Video.MaxConcurrent < 1 {
		errors = append(errors, fmt.Sprintf("video.max_concurrent must be >= 1, got: %d", c.Video.MaxConcurrent))
	}

	if c.Render.LineWidth <= 0 {
		errors = append(errors, fmt.Sprintf("render.line_width must be > 0, got: %.1f", c.Render.LineWidth))
	}
	if c.Render.FontSize <= 0 {
		errors = append(errors, fmt.Sprintf("render.font_size must be > 0, got: %.1f", c.Render.FontSize))
	}

	if c.Storage.MediaRoot == "" {
		errors = append(errors, "storage.media_root is required")
	}
	if !strings.HasPrefix(c.Storage.MediaURL, "/") || !strings.HasSuffix(c.Storage.MediaURL, "/") {
		errors = append(errors, fmt.Sprintf("storage.media_url must start and end with '/', got: %s", c.Storage.MediaURL))
	}
	if c.Storage.MaxUploadBytes <= 0 {
		errors = append(errors, fmt.Sprintf("storage.max_upload_bytes must be > 0, got: %d", c.Storage.MaxUploadBytes))
	}
	if c.Storage.MaxDiskUsage <= 0 || c.Storage.MaxDiskUsage > 100 {
		errors = append(errors, fmt.Sprintf("storage.max_disk_usage_percent must be in (0, 100], got: %.1f", c.Storage.MaxDiskUsage))
	}
	if c.Storage.RetentionDays < 0 {
		errors = append(errors, fmt.Sprintf("storage.retention_days must be >= 0, got: %d", c.Storage.RetentionDays))
	}

	switch c.History.Driver {
	case "sqlite":
		if c.History.SQLitePath == "" {
			errors = append(errors, "history.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.History.PostgresDSN == "" {
			errors = append(errors, "history.postgres_dsn is required for the postgres driver")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid history.driver: %s (must be: sqlite or postgres)", c.History.Driver))
	}

	if c.Health.GRPCPort < 0 || c.Health.GRPCPort > 65535 {
		errors = append(errors, fmt.Sprintf("health.grpc_port must be between 0 and 65535, got: %d", c.Health.GRPCPort))
	}
	if c.Health.GRPCPort != 0 && c.Health.GRPCPort == c.Server.Port {
		errors = append(errors, "health.grpc_port must differ from server.port")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
