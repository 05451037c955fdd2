package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// Service holds the active configuration with environment overrides applied
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called after a successful reload
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService loads, overrides and validates the configuration
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
	}, nil
}

// SetLogger replaces the logger used for reload messages
func (s *Service) SetLogger(log *logger.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = log
}

// Get returns the current configuration
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload re-reads the configuration file. The previous configuration stays
// active when the new one fails to load or validate.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	oldConfig := s.config

	newConfig, err := Load(s.configPath)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	applyEnvOverrides(newConfig)
	if err := newConfig.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig
	watchers := append([]ConfigWatcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, watcher := range watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies DETECTION_* and LOG_* environment variables.
// Unparseable numeric values are ignored.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DETECTION_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val, ok := envInt("DETECTION_SERVER_PORT"); ok {
		cfg.Server.Port = val
	}
	if val := os.Getenv("DETECTION_PUBLIC_BASE_URL"); val != "" {
		cfg.Server.PublicBaseURL = strings.TrimRight(val, "/")
	}

	if val := os.Getenv("DETECTION_DETECTOR_URL"); val != "" {
		cfg.Detector.ServiceURL = val
	}
	if val, ok := envFloat("DETECTION_CONFIDENCE_THRESHOLD"); ok {
		cfg.Detector.ConfidenceThreshold = val
	}
	if val, ok := envDuration("DETECTION_DETECTOR_TIMEOUT"); ok {
		cfg.Detector.Timeout = val
	}
	if val := os.Getenv("DETECTION_ENABLED_CLASSES"); val != "" {
		classes := strings.Split(val, ",")
		for i := range classes {
			classes[i] = strings.TrimSpace(classes[i])
		}
		cfg.Detector.EnabledClasses = classes
	}

	if val := os.Getenv("DETECTION_FFMPEG_PATH"); val != "" {
		cfg.Video.FFmpegPath = val
	}
	if val := os.Getenv("DETECTION_VIDEO_ENCODER"); val != "" {
		cfg.Video.Encoder = val
	}

	if val := os.Getenv("DETECTION_MEDIA_ROOT"); val != "" {
		cfg.Storage.MediaRoot = val
	}
	if val, ok := envInt("DETECTION_RETENTION_DAYS"); ok {
		cfg.Storage.RetentionDays = val
	}

	if val := os.Getenv("DETECTION_HISTORY_DRIVER"); val != "" {
		cfg.History.Driver = val
	}
	if val := os.Getenv("DETECTION_SQLITE_PATH"); val != "" {
		cfg.History.SQLitePath = val
	}
	if val := os.Getenv("DETECTION_POSTGRES_DSN"); val != "" {
		cfg.History.PostgresDSN = val
	}

	if val, ok := envInt("DETECTION_GRPC_HEALTH_PORT"); ok {
		cfg.Health.GRPCPort = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

func envInt(key string) (int, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return 0, false
	}
	return d, true
}

// GetEnvWithDefault returns the environment variable or a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
