package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log      LogConfig      `yaml:"log,omitempty"`
	Server   ServerConfig   `yaml:"server"`
	Detector DetectorConfig `yaml:"detector"`
	Video    VideoConfig    `yaml:"video"`
	Render   RenderConfig   `yaml:"render"`
	Storage  StorageConfig  `yaml:"storage"`
	History  HistoryConfig  `yaml:"history"`
	Health   HealthConfig   `yaml:"health"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PublicBaseURL   string        `yaml:"public_base_url"` // Optional: prefix for returned media URLs
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DetectorConfig contains the inference service configuration
type DetectorConfig struct {
	ServiceURL          string        `yaml:"service_url"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	EnabledClasses      []string      `yaml:"enabled_classes"` // Optional: filter by class names
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	JPEGQuality         int           `yaml:"jpeg_quality"`
}

// VideoConfig contains ffmpeg and pipeline configuration
type VideoConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	Encoder       string `yaml:"encoder"` // empty selects the preferred h264 encoder
	Preset        string `yaml:"preset"`
	CRF           int    `yaml:"crf"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// RenderConfig contains annotation drawing configuration
type RenderConfig struct {
	LineWidth float64 `yaml:"line_width"`
	FontSize  float64 `yaml:"font_size"`
}

// StorageConfig contains media storage configuration
type StorageConfig struct {
	MediaRoot         string        `yaml:"media_root"`
	MediaURL          string        `yaml:"media_url"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	RetentionDays     int           `yaml:"retention_days"` // 0 keeps everything
	RetentionInterval time.Duration `yaml:"retention_interval"`
	MaxDiskUsage      float64       `yaml:"max_disk_usage_percent"`
}

// HistoryConfig selects and configures the history database
type HistoryConfig struct {
	Driver      string `yaml:"driver"` // sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// HealthConfig contains health reporting configuration
type HealthConfig struct {
	GRPCPort      int           `yaml:"grpc_port"` // 0 disables the gRPC health server
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Addr returns the host:port the HTTP server listens on
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"../config/config.yaml",
		"/etc/detectiond/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// video runs are synchronous inside the request
		c.Server.WriteTimeout = 30 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Detector.ServiceURL == "" {
		c.Detector.ServiceURL = "http://localhost:8080"
	}
	if c.Detector.Timeout == 0 {
		c.Detector.Timeout = 30 * time.Second
	}
	if c.Detector.ConfidenceThreshold == 0 {
		c.Detector.ConfidenceThreshold = 0.25
	}
	if c.Detector.MaxRetries == 0 {
		c.Detector.MaxRetries = 3
	}
	if c.Detector.RetryDelay == 0 {
		c.Detector.RetryDelay = 500 * time.Millisecond
	}
	if c.Detector.JPEGQuality == 0 {
		c.Detector.JPEGQuality = 90
	}

	if c.Video.Preset == "" {
		c.Video.Preset = "medium"
	}
	if c.Video.CRF == 0 {
		c.Video.CRF = 23
	}
	if c.Video.MaxConcurrent == 0 {
		c.Video.MaxConcurrent = 2
	}

	if c.Render.LineWidth == 0 {
		c.Render.LineWidth = 2
	}
	if c.Render.FontSize == 0 {
		c.Render.FontSize = 14
	}

	if c.Storage.MediaRoot == "" {
		c.Storage.MediaRoot = "./media"
	}
	if c.Storage.MediaURL == "" {
		c.Storage.MediaURL = "/media/"
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = 512 << 20
	}
	if c.Storage.DownloadTimeout == 0 {
		c.Storage.DownloadTimeout = 2 * time.Minute
	}
	if c.Storage.RetentionInterval == 0 {
		c.Storage.RetentionInterval = time.Hour
	}
	if c.Storage.MaxDiskUsage == 0 {
		c.Storage.MaxDiskUsage = 90
	}

	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.SQLitePath == "" {
		c.History.SQLitePath = filepath.Join("data", "history.db")
	}

	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = 30 * time.Second
	}
}
