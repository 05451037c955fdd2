package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// Kind is a media subdirectory
type Kind string

const (
	KindInputImage  Kind = "input_img"
	KindOutputImage Kind = "output_img"
	KindInputVideo  Kind = "input_video"
	KindOutputVideo Kind = "output_video"
)

// Kinds lists every media subdirectory
var Kinds = []Kind{KindInputImage, KindOutputImage, KindInputVideo, KindOutputVideo}

const defaultFilename = "file.jpg"

var (
	// ErrTooLarge is returned when an upload or download exceeds the size cap
	ErrTooLarge = errors.New("media exceeds size limit")
	// ErrDownloadFailed is returned when a remote media URL cannot be fetched
	ErrDownloadFailed = errors.New("failed to download media")
	// ErrInvalidPath is returned for relative paths that leave the media root
	ErrInvalidPath = errors.New("invalid media path")
)

// Config contains media storage configuration
type Config struct {
	MediaRoot       string
	MediaURL        string
	MaxUploadBytes  int64
	DownloadTimeout time.Duration
	MaxDiskUsage    float64
}

// Storage owns the media tree: inputs as received and annotated outputs
type Storage struct {
	logger      *logger.Logger
	root        string
	mediaURL    string
	maxBytes    int64
	httpClient  *http.Client
	diskMonitor *DiskMonitor
}

// Stats summarizes the media tree
type Stats struct {
	Files            map[Kind]int `json:"files"`
	TotalSizeBytes   int64        `json:"total_size_bytes"`
	DiskUsagePercent float64      `json:"disk_usage_percent"`
	AvailableBytes   int64        `json:"available_bytes"`
}

// NewStorage creates the media directories under cfg.MediaRoot
func NewStorage(cfg Config, log *logger.Logger) (*Storage, error) {
	root, err := filepath.Abs(cfg.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media root: %w", err)
	}

	for _, kind := range Kinds {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}

	mediaURL := cfg.MediaURL
	if mediaURL == "" {
		mediaURL = "/media/"
	}
	if !strings.HasSuffix(mediaURL, "/") {
		mediaURL += "/"
	}

	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	diskMonitor, err := NewDiskMonitor(root, cfg.MaxDiskUsage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk monitor: %w", err)
	}

	log.Info("Media storage initialized",
		"media_root", root,
		"media_url", mediaURL,
		"max_upload_bytes", cfg.MaxUploadBytes,
	)

	return &Storage{
		logger:      log,
		root:        root,
		mediaURL:    mediaURL,
		maxBytes:    cfg.MaxUploadBytes,
		httpClient:  &http.Client{Timeout: timeout},
		diskMonitor: diskMonitor,
	}, nil
}

// GenerateUniqueFilename prefixes the base name with 8 random hex digits.
// Names without an extension are replaced by file.jpg.
func GenerateUniqueFilename(name string) string {
	name = baseName(name)
	if name == "" || !strings.Contains(name, ".") {
		name = defaultFilename
	}
	id := uuid.New()
	return hex.EncodeToString(id[:4]) + "_" + name
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// Root returns the absolute media root
func (s *Storage) Root() string {
	return s.root
}

// RelPath returns the media-relative path of name inside kind
func RelPath(kind Kind, name string) string {
	return path.Join(string(kind), name)
}

// Path resolves a media-relative path to a filesystem path
func (s *Storage) Path(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// URL returns the public URL path of a media-relative path
func (s *Storage) URL(rel string) string {
	return s.mediaURL + strings.TrimPrefix(filepath.ToSlash(rel), "/")
}

// MediaURL returns the URL prefix media is served under
func (s *Storage) MediaURL() string {
	return s.mediaURL
}

// SaveUpload stores r under kind with a unique name derived from name and
// returns the media-relative path.
func (s *Storage) SaveUpload(kind Kind, name string, r io.Reader) (string, error) {
	rel := RelPath(kind, GenerateUniqueFilename(name))
	if err := s.write(rel, r); err != nil {
		return "", err
	}
	s.logger.Debug("Saved upload", "path", rel)
	return rel, nil
}

// Download fetches rawURL into kind. The file name comes from the URL path.
func (s *Storage) Download(ctx context.Context, kind Kind, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", ErrDownloadFailed, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d", ErrDownloadFailed, u.Host, resp.StatusCode)
	}

	rel := RelPath(kind, GenerateUniqueFilename(u.Path))
	if err := s.write(rel, resp.Body); err != nil {
		return "", err
	}

	s.logger.Debug("Downloaded media", "url", u.Redacted(), "path", rel)
	return rel, nil
}

// Create opens a new file at the media-relative path rel for writing
func (s *Storage) Create(rel string) (*os.File, error) {
	p, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create media file: %w", err)
	}
	return f, nil
}

func (s *Storage) write(rel string, r io.Reader) error {
	f, err := s.Create(rel)
	if err != nil {
		return err
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}

	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = fmt.Errorf("%w of %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err != nil {
		s.Remove(rel)
		if errors.Is(err, ErrTooLarge) {
			return err
		}
		return fmt.Errorf("failed to write media file: %w", err)
	}
	return nil
}

// Remove deletes a media file. Missing files are not an error.
func (s *Storage) Remove(rel string) error {
	p, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete media file: %w", err)
	}
	return nil
}

// CheckDiskSpace reports whether disk usage is below the configured maximum
func (s *Storage) CheckDiskSpace(ctx context.Context) (bool, error) {
	return s.diskMonitor.CheckSpace(ctx)
}

// GetStats counts media files and reports disk usage
func (s *Storage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Files: make(map[Kind]int, len(Kinds))}

	for _, kind := range Kinds {
		dir := filepath.Join(s.root, string(kind))
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			stats.Files[kind]++
			stats.TotalSizeBytes += info.Size()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
	}

	usage, err := s.diskMonitor.GetUsage(ctx)
	if err != nil {
		return nil, err
	}
	stats.DiskUsagePercent = usage.UsagePercent
	stats.AvailableBytes = usage.AvailableBytes

	return stats, nil
}
