package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/config"
	"github.com/vzahanych/view-guard-meta/detection/internal/detection"
	"github.com/vzahanych/view-guard-meta/detection/internal/health"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/service"
	"github.com/vzahanych/view-guard-meta/detection/internal/state"
	"github.com/vzahanych/view-guard-meta/detection/internal/storage"
)

const requestIDHeader = "X-Request-ID"

// Processor runs detection for one request
type Processor interface {
	ProcessImage(ctx context.Context, in detection.ImageInput) (*detection.Result, error)
	ProcessVideo(ctx context.Context, in detection.VideoInput) (*detection.Result, error)
}

// HistoryReader reads persisted detection runs
type HistoryReader interface {
	GetDetection(ctx context.Context, id int64) (*state.DetectionHistory, error)
	ListDetections(ctx context.Context, opts state.ListOptions) ([]*state.DetectionHistory, int, error)
}

// MediaStore resolves and serves stored media
type MediaStore interface {
	Root() string
	URL(rel string) string
	MediaURL() string
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// HealthReporter produces the health report served at /health
type HealthReporter interface {
	Check(ctx context.Context) health.HealthReport
}

// DetectorStats exposes inference counters for /api/status
type DetectorStats interface {
	Stats() ai.ClientStats
	GetStats(ctx context.Context) (*ai.InferenceStats, error)
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	processor  Processor
	history    HistoryReader
	media      MediaStore
	health     HealthReporter // Optional
	detector   DetectorStats  // Optional
	version    string
	startTime  time.Time
}

// NewServer creates a new web server service with every route registered
func NewServer(cfg config.ServerConfig, processor Processor, history HistoryReader, media MediaStore, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestID())
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		router:      router,
		processor:   processor,
		history:     history,
		media:       media,
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetHealth sets the health reporter
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetDetector sets the inference client reported by /api/status
func (s *Server) SetDetector(d DetectorStats) {
	s.detector = d
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", lis.Addr().String())
			s.GetStatus().SetError(err)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", lis.Addr().String())
	return nil
}

// Stop stops the web server, letting in-flight requests finish until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.GetStatus().SetStatus(service.StatusStopping)
	s.LogInfo("Stopping web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down web server: %w", err)
	}
	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)

		// Routes answer with and without the trailing slash
		for _, p := range []string{"/process-image", "/process-image/"} {
			api.POST(p, s.handleProcess)
			api.GET(p, s.handleListDetections)
		}
		for _, p := range []string{"/process-image/:id", "/process-image/:id/"} {
			api.GET(p, s.handleGetDetection)
		}
	}

	// Media is served from disk only when its URL prefix is local
	if prefix := strings.TrimSuffix(s.media.MediaURL(), "/"); strings.HasPrefix(prefix, "/") && prefix != "" {
		s.router.Static(prefix, s.media.Root())
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// requestID tags every request with an id, reusing the caller's when given
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware allows browser clients from any origin
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
