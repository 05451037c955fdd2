package web

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/detection/internal/detection"
	"github.com/vzahanych/view-guard-meta/detection/internal/health"
	"github.com/vzahanych/view-guard-meta/detection/internal/state"
	"github.com/vzahanych/view-guard-meta/detection/internal/video"
)

// processRequest is the body of POST /api/process-image/, sent either as
// JSON or as a multipart form
type processRequest struct {
	ImageURL string                `json:"image_url" form:"image_url" binding:"omitempty,url"`
	VideoURL string                `json:"video_url" form:"video_url" binding:"omitempty,url"`
	Image    *multipart.FileHeader `json:"-" form:"image"`
	Video    *multipart.FileHeader `json:"-" form:"video"`
}

func (r *processRequest) hasImage() bool { return r.ImageURL != "" || r.Image != nil }
func (r *processRequest) hasVideo() bool { return r.VideoURL != "" || r.Video != nil }

type processResponse struct {
	InputImage  string `json:"input_image"`
	OutputImage string `json:"output_image"`
	RecordID    int64  `json:"db_record_id"`
}

type listResponse struct {
	TotalCount int                       `json:"total_count"`
	Page       int                       `json:"page"`
	PageSize   int                       `json:"page_size"`
	Results    []*state.DetectionHistory `json:"results"`
}

// handleProcess handles POST /api/process-image/
func (s *Server) handleProcess(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	switch {
	case req.hasImage() && req.hasVideo():
		c.JSON(http.StatusBadRequest, gin.H{"error": detection.ErrAmbiguousInput.Error()})
		return
	case !req.hasImage() && !req.hasVideo():
		c.JSON(http.StatusBadRequest, gin.H{"error": detection.ErrNoInput.Error()})
		return
	}

	var (
		result *detection.Result
		err    error
	)
	if req.hasVideo() {
		result, err = s.processVideo(c, &req)
	} else {
		result, err = s.processImage(c, &req)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, processResponse{
		InputImage:  s.absoluteURL(c, result.InputPath),
		OutputImage: s.absoluteURL(c, result.OutputPath),
		RecordID:    result.RecordID,
	})
}

// processImage gives image_url precedence over an uploaded image
func (s *Server) processImage(c *gin.Context, req *processRequest) (*detection.Result, error) {
	if req.ImageURL != "" {
		return s.processor.ProcessImage(c.Request.Context(), detection.ImageInput{URL: req.ImageURL})
	}

	file, err := req.Image.Open()
	if err != nil {
		return nil, &detection.RequestError{Message: "failed to read uploaded image", Err: err}
	}
	defer file.Close()

	return s.processor.ProcessImage(c.Request.Context(), detection.ImageInput{
		Filename: req.Image.Filename,
		Body:     file,
	})
}

func (s *Server) processVideo(c *gin.Context, req *processRequest) (*detection.Result, error) {
	if req.VideoURL != "" {
		return s.processor.ProcessVideo(c.Request.Context(), detection.VideoInput{URL: req.VideoURL})
	}

	file, err := req.Video.Open()
	if err != nil {
		return nil, &detection.RequestError{Message: "failed to read uploaded video", Err: err}
	}
	defer file.Close()

	return s.processor.ProcessVideo(c.Request.Context(), detection.VideoInput{
		Filename: req.Video.Filename,
		Body:     file,
	})
}

// handleListDetections handles GET /api/process-image/
func (s *Server) handleListDetections(c *gin.Context) {
	opts, err := parseListOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts, err = opts.Normalize()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, total, err := s.history.ListDetections(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []*state.DetectionHistory{}
	}

	c.JSON(http.StatusOK, listResponse{
		TotalCount: total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		Results:    records,
	})
}

func parseListOptions(c *gin.Context) (state.ListOptions, error) {
	opts := state.ListOptions{
		Query:      c.Query("q"),
		SourceType: c.Query("source_type"),
		SortBy:     c.Query("sort_by"),
		Order:      c.Query("order"),
	}

	var err error
	if opts.Page, err = queryInt(c, "page"); err != nil {
		return opts, err
	}
	if opts.PageSize, err = queryInt(c, "page_size"); err != nil {
		return opts, err
	}

	if v := c.Query("start_date"); v != "" {
		t, err := state.ParseDate(v)
		if err != nil {
			return opts, err
		}
		opts.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := state.ParseDate(v)
		if err != nil {
			return opts, err
		}
		opts.EndDate = &t
	}

	return opts, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", state.ErrInvalidListOptions, key)
	}
	return n, nil
}

// handleGetDetection handles GET /api/process-image/:id/
func (s *Server) handleGetDetection(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid record ID"})
		return
	}

	rec, err := s.history.GetDetection(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}

	report := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}

	stats, err := s.media.GetStats(c.Request.Context())
	if err != nil {
		s.LogWarn("Failed to collect media stats", "error", err)
	} else {
		resp["media"] = stats
	}

	if s.detector != nil {
		detector := gin.H{"client": s.detector.Stats()}
		if svcStats, err := s.detector.GetStats(c.Request.Context()); err != nil {
			s.LogDebug("Inference service stats unavailable", "error", err)
		} else {
			detector["service"] = svcStats
		}
		resp["detector"] = detector
	}

	c.JSON(http.StatusOK, resp)
}

// writeError maps processing errors onto status codes
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		reqErr  *detection.RequestError
		pipeErr *video.PipelineError
	)

	switch {
	case errors.As(err, &reqErr), errors.As(err, &pipeErr), errors.Is(err, state.ErrInvalidListOptions):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
	default:
		s.LogError("Request failed", err, "path", c.Request.URL.Path, "request_id", c.GetString("request_id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// absoluteURL turns a media-relative path into an absolute URL, preferring
// the configured public base over the request host
func (s *Server) absoluteURL(c *gin.Context, rel string) string {
	u := s.media.URL(rel)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}

	base := strings.TrimSuffix(s.config.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return base + u
}
