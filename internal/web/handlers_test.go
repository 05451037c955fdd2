package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/config"
	"github.com/vzahanych/view-guard-meta/detection/internal/detection"
	"github.com/vzahanych/view-guard-meta/detection/internal/health"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/state"
	"github.com/vzahanych/view-guard-meta/detection/internal/storage"
	"github.com/vzahanych/view-guard-meta/detection/internal/video"
)

type fakeProcessor struct {
	mu        sync.Mutex
	imageIn   *detection.ImageInput
	videoIn   *detection.VideoInput
	imageBody []byte
	videoBody []byte
	result    *detection.Result
	err       error
}

func (p *fakeProcessor) ProcessImage(ctx context.Context, in detection.ImageInput) (*detection.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imageIn = &in
	if in.Body != nil {
		p.imageBody, _ = io.ReadAll(in.Body)
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.resultFor("input_img/ab12cd34_cat.jpg", "output_img/ab12cd34_cat.jpg", state.SourceURL), nil
}

func (p *fakeProcessor) ProcessVideo(ctx context.Context, in detection.VideoInput) (*detection.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoIn = &in
	if in.Body != nil {
		p.videoBody, _ = io.ReadAll(in.Body)
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.resultFor("input_video/ab12cd34_clip.avi", "output_video/ab12cd34_clip.mp4", state.SourceVideo), nil
}

func (p *fakeProcessor) resultFor(in, out, source string) *detection.Result {
	if p.result != nil {
		return p.result
	}
	return &detection.Result{RecordID: 7, InputPath: in, OutputPath: out, SourceType: source}
}

type fakeHistory struct {
	records  map[int64]*state.DetectionHistory
	total    int
	gotOpts  state.ListOptions
	listErr  error
	getErr   error
	listed   []*state.DetectionHistory
	getCalls int
}

func (h *fakeHistory) GetDetection(ctx context.Context, id int64) (*state.DetectionHistory, error) {
	h.getCalls++
	if h.getErr != nil {
		return nil, h.getErr
	}
	return h.records[id], nil
}

func (h *fakeHistory) ListDetections(ctx context.Context, opts state.ListOptions) ([]*state.DetectionHistory, int, error) {
	h.gotOpts = opts
	if h.listErr != nil {
		return nil, 0, h.listErr
	}
	return h.listed, h.total, nil
}

type fakeMedia struct {
	root string
}

func (m *fakeMedia) Root() string          { return m.root }
func (m *fakeMedia) URL(rel string) string { return "/media/" + rel }
func (m *fakeMedia) MediaURL() string      { return "/media/" }

func (m *fakeMedia) GetStats(ctx context.Context) (*storage.Stats, error) {
	return &storage.Stats{Files: map[storage.Kind]int{storage.KindInputImage: 2}}, nil
}

type fakeHealth struct {
	status health.Status
}

func (h *fakeHealth) Check(ctx context.Context) health.HealthReport {
	return health.HealthReport{Status: h.status, Timestamp: time.Now()}
}

type fakeDetector struct {
	statsErr error
}

func (d *fakeDetector) Stats() ai.ClientStats {
	return ai.ClientStats{Requests: 5, Failures: 1, Retries: 2}
}

func (d *fakeDetector) GetStats(ctx context.Context) (*ai.InferenceStats, error) {
	if d.statsErr != nil {
		return nil, d.statsErr
	}
	return &ai.InferenceStats{TotalInferences: 40, AverageTimeMs: 12.5}, nil
}

type testEnv struct {
	server    *Server
	processor *fakeProcessor
	history   *fakeHistory
	media     *fakeMedia
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		processor: &fakeProcessor{},
		history:   &fakeHistory{records: map[int64]*state.DetectionHistory{}},
		media:     &fakeMedia{root: t.TempDir()},
	}
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0}
	env.server = NewServer(cfg, env.processor, env.history, env.media, logger.NewNopLogger())
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, target string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, content := range files {
		fw, err := mw.CreateFormFile(field, field+"_upload.bin")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestProcess_ImageURL(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/process-image/", `{"image_url":"http://img.test/cat.jpg"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "http://example.com/media/input_img/ab12cd34_cat.jpg", body["input_image"])
	assert.Equal(t, "http://example.com/media/output_img/ab12cd34_cat.jpg", body["output_image"])
	assert.Equal(t, float64(7), body["db_record_id"])

	require.NotNil(t, env.processor.imageIn)
	assert.Equal(t, "http://img.test/cat.jpg", env.processor.imageIn.URL)
	assert.Nil(t, env.processor.videoIn)
}

func TestProcess_WithoutTrailingSlash(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/process-image", `{"image_url":"http://img.test/cat.jpg"}`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProcess_PublicBaseURL(t *testing.T) {
	env := setupTestServer(t)
	env.server.config.PublicBaseURL = "https://detect.example.org/"

	w := env.do(jsonRequest(http.MethodPost, "/api/process-image/", `{"image_url":"http://img.test/cat.jpg"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://detect.example.org/media/output_img/ab12cd34_cat.jpg", decode(t, w)["output_image"])
}

func TestProcess_ImageUpload(t *testing.T) {
	env := setupTestServer(t)

	req := multipartRequest(t, "/api/process-image/", nil, map[string][]byte{"image": []byte("jpeg-bytes")})
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, env.processor.imageIn)
	assert.Empty(t, env.processor.imageIn.URL)
	assert.Equal(t, "image_upload.bin", env.processor.imageIn.Filename)
	assert.Equal(t, []byte("jpeg-bytes"), env.processor.imageBody)
}

func TestProcess_ImageURLTakesPrecedenceOverUpload(t *testing.T) {
	env := setupTestServer(t)

	req := multipartRequest(t, "/api/process-image/",
		map[string]string{"image_url": "http://img.test/dog.png"},
		map[string][]byte{"image": []byte("ignored")},
	)
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "http://img.test/dog.png", env.processor.imageIn.URL)
	assert.Nil(t, env.processor.imageBody)
}

func TestProcess_VideoURL(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/process-image/", `{"video_url":"https://vid.test/clip.avi"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, env.processor.videoIn)
	assert.Equal(t, "https://vid.test/clip.avi", env.processor.videoIn.URL)
	assert.Equal(t, "http://example.com/media/output_video/ab12cd34_clip.mp4", decode(t, w)["output_image"])
}

func TestProcess_VideoUpload(t *testing.T) {
	env := setupTestServer(t)

	req := multipartRequest(t, "/api/process-image/", nil, map[string][]byte{"video": []byte("avi-bytes")})
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "video_upload.bin", env.processor.videoIn.Filename)
	assert.Equal(t, []byte("avi-bytes"), env.processor.videoBody)
}

func TestProcess_InputValidation(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
		want string
	}{
		{
			name: "neither image nor video",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(http.MethodPost, "/api/process-image/", `{}`)
			},
			want: detection.ErrNoInput.Error(),
		},
		{
			name: "image url and video url",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(http.MethodPost, "/api/process-image/", `{"image_url":"http://a.test/x.jpg","video_url":"http://a.test/y.mp4"}`)
			},
			want: detection.ErrAmbiguousInput.Error(),
		},
		{
			name: "video upload with image url",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process-image/",
					map[string]string{"image_url": "http://a.test/x.jpg"},
					map[string][]byte{"video": []byte("v")},
				)
			},
			want: detection.ErrAmbiguousInput.Error(),
		},
		{
			name: "malformed url",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(http.MethodPost, "/api/process-image/", `{"image_url":"not a url"}`)
			},
			want: "Invalid request",
		},
		{
			name: "malformed json",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(http.MethodPost, "/api/process-image/", `{"image_url":`)
			},
			want: "Invalid request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)

			w := env.do(tt.req(t))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode(t, w)["error"], tt.want)
			assert.Nil(t, env.processor.imageIn)
			assert.Nil(t, env.processor.videoIn)
		})
	}
}

func TestProcess_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"request error", &detection.RequestError{Message: "failed to download image", Err: storage.ErrDownloadFailed}, http.StatusBadRequest},
		{"pipeline error", &video.PipelineError{Stage: video.StageOpenSource, Cause: video.ErrSourceUnavailable}, http.StatusBadRequest},
		{"detector failure", errors.Join(video.ErrDetectorFailure, errors.New("503")), http.StatusInternalServerError},
		{"store failure", errors.New("disk I/O error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			env.processor.err = tt.err

			w := env.do(jsonRequest(http.MethodPost, "/api/process-image/", `{"video_url":"http://vid.test/a.mp4"}`))
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.err.Error(), decode(t, w)["error"])
		})
	}
}

func TestList_PassesOptions(t *testing.T) {
	env := setupTestServer(t)
	env.history.total = 42
	env.history.listed = []*state.DetectionHistory{
		{ID: 3, ImageName: "a_cat.jpg", Shape: "10x10", SourceType: state.SourceFile, DetailedResults: json.RawMessage(`[{"class":"cat"}]`)},
	}

	w := env.do(httptest.NewRequest(http.MethodGet,
		"/api/process-image/?q=cat&source_type=file&start_date=2024-01-01&end_date=2024-01-31&sort_by=image_name&order=asc&page=2&page_size=5", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	opts := env.history.gotOpts
	assert.Equal(t, "cat", opts.Query)
	assert.Equal(t, state.SourceFile, opts.SourceType)
	assert.Equal(t, "image_name", opts.SortBy)
	assert.Equal(t, "asc", opts.Order)
	assert.Equal(t, 2, opts.Page)
	assert.Equal(t, 5, opts.PageSize)
	require.NotNil(t, opts.StartDate)
	require.NotNil(t, opts.EndDate)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), *opts.EndDate)

	body := decode(t, w)
	assert.Equal(t, float64(42), body["total_count"])
	assert.Equal(t, float64(2), body["page"])
	assert.Equal(t, float64(5), body["page_size"])

	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "a_cat.jpg", first["image_name"])
	details := first["detailed_results"].([]interface{})
	assert.Equal(t, "cat", details[0].(map[string]interface{})["class"])
}

func TestList_Defaults(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/process-image", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(state.DefaultPageSize), body["page_size"])
	assert.Equal(t, []interface{}{}, body["results"])
	assert.Equal(t, state.DefaultSortBy, env.history.gotOpts.SortBy)
	assert.Equal(t, "desc", env.history.gotOpts.Order)
}

func TestList_ClampsPageSize(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/?page_size=500", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(state.MaxPageSize), decode(t, w)["page_size"])
}

func TestList_BadParameters(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"non-integer page", "page=two"},
		{"non-integer page_size", "page_size=ten"},
		{"negative page", "page=-1"},
		{"bad start date", "start_date=01/02/2024"},
		{"bad end date", "end_date=yesterday"},
		{"unknown sort field", "sort_by=password"},
		{"bad order", "order=sideways"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)

			w := env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/?"+tt.query, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode(t, w), "error")
		})
	}
}

func TestList_StoreFailure(t *testing.T) {
	env := setupTestServer(t)
	env.history.listErr = errors.New("database is locked")

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetDetection(t *testing.T) {
	env := setupTestServer(t)
	env.history.records[5] = &state.DetectionHistory{ID: 5, ImageName: "x_dog.png", Shape: "640x480"}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/5/", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "x_dog.png", decode(t, w)["image_name"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/5", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/6/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Record not found", decode(t, w)["error"])

	calls := env.history.getCalls
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/process-image/abc/", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, calls, env.history.getCalls)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	env.server.SetHealth(&fakeHealth{status: health.StatusDegraded})
	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	env.server.SetHealth(&fakeHealth{status: health.StatusUnhealthy})
	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus(t *testing.T) {
	env := setupTestServer(t)
	env.server.SetVersion("1.2.3")

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "1.2.3", body["version"])
	media := body["media"].(map[string]interface{})
	files := media["files"].(map[string]interface{})
	assert.Equal(t, float64(2), files["input_img"])
	assert.NotContains(t, body, "detector")
}

func TestStatus_DetectorStats(t *testing.T) {
	env := setupTestServer(t)
	env.server.SetDetector(&fakeDetector{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	detector := decode(t, w)["detector"].(map[string]interface{})
	client := detector["client"].(map[string]interface{})
	assert.Equal(t, float64(5), client["requests"])
	assert.Equal(t, float64(1), client["failures"])
	assert.Equal(t, float64(2), client["retries"])

	svc := detector["service"].(map[string]interface{})
	assert.Equal(t, float64(40), svc["total_inferences"])
}

func TestStatus_DetectorServiceStatsUnavailable(t *testing.T) {
	env := setupTestServer(t)
	env.server.SetDetector(&fakeDetector{statsErr: errors.New("connection refused")})

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	detector := decode(t, w)["detector"].(map[string]interface{})
	assert.Contains(t, detector, "client")
	assert.NotContains(t, detector, "service")
}

func TestMediaServed(t *testing.T) {
	env := setupTestServer(t)
	dir := filepath.Join(env.media.root, "output_img")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("annotated"), 0644))

	w := env.do(httptest.NewRequest(http.MethodGet, "/media/output_img/a.jpg", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "annotated", w.Body.String())
}

func TestRequestIDHeader(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = env.do(req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestUnknownRoute(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
