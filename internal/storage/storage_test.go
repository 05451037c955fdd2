package storage

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

var uniquePrefix = regexp.MustCompile(`^[0-9a-f]{8}_`)

func setupTestStorage(t *testing.T, maxBytes int64) *Storage {
	t.Helper()

	s, err := NewStorage(Config{
		MediaRoot:      filepath.Join(t.TempDir(), "media"),
		MediaURL:       "/media/",
		MaxUploadBytes: maxBytes,
	}, logger.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestNewStorage_CreatesDirectories(t *testing.T) {
	s := setupTestStorage(t, 0)

	for _, kind := range Kinds {
		info, err := os.Stat(filepath.Join(s.Root(), string(kind)))
		require.NoError(t, err, kind)
		assert.True(t, info.IsDir())
	}
}

func TestGenerateUniqueFilename(t *testing.T) {
	cases := map[string]string{
		"cat.png":             "cat.png",
		"":                    "file.jpg",
		"noext":               "file.jpg",
		"/some/dir/clip.mp4":  "clip.mp4",
		`C:\Users\me\dog.jpg`: "dog.jpg",
		"../../etc/x.conf":    "x.conf",
	}

	for in, suffix := range cases {
		got := GenerateUniqueFilename(in)
		assert.Regexp(t, uniquePrefix, got, in)
		assert.Equal(t, suffix, got[9:], in)
	}

	assert.NotEqual(t, GenerateUniqueFilename("a.jpg"), GenerateUniqueFilename("a.jpg"))
}

func TestStorage_PathAndURL(t *testing.T) {
	s := setupTestStorage(t, 0)

	p, err := s.Path("input_img/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "input_img", "a.jpg"), p)

	// traversal is clamped to the media root
	p, err = s.Path("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, s.Root()))

	_, err = s.Path("")
	assert.ErrorIs(t, err, ErrInvalidPath)

	assert.Equal(t, "/media/output_img/a.jpg", s.URL("output_img/a.jpg"))
	assert.Equal(t, "output_video/x.mp4", RelPath(KindOutputVideo, "x.mp4"))
}

func TestStorage_SaveUpload(t *testing.T) {
	s := setupTestStorage(t, 1024)

	rel, err := s.SaveUpload(KindInputImage, "photo.jpg", strings.NewReader("jpeg bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "input_img/"))
	assert.True(t, strings.HasSuffix(rel, "_photo.jpg"))

	p, err := s.Path(rel)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
}

func TestStorage_SaveUploadTooLarge(t *testing.T) {
	s := setupTestStorage(t, 8)

	_, err := s.SaveUpload(KindInputImage, "big.jpg", bytes.NewReader(make([]byte, 9)))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "input_img"))
	require.NoError(t, err)
	assert.Empty(t, entries, "oversized upload must not be left behind")

	_, err = s.SaveUpload(KindInputImage, "exact.jpg", bytes.NewReader(make([]byte, 8)))
	assert.NoError(t, err)
}

func TestStorage_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/videos/clip.mp4":
			w.Write([]byte("video data"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := setupTestStorage(t, 1024)
	ctx := context.Background()

	rel, err := s.Download(ctx, KindInputVideo, srv.URL+"/videos/clip.mp4?token=x")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "input_video/"))
	assert.True(t, strings.HasSuffix(rel, "_clip.mp4"))

	p, _ := s.Path(rel)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "video data", string(data))

	_, err = s.Download(ctx, KindInputVideo, srv.URL+"/missing.mp4")
	assert.ErrorIs(t, err, ErrDownloadFailed)

	_, err = s.Download(ctx, KindInputImage, "ftp://example.com/a.jpg")
	assert.ErrorIs(t, err, ErrDownloadFailed)

	_, err = s.Download(ctx, KindInputImage, "not a url")
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestStorage_DownloadWithoutNameUsesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	defer srv.Close()

	s := setupTestStorage(t, 1024)
	rel, err := s.Download(context.Background(), KindInputImage, srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rel, "_file.jpg"))
}

func TestStorage_Remove(t *testing.T) {
	s := setupTestStorage(t, 0)

	rel, err := s.SaveUpload(KindOutputImage, "a.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(rel))
	p, _ := s.Path(rel)
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, s.Remove(rel), "removing twice is fine")
}

func TestStorage_GetStats(t *testing.T) {
	s := setupTestStorage(t, 0)

	_, err := s.SaveUpload(KindInputImage, "a.jpg", strings.NewReader("12345"))
	require.NoError(t, err)
	_, err = s.SaveUpload(KindOutputImage, "a.jpg", strings.NewReader("123"))
	require.NoError(t, err)

	stats, err := s.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Files[KindInputImage])
	assert.Equal(t, 1, stats.Files[KindOutputImage])
	assert.Equal(t, 0, stats.Files[KindInputVideo])
	assert.Equal(t, int64(8), stats.TotalSizeBytes)
	assert.Greater(t, stats.AvailableBytes, int64(0))
}
