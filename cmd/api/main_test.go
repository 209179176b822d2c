package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/downloader"
	"github.com/yourusername/media-forge/internal/jobs"
)

// gatedExtractor は release が閉じられるまで抽出を止めておくテスト用の Extractor です。
type gatedExtractor struct {
	release chan struct{}
	name    string
	content string
	err     error
}

func newGatedExtractor() *gatedExtractor {
	return &gatedExtractor{release: make(chan struct{}), name: "abc_動画.mp4", content: "video-bytes"}
}

func (g *gatedExtractor) Extract(ctx context.Context, req downloader.ExtractRequest, progress func(jobs.ProgressEvent)) (string, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if g.err != nil {
		return "", g.err
	}
	total := int64(len(g.content))
	progress(jobs.ProgressEvent{Phase: jobs.PhaseDownloading, BytesDownloaded: total / 2, TotalBytes: &total})
	path := filepath.Join(filepath.Dir(req.OutputTemplate), g.name)
	if err := os.WriteFile(path, []byte(g.content), 0o644); err != nil {
		return "", err
	}
	progress(jobs.ProgressEvent{Phase: jobs.PhaseFinished, BytesDownloaded: total, TotalBytes: &total})
	return path, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Port:               "0",
		GinMode:            gin.TestMode,
		ShutdownTimeout:    5 * time.Second,
		CORSAllowedOrigins: "http://localhost:5173",
		DownloadDir:        filepath.Join(root, "downloads"),
		UploadDir:          filepath.Join(root, "uploads"),
		ConvertDir:         filepath.Join(root, "conversions"),
		ChunkSize:          4,
		ArtifactTTL:        time.Minute,
		InputTTL:           time.Minute,
		JobRetention:       time.Hour,
		JobStore:           config.JobStoreMemory,
		CleanupBackend:     config.CleanupTimer,
		MaxUploadSize:      1 << 20,
		MaxPages:           10,
		PDFWordCommand:     "soffice",
		GhostscriptPath:    "gs",
		LogLevel:           "error",
		LogFormat:          "text",
	}
}

func newTestServer(t *testing.T, cfg *config.Config, extractor downloader.Extractor) (*app, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	a, err := newApp(cfg, logger, extractor)
	if err != nil {
		t.Fatalf("newApp returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.close(ctx); err != nil {
			t.Errorf("close returned error: %v", err)
		}
	})

	router := gin.New()
	a.setupRoutes(router)
	return a, router
}

func doRequest(router *gin.Engine, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func startDownload(t *testing.T, router *gin.Engine, source, videoURL string) string {
	t.Helper()
	rec := doRequest(router, http.MethodPost, "/"+source+"/download?url="+videoURL)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.ProcessID == "" {
		t.Fatal("process_id is empty")
	}
	return body.ProcessID
}

func fetchStatus(t *testing.T, router *gin.Engine, id string) jobs.Snapshot {
	t.Helper()
	rec := doRequest(router, http.MethodGet, "/downloads/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap jobs.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	return snap
}

func waitForStatus(t *testing.T, router *gin.Engine, id string, done func(jobs.Snapshot) bool) jobs.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := fetchStatus(t, router, id)
		if done(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not reach expected state, last: %+v", id, snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func isTerminal(s jobs.Snapshot) bool { return s.Status.IsTerminal() }

func TestHealth(t *testing.T) {
	_, router := newTestServer(t, newTestConfig(t), newGatedExtractor())
	rec := doRequest(router, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDownloadLifecycle(t *testing.T) {
	extractor := newGatedExtractor()
	_, router := newTestServer(t, newTestConfig(t), extractor)

	id := startDownload(t, router, "youtube", "https://youtu.be/abc")

	snap := fetchStatus(t, router, id)
	if snap.Status != jobs.StatusPending && snap.Status != jobs.StatusRunning {
		t.Fatalf("expected pending or running, got %s", snap.Status)
	}
	if snap.Source != "youtube" || snap.URL != "https://youtu.be/abc" {
		t.Fatalf("unexpected identity fields: %+v", snap)
	}

	rec := doRequest(router, http.MethodGet, "/downloads/"+id+"/file")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "FILE_NOT_READY") {
		t.Fatalf("expected not ready, got %d %s", rec.Code, rec.Body.String())
	}

	close(extractor.release)
	snap = waitForStatus(t, router, id, isTerminal)
	if snap.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", snap.Status, snap.Error)
	}
	if snap.Progress != 100 || snap.FilePath == nil || !snap.FileExists {
		t.Fatalf("unexpected completed snapshot: %+v", snap)
	}
	if snap.SuggestedName == nil || *snap.SuggestedName != "abc_動画.mp4" {
		t.Fatalf("unexpected suggested name: %v", snap.SuggestedName)
	}

	rec = doRequest(router, http.MethodGet, "/downloads/"+id+"/file")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "video-bytes" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="abc_.mp4"` {
		t.Fatalf("unexpected Content-Disposition: %s", got)
	}
	if rec.Header().Get("X-Process-Id") != id {
		t.Fatalf("missing X-Process-Id header")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("missing Cache-Control header")
	}
}

func TestDownloadFailureIsNotReady(t *testing.T) {
	extractor := newGatedExtractor()
	extractor.err = errors.New("extractor exploded")
	close(extractor.release)
	_, router := newTestServer(t, newTestConfig(t), extractor)

	id := startDownload(t, router, "tiktok", "https://www.tiktok.com/@u/video/1")
	snap := waitForStatus(t, router, id, isTerminal)
	if snap.Status != jobs.StatusFailed || snap.Error == nil || *snap.Error == "" {
		t.Fatalf("expected failed with error, got %+v", snap)
	}
	if snap.FilePath != nil {
		t.Fatalf("failed job must not carry a file path")
	}

	rec := doRequest(router, http.MethodGet, "/downloads/"+id+"/file")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRemoteNotFoundFailsJob(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "video unavailable", http.StatusNotFound)
	}))
	defer remote.Close()

	cfg := newTestConfig(t)
	cfg.YouTubeRemoteEndpoint = remote.URL
	_, router := newTestServer(t, cfg, newGatedExtractor())

	id := startDownload(t, router, "youtube", "https://youtu.be/missing")
	snap := waitForStatus(t, router, id, isTerminal)
	if snap.Status != jobs.StatusFailed || snap.Error == nil || !strings.Contains(*snap.Error, "404") {
		t.Fatalf("expected failure mentioning 404, got %+v", snap)
	}
}

func TestRemoteDownloadStreamsAndNamesFile(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("url") != "https://youtu.be/xyz" {
			http.Error(w, "bad url", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''%E5%8B%95%E7%94%BB.webm`)
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer remote.Close()

	cfg := newTestConfig(t)
	cfg.YouTubeRemoteEndpoint = remote.URL
	_, router := newTestServer(t, cfg, newGatedExtractor())

	id := startDownload(t, router, "youtube", "https://youtu.be/xyz")
	snap := waitForStatus(t, router, id, isTerminal)
	if snap.Status != jobs.StatusCompleted || snap.BytesDownloaded != 10 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if filepath.Ext(*snap.FilePath) != ".webm" {
		t.Fatalf("expected .webm artifact, got %s", *snap.FilePath)
	}
	if *snap.SuggestedName != "動画.webm" {
		t.Fatalf("unexpected suggested name: %s", *snap.SuggestedName)
	}
}

func TestArtifactRemovedAfterTTL(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ArtifactTTL = 50 * time.Millisecond
	extractor := newGatedExtractor()
	close(extractor.release)
	_, router := newTestServer(t, cfg, extractor)

	id := startDownload(t, router, "youtube", "https://youtu.be/abc")
	waitForStatus(t, router, id, isTerminal)

	snap := waitForStatus(t, router, id, func(s jobs.Snapshot) bool { return !s.FileExists })
	if snap.Status != jobs.StatusCompleted {
		t.Fatalf("status must stay completed after cleanup, got %s", snap.Status)
	}

	rec := doRequest(router, http.MethodGet, "/downloads/"+id+"/file")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected not ready after cleanup, got %d", rec.Code)
	}
}

func TestUnknownJobAndSource(t *testing.T) {
	_, router := newTestServer(t, newTestConfig(t), newGatedExtractor())

	if rec := doRequest(router, http.MethodGet, "/downloads/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodGet, "/downloads/nope/file"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job file, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodPost, "/vimeo/download?url=x"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown source, got %d", rec.Code)
	}
}

func TestAuthEnabledProtectsRoutes(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.AuthEnabled = true
	cfg.AppUsername = "admin"
	cfg.AppPasswordHash = "$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva"
	cfg.SessionSecret = "test-secret"
	_, router := newTestServer(t, cfg, newGatedExtractor())

	if rec := doRequest(router, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodGet, "/downloads/abc"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthEnabledScopesJobsToSession(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword returned error: %v", err)
	}
	cfg := newTestConfig(t)
	cfg.AuthEnabled = true
	cfg.AppUsername = "admin"
	cfg.AppPasswordHash = string(hash)
	cfg.SessionSecret = "test-secret"
	extractor := newGatedExtractor()
	close(extractor.release)
	_, router := newTestServer(t, cfg, extractor)

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"admin","password":"s3cret"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
		}
		return rec
	}
	send := func(session *httptest.ResponseRecorder, method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		for _, c := range session.Result().Cookies() {
			req.AddCookie(c)
		}
		req.Header.Set(auth.CSRFHeader, session.Header().Get(auth.CSRFHeader))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	owner, other := login(), login()
	rec := send(owner, http.MethodPost, "/youtube/download?url=https://youtu.be/abc")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if rec := send(owner, http.MethodGet, "/downloads/"+body.ProcessID); rec.Code != http.StatusOK {
		t.Fatalf("owner should see status, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, target := range []string{"/downloads/" + body.ProcessID, "/downloads/" + body.ProcessID + "/file"} {
		if rec := send(other, http.MethodGet, target); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 for another session, got %d", target, rec.Code)
		}
	}
}
