package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/media-forge/internal/jobs"
)

// countingLauncher は work を実行せず連番の process_id を払い出します。
type countingLauncher struct {
	n int
}

func (l *countingLauncher) Launch(ctx context.Context, source, url string, work jobs.Work) (*jobs.Job, error) {
	l.n++
	return &jobs.Job{ProcessID: fmt.Sprintf("job-%d", l.n), Source: source, URL: url}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword returned error: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(Credentials{Username: "admin", PasswordHash: string(hash)}, logger)
}

func newTestRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	router.POST("/auth/login", m.Login)
	router.POST("/auth/logout", append(m.Protect(), m.Logout)...)

	launcher := m.Launcher(&countingLauncher{})
	protected := router.Group("")
	protected.Use(m.Protect()...)
	protected.POST("/youtube/download", func(c *gin.Context) {
		job, err := launcher.Launch(c.Request.Context(), "youtube", c.Query("url"), nil)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"process_id": job.ProcessID})
	})
	protected.GET("/downloads/:id", m.OwnsJob(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func login(t *testing.T, router *gin.Engine, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := bytes.NewBufferString(`{"username":"admin","password":"` + password + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func withSession(req *http.Request, rec *httptest.ResponseRecorder) *http.Request {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

// startJob はログイン済みセッションでジョブを開始し、process_id を返します。
func startJob(t *testing.T, router *gin.Engine, loginRec *httptest.ResponseRecorder) string {
	t.Helper()
	req := withSession(httptest.NewRequest(http.MethodPost, "/youtube/download?url=u", nil), loginRec)
	req.Header.Set(CSRFHeader, loginRec.Header().Get(CSRFHeader))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body.ProcessID
}

func getJob(router *gin.Engine, id string, loginRec *httptest.ResponseRecorder) int {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/downloads/"+id, nil), loginRec))
	return rec.Code
}

func TestProtectedRouteRequiresLogin(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/job-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginThenCallWithCSRF(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	loginRec := login(t, router, "s3cret")
	if loginRec.Code != http.StatusNoContent {
		t.Fatalf("login failed: %d %s", loginRec.Code, loginRec.Body.String())
	}
	if loginRec.Header().Get(CSRFHeader) == "" {
		t.Fatal("login did not return a CSRF token")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodPost, "/youtube/download", nil), loginRec))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF header, got %d", rec.Code)
	}

	req := withSession(httptest.NewRequest(http.MethodPost, "/youtube/download", nil), loginRec)
	req.Header.Set(CSRFHeader, "not-the-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with a wrong CSRF header, got %d", rec.Code)
	}

	id := startJob(t, router, loginRec)
	if code := getJob(router, id, loginRec); code != http.StatusOK {
		t.Fatalf("safe method should not need CSRF, got %d", code)
	}
}

func TestJobsAreVisibleOnlyToTheirSession(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	alice := login(t, router, "s3cret")
	bob := login(t, router, "s3cret")

	id := startJob(t, router, alice)
	if code := getJob(router, id, alice); code != http.StatusOK {
		t.Fatalf("owner should see its job, got %d", code)
	}
	if code := getJob(router, id, bob); code != http.StatusNotFound {
		t.Fatalf("other session should get 404, got %d", code)
	}
	if code := getJob(router, "job-unknown", alice); code != http.StatusNotFound {
		t.Fatalf("unknown job should get 404, got %d", code)
	}
}

func TestLogoutReleasesJobs(t *testing.T) {
	router := newTestRouter(newTestManager(t))
	loginRec := login(t, router, "s3cret")
	id := startJob(t, router, loginRec)

	req := withSession(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), loginRec)
	req.Header.Set(CSRFHeader, loginRec.Header().Get(CSRFHeader))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout failed: %d %s", rec.Code, rec.Body.String())
	}

	// クッキーを使い回しても、ログアウト済みセッションのジョブは見えない
	if code := getJob(router, id, loginRec); code != http.StatusNotFound {
		t.Fatalf("released job should get 404, got %d", code)
	}
	again := login(t, router, "s3cret")
	if code := getJob(router, id, again); code != http.StatusNotFound {
		t.Fatalf("new session must not inherit jobs, got %d", code)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)

	for i := 0; i < maxLoginAttempts; i++ {
		if rec := login(t, router, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := login(t, router, "s3cret")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected lockout, got %d", rec.Code)
	}

	m.now = func() time.Time { return time.Now().Add(lockDuration + time.Second) }
	if rec := login(t, router, "s3cret"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected login after lock expiry, got %d", rec.Code)
	}
}

func TestLoginLimiterWindowResets(t *testing.T) {
	l := newLoginLimiter(3, time.Minute, time.Hour)
	start := time.Unix(1_700_000_000, 0)

	if remaining, locked := l.fail("ip", start); remaining != 2 || locked {
		t.Fatalf("unexpected first failure: %d %v", remaining, locked)
	}
	l.fail("ip", start.Add(10*time.Second))
	// 窓を過ぎた失敗は数え直す
	if remaining, locked := l.fail("ip", start.Add(2*time.Minute)); remaining != 2 || locked {
		t.Fatalf("window should restart: %d %v", remaining, locked)
	}
	if wait := l.retryAfter("ip", start.Add(2*time.Minute)); wait != 0 {
		t.Fatalf("should not be locked, got %v", wait)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	m := newTestManager(t)
	router := newTestRouter(m)
	loginRec := login(t, router, "s3cret")
	id := startJob(t, router, loginRec)

	m.now = func() time.Time { return time.Now().Add(idleTimeout + time.Minute) }
	if code := getJob(router, id, loginRec); code != http.StatusUnauthorized {
		t.Fatalf("expected idle timeout, got %d", code)
	}
	if m.owners.owns(id, "") || len(m.owners.owners) != 0 {
		t.Fatalf("idle session should release its jobs: %v", m.owners.owners)
	}
}
