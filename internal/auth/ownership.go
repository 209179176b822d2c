package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/jobs"
)

type sessionIDKey struct{}

func withSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sid)
}

// SessionID は RequireLogin が通したリクエストのセッション ID を返します。
func SessionID(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey{}).(string)
	return sid
}

type ownership struct {
	sid     string
	claimed time.Time
}

// ownerRegistry は process_id とそれを開始したセッションの対応を保持します。
// セッションの寿命を過ぎた対応は次の claim で捨てます。
type ownerRegistry struct {
	ttl time.Duration

	mu     sync.Mutex
	owners map[string]ownership
}

func newOwnerRegistry(ttl time.Duration) *ownerRegistry {
	return &ownerRegistry{ttl: ttl, owners: make(map[string]ownership)}
}

func (r *ownerRegistry) claim(processID, sid string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.owners {
		if now.Sub(o.claimed) > r.ttl {
			delete(r.owners, id)
		}
	}
	r.owners[processID] = ownership{sid: sid, claimed: now}
}

func (r *ownerRegistry) owns(processID, sid string) bool {
	if sid == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[processID]
	return ok && o.sid == sid
}

// release はセッションが持つ対応をすべて外し、外した件数を返します。
func (r *ownerRegistry) release(sid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, o := range r.owners {
		if o.sid == sid {
			delete(r.owners, id)
			n++
		}
	}
	return n
}

// Launcher は jobs.Manager と同じ形でジョブを開始します。
type Launcher interface {
	Launch(ctx context.Context, source, url string, work jobs.Work) (*jobs.Job, error)
}

// OwnedLauncher は開始したジョブを呼び出し元のセッションに紐付けます。
type OwnedLauncher struct {
	inner Launcher
	m     *Manager
}

// Launcher は inner を包み、ジョブの持ち主を記録する Launcher を返します。
func (m *Manager) Launcher(inner Launcher) *OwnedLauncher {
	return &OwnedLauncher{inner: inner, m: m}
}

// Launch implements Launcher.
func (l *OwnedLauncher) Launch(ctx context.Context, source, url string, work jobs.Work) (*jobs.Job, error) {
	job, err := l.inner.Launch(ctx, source, url, work)
	if err != nil {
		return nil, err
	}
	if sid := SessionID(ctx); sid != "" {
		l.m.owners.claim(job.ProcessID, sid, l.m.now())
	}
	return job, nil
}

// OwnsJob は :id のジョブを開始したセッション以外からのアクセスを 404 にします。
// 存在しないジョブと区別できないよう、応答はジョブ未検出と同じです。
func (m *Manager) OwnsJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		processID := strings.TrimSpace(c.Param("id"))
		if !m.owners.owns(processID, SessionID(c.Request.Context())) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "Download not found",
			})
			return
		}
		c.Next()
	}
}
