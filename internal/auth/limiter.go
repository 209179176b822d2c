package auth

import (
	"sync"
	"time"
)

type attemptWindow struct {
	failures    int
	start       time.Time
	lockedUntil time.Time
}

// loginLimiter は接続元ごとのログイン失敗を数え、上限に達したら一定時間締め出します。
type loginLimiter struct {
	limit  int
	window time.Duration
	lock   time.Duration

	mu      sync.Mutex
	windows map[string]*attemptWindow
}

func newLoginLimiter(limit int, window, lock time.Duration) *loginLimiter {
	return &loginLimiter{
		limit:   limit,
		window:  window,
		lock:    lock,
		windows: make(map[string]*attemptWindow),
	}
}

// retryAfter は締め出し中なら残り時間を、そうでなければ 0 を返します。
func (l *loginLimiter) retryAfter(key string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.lockedUntil) {
		return 0
	}
	return w.lockedUntil.Sub(now)
}

// fail は失敗を 1 回記録し、締め出しまでの残り回数を返します。
func (l *loginLimiter) fail(key string, now time.Time) (remaining int, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > l.window {
		w = &attemptWindow{start: now}
		l.windows[key] = w
	}
	w.failures++
	if w.failures >= l.limit {
		w.failures = l.limit
		w.lockedUntil = now.Add(l.lock)
		return 0, true
	}
	return l.limit - w.failures, false
}

func (l *loginLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// sweep は窓も締め出しも終わった記録を捨てます。呼び出し側でロックを取ること。
func (l *loginLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) > l.window && !now.Before(w.lockedUntil) {
			delete(l.windows, key)
		}
	}
}
