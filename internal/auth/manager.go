// Package auth は任意で有効化できるログインセッションを提供します。
// ログイン中のセッションは、自分が開始したジョブの状態と成果物だけを参照できます。
package auth

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// SessionCookieName はセッションクッキーの名前です。
const SessionCookieName = "mf_session"

// CSRFHeader はフロントエンドに公開する CSRF トークンのヘッダー名です。
const CSRFHeader = "X-CSRF-Token"

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Credentials はログインに使う唯一のアカウントです。
type Credentials struct {
	Username     string
	PasswordHash string // bcrypt
}

// Manager はログイン状態と、セッションごとのジョブの持ち主を管理します。
type Manager struct {
	creds   Credentials
	logger  logrus.FieldLogger
	now     func() time.Time
	limiter *loginLimiter
	owners  *ownerRegistry
}

// NewManager は認証マネージャーを作成します。
func NewManager(creds Credentials, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		creds:   creds,
		logger:  logger,
		now:     time.Now,
		limiter: newLoginLimiter(maxLoginAttempts, loginWindow, lockDuration),
		owners:  newOwnerRegistry(maxSessionLifetime),
	}
}

func (m *Manager) ensureCredentials() error {
	if m.creds.Username == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.creds.PasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	return nil
}

func (m *Manager) verify(username, password string) bool {
	if username != m.creds.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password)) == nil
}
