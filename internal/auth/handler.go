package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /auth/login のハンドラーです。
// 成功するとセッション ID を新しく発行するため、以前のセッションで開始したジョブは引き継ぎません。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	now := m.now()
	if wait := m.limiter.retryAfter(ip, now); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	if !m.verify(req.Username, req.Password) {
		remaining, locked := m.limiter.fail(ip, now)
		if locked {
			m.logger.WithField("ip", ip).Warn("login locked after repeated failures")
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}
	m.limiter.reset(ip)

	sid, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "セッションの生成に失敗しました",
		})
		return
	}
	csrf, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	session := sessions.Default(c)
	if prev, ok := loadState(session); ok {
		m.owners.release(prev.SID)
	}
	session.Clear()
	st := sessionState{User: m.creds.Username, SID: sid, CSRF: csrf, Issued: now.Unix(), LastSeen: now.Unix()}
	if err := saveState(session, st); err != nil {
		m.logger.WithError(err).Error("failed to save session")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	c.Header(CSRFHeader, csrf)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。Protect の後ろに登録します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	released := m.owners.release(SessionID(c.Request.Context()))
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	m.logger.WithField("jobs", released).Debug("session logged out")
	c.Status(http.StatusNoContent)
}
