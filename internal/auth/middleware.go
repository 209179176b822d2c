package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin から VerifyCSRF へ期待するトークンを渡すキー。
const contextCSRFKey = "auth.csrf"

// Protect はログイン必須 API に付けるミドルウェア列を返します。
func (m *Manager) Protect() []gin.HandlerFunc {
	return []gin.HandlerFunc{m.RequireLogin(), m.VerifyCSRF()}
}

func unauthorized(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    code,
		"message": message,
	})
}

// RequireLogin はセッションを検証し、セッション ID をリクエストのコンテキストに載せます。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		st, ok := loadState(session)
		if !ok {
			unauthorized(c, "UNAUTHORIZED", "ログインが必要です")
			return
		}

		now := m.now()
		switch {
		case st.expired(now):
			m.endSession(session, st)
			unauthorized(c, "SESSION_EXPIRED", "セッションの有効期限が切れました")
			return
		case st.idle(now):
			m.endSession(session, st)
			unauthorized(c, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください")
			return
		}

		st.LastSeen = now.Unix()
		if err := saveState(session, st); err != nil {
			m.logger.WithError(err).Warn("failed to refresh session")
		}
		c.Set(contextCSRFKey, st.CSRF)
		c.Request = c.Request.WithContext(withSessionID(c.Request.Context(), st.SID))
		c.Next()
	}
}

// VerifyCSRF は状態を変えるリクエストの X-CSRF-Token を検証します。
// ダウンロードや変換の開始も対象です。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		expected := c.GetString(contextCSRFKey)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(CSRFHeader))) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}
		c.Next()
	}
}

// endSession はクッキーを消し、そのセッションが開始したジョブを誰からも見えなくします。
func (m *Manager) endSession(session sessions.Session, st sessionState) {
	clearState(session)
	if n := m.owners.release(st.SID); n > 0 {
		m.logger.WithField("jobs", n).Info("released jobs of ended session")
	}
}
