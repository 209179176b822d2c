package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gin-contrib/sessions"
)

const sessionKeyState = "state"

// sessionState はクッキーに保存するログイン情報です。
// SID はジョブの持ち主を識別するためのもので、ログインのたびに新しくなります。
type sessionState struct {
	User     string `json:"user"`
	SID      string `json:"sid"`
	CSRF     string `json:"csrf"`
	Issued   int64  `json:"iat"`
	LastSeen int64  `json:"seen"`
}

func (s sessionState) expired(now time.Time) bool {
	return s.Issued == 0 || now.Sub(time.Unix(s.Issued, 0)) > maxSessionLifetime
}

func (s sessionState) idle(now time.Time) bool {
	return s.LastSeen == 0 || now.Sub(time.Unix(s.LastSeen, 0)) > idleTimeout
}

func loadState(session sessions.Session) (sessionState, bool) {
	raw, ok := session.Get(sessionKeyState).(string)
	if !ok || raw == "" {
		return sessionState{}, false
	}
	var st sessionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.User == "" || st.SID == "" {
		return sessionState{}, false
	}
	return st, true
}

func saveState(session sessions.Session, st sessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	session.Set(sessionKeyState, string(raw))
	return session.Save()
}

func clearState(session sessions.Session) {
	session.Clear()
	_ = session.Save()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
