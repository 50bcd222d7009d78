package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	cookieName = "autoresa_session"
	sessionTTL = 14 * 24 * time.Hour
)

// Session identifies a logged-in SUAPS user. The card code travels in the
// encrypted cookie so slots can be created without asking for it again.
type Session struct {
	UserID   string `json:"uid"`
	CardCode string `json:"card"`
}

type ctxKey string

const sessionKey ctxKey = "session"

type Sessions struct {
	sc *securecookie.SecureCookie
}

func NewSessions(hashKey, blockKey []byte) *Sessions {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &Sessions{sc: sc}
}

func (s *Sessions) Set(w http.ResponseWriter, r *http.Request, sess Session) error {
	encoded, err := s.sc.Encode(cookieName, sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Sessions) Get(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil {
		return Session{}, false
	}
	if sess.UserID == "" || sess.CardCode == "" {
		return Session{}, false
	}
	return sess, true
}

// Require rejects requests without a valid session cookie.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.Get(r)
		if !ok {
			unauthorized(w, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func sessionFrom(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}

// bearer reports whether r carries "Authorization: Bearer <secret>".
func bearer(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
