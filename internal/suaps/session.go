package suaps

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/cardcode"
)

var accessTokenRe = regexp.MustCompile(`accessToken=([^;]+)`)

// Session is the credential obtained for one card code. It belongs to the
// run that created it and is never persisted.
type Session struct {
	Code       string
	Token      string
	Cookie     string
	AcquiredAt time.Time
	// ExpiresAt is zero when the token carries no readable expiry.
	ExpiresAt time.Time
}

// Expired reports whether the token is known to be past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Profile is the subset of the platform's individual record that goes into a
// booking payload.
type Profile struct {
	Code         string `json:"code"`
	Login        string `json:"login"`
	LastName     string `json:"nom"`
	FirstName    string `json:"prenom"`
	Type         string `json:"type"`
	ExternalType string `json:"typeExterne"`
	Email        string `json:"email"`
	Phone        string `json:"telephone"`
	UserType     string `json:"typeUtilisateur"`
	Fallback     bool   `json:"-"`
}

// FallbackProfile is used whenever the profile endpoint cannot be read.
func FallbackProfile(userID string) Profile {
	return Profile{
		Code:         userID,
		Login:        userID,
		LastName:     "AUTO_RESERVATION",
		FirstName:    "USER",
		Type:         "EXTERNE",
		ExternalType: "ETUDIANT",
		UserType:     "EXTERNE",
		Fallback:     true,
	}
}

// Complete fills every empty field from the fallback profile.
func (p Profile) Complete(userID string) Profile {
	fb := FallbackProfile(userID)
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&p.Code, fb.Code)
	fill(&p.Login, fb.Login)
	fill(&p.LastName, fb.LastName)
	fill(&p.FirstName, fb.FirstName)
	fill(&p.Type, fb.Type)
	fill(&p.ExternalType, fb.ExternalType)
	fill(&p.UserType, fb.UserType)
	return p
}

// Login authenticates a card code and reads the matching profile. The
// profile falls back to placeholders when it cannot be fetched.
func (c *Client) Login(ctx context.Context, rawCode string) (Session, Profile, error) {
	code, err := cardcode.Normalize(rawCode)
	if err != nil {
		return Session{}, Profile{}, err
	}

	body, _ := json.Marshal(map[string]string{"codeCarte": code})
	res, b, err := c.do(ctx, request{method: http.MethodPost, path: pathLogin, body: body})
	if err != nil {
		return Session{}, Profile{}, &AuthError{Detail: err.Error(), Err: err}
	}
	if !ok(res.StatusCode) {
		return Session{}, Profile{}, &AuthError{Status: res.StatusCode, Detail: errorText(b)}
	}

	token := extractToken(res)
	if token == "" {
		return Session{}, Profile{}, &AuthError{Status: res.StatusCode, Detail: "no access token in response"}
	}
	sess := Session{
		Code:       code,
		Token:      token,
		Cookie:     "accessToken=" + token,
		AcquiredAt: c.now(),
		ExpiresAt:  tokenExpiry(token),
	}

	p, err := c.Profile(ctx, sess)
	if err != nil {
		c.log.Warn("profile unavailable, using fallback",
			zap.String("card", cardcode.Mask(code)), zap.Error(err))
		return sess, FallbackProfile(code), nil
	}
	return sess, p.Complete(code), nil
}

// Profile reads the authenticated user's record.
func (c *Client) Profile(ctx context.Context, sess Session) (Profile, error) {
	res, b, err := c.do(ctx, request{method: http.MethodGet, path: pathProfile, cookie: sess.Cookie})
	if err != nil {
		return Profile{}, err
	}
	if !ok(res.StatusCode) {
		return Profile{}, &RejectedError{Status: res.StatusCode, Detail: errorText(b)}
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, ErrUnknownResponseShape
	}
	if p.Code == "" && p.Login == "" && p.LastName == "" {
		return Profile{}, errors.New("suaps: empty profile")
	}
	return p, nil
}

func extractToken(res *http.Response) string {
	for _, ck := range res.Cookies() {
		if ck.Name == "accessToken" && ck.Value != "" {
			return ck.Value
		}
	}
	for _, h := range res.Header.Values("Set-Cookie") {
		if m := accessTokenRe.FindStringSubmatch(h); m != nil {
			return m[1]
		}
	}
	return ""
}

// tokenExpiry reads the exp claim. The signature is not verified.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
