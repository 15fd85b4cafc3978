package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// StateCookieName carries the pending SSO state back to the callback.
	StateCookieName = "console.sso_state"
	// StateCookiePath scopes the state cookie to the SSO callback.
	StateCookiePath = "/api/auth/sso/callback"
)

// Cookies signs, sets and reads the session cookie.
type Cookies struct {
	name   string
	secure bool
	secret []byte
}

// NewCookies returns a cookie codec. An empty secret is replaced by a random
// one, which invalidates every session on restart; the second return value
// reports whether that happened.
func NewCookies(name, secret string, secure bool) (*Cookies, bool, error) {
	c := &Cookies{name: name, secure: secure}
	if secret != "" {
		c.secret = []byte(secret)
		return c, false, nil
	}

	c.secret = make([]byte, 32)
	if _, err := rand.Read(c.secret); err != nil {
		return nil, false, fmt.Errorf("failed to generate session secret: %w", err)
	}
	return c, true, nil
}

// Name returns the cookie name.
func (c *Cookies) Name() string {
	return c.name
}

// Set writes the signed session cookie.
func (c *Cookies) Set(w http.ResponseWriter, sessionID string, expiresAt time.Time) {
	http.SetCookie(w, c.base(c.sign(sessionID), expiresAt, int(time.Until(expiresAt).Seconds())))
}

// Clear removes the session cookie. The attributes match Set so browsers drop it.
func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.base("", time.Unix(0, 0), -1))
}

func (c *Cookies) base(value string, expires time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// Read returns the session ID carried by the request's cookie.
// A missing, malformed or tampered cookie reports false.
func (c *Cookies) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", false
	}
	return c.verify(cookie.Value)
}

func (c *Cookies) sign(id string) string {
	return id + "." + base64.RawURLEncoding.EncodeToString(c.mac(id))
}

func (c *Cookies) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, c.mac(id)) {
		return "", false
	}
	return id, true
}

func (c *Cookies) mac(id string) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(id))
	return h.Sum(nil)
}

// SetState binds an SSO state to the browser with a signed cookie that
// only the callback receives. It is SameSite=Lax because the IdP redirect
// back is a cross-site navigation.
func (c *Cookies) SetState(w http.ResponseWriter, state string, ttl time.Duration) {
	http.SetCookie(w, c.stateCookie(c.sign(state), time.Now().Add(ttl), int(ttl.Seconds())))
}

// ClearState removes the SSO state cookie.
func (c *Cookies) ClearState(w http.ResponseWriter) {
	http.SetCookie(w, c.stateCookie("", time.Unix(0, 0), -1))
}

// MatchState reports whether the request carries a valid state cookie for state.
func (c *Cookies) MatchState(r *http.Request, state string) bool {
	cookie, err := r.Cookie(StateCookieName)
	if err != nil || state == "" {
		return false
	}
	got, ok := c.verify(cookie.Value)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(state)) == 1
}

func (c *Cookies) stateCookie(value string, expires time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     StateCookieName,
		Value:    value,
		Path:     StateCookiePath,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
