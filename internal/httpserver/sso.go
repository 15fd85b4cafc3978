package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/al-bashkir/pentest-console/internal/oidc"
)

// SSO failure codes passed to the login page as ?error=.
const (
	ssoErrIdP         = "idp_error"
	ssoErrRequest     = "invalid_request"
	ssoErrState       = "invalid_state"
	ssoErrForbidden   = "forbidden"
	ssoErrNoUsername  = "no_username"
	ssoErrUnknownUser = "unknown_user"
	ssoErrFailed      = "sso_failed"
)

func (s *Server) handleSSOStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.deps.SSO != nil})
}

func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.SSO == nil {
		writeError(w, http.StatusNotFound, "SSO is not configured")
		return
	}

	authURL, state, err := s.deps.SSO.Begin()
	if err != nil {
		writeInternal(w, r, "Failed to start SSO login", err)
		return
	}
	s.deps.Cookies.SetState(w, state, oidc.PendingTTL)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.SSO == nil {
		writeError(w, http.StatusNotFound, "SSO is not configured")
		return
	}

	// The state cookie is single use whatever the outcome.
	s.deps.Cookies.ClearState(w)

	q := r.URL.Query()
	if idpErr := q.Get("error"); idpErr != "" {
		slog.Warn("SSO provider returned error", // #nosec G706 -- values sanitized via sanitizeLog
			"error", sanitizeLog(idpErr),
			"description", sanitizeLog(q.Get("error_description")),
		)
		s.ssoFail(w, r, ssoErrIdP)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		slog.Warn("SSO callback missing parameters", "has_state", state != "", "has_code", code != "") // #nosec G706 -- only booleans logged
		s.ssoFail(w, r, ssoErrRequest)
		return
	}

	if !s.deps.Cookies.MatchState(r, state) {
		slog.Warn("SSO callback state not bound to this browser")
		s.ssoFail(w, r, ssoErrState)
		return
	}

	identity, err := s.deps.SSO.Complete(r.Context(), state, code)
	if err != nil {
		slog.Warn("SSO login rejected", "error", err)
		switch {
		case errors.Is(err, oidc.ErrUnknownState):
			s.ssoFail(w, r, ssoErrState)
		case errors.Is(err, oidc.ErrMissingRole):
			s.ssoFail(w, r, ssoErrForbidden)
		case errors.Is(err, oidc.ErrMissingUsername):
			s.ssoFail(w, r, ssoErrNoUsername)
		default:
			s.ssoFail(w, r, ssoErrFailed)
		}
		return
	}

	user, found := s.deps.Users.GetByUsername(identity.Username)
	if !found {
		slog.Warn("SSO identity has no local account", "username", sanitizeLog(identity.Username)) // #nosec G706 -- values sanitized via sanitizeLog
		s.ssoFail(w, r, ssoErrUnknownUser)
		return
	}

	if err := s.startSession(w, r, user); err != nil {
		slog.Error("failed to create session after SSO", "error", err)
		s.ssoFail(w, r, ssoErrFailed)
		return
	}

	slog.Info("user logged in via SSO", // #nosec G706 -- values sanitized via sanitizeLog
		"username", sanitizeLog(user.Username),
		"subject", sanitizeLog(identity.Subject),
	)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) ssoFail(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, "/login?error="+url.QueryEscape(code), http.StatusFound)
}
