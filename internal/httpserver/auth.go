package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/pentest-console/internal/session"
	"github.com/al-bashkir/pentest-console/internal/users"
	"github.com/al-bashkir/pentest-console/internal/validation"
)

type ctxKey int

const userKey ctxKey = 0

// currentUser returns the user attached by requireAuth.
func currentUser(r *http.Request) *users.User {
	u, _ := r.Context().Value(userKey).(*users.User)
	return u
}

// requireAuth resolves the session cookie to a live session and an existing
// user, extends the session and re-issues the cookie.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.deps.Cookies.Read(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		sess, err := s.deps.Sessions.Get(r.Context(), id)
		if err != nil {
			if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrExpired) {
				slog.Error("failed to load session", "error", err)
			}
			s.deps.Cookies.Clear(w)
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		user, found := s.deps.Users.Get(sess.UserID)
		if !found {
			_ = s.deps.Sessions.Destroy(r.Context(), sess.ID)
			s.deps.Cookies.Clear(w)
			writeError(w, http.StatusUnauthorized, "Session invalid")
			return
		}

		if expiresAt, err := s.deps.Sessions.Refresh(r.Context(), sess.ID); err == nil {
			s.deps.Cookies.Set(w, sess.ID, expiresAt)
		} else {
			slog.Warn("failed to refresh session", "error", err)
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// requireAdmin must run inside requireAuth. The admin flag is read from the
// current user record, not the session copy.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)
		if user == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

var loginRules = validation.New(validation.Messages{
	"username.required": "Username is required",
	"password.required": "Password is required",
}, nil)

func (req *loginRequest) validate() []string {
	return loginRules.Check(req)
}

type userEnvelope struct {
	Success bool         `json:"success,omitempty"`
	User    users.Public `json:"user"`
}

// startSession replaces any session the client already holds with a new one.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user *users.User) error {
	if oldID, ok := s.deps.Cookies.Read(r); ok {
		_ = s.deps.Sessions.Destroy(r.Context(), oldID)
	}

	sess, err := s.deps.Sessions.Create(r.Context(), user.ID, user.Username, user.IsAdmin)
	if err != nil {
		return err
	}
	s.deps.Cookies.Set(w, sess.ID, sess.ExpiresAt)
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	if !s.loginLimiter.Allow(ip) {
		slog.Warn("login rate limit exceeded", "ip", sanitizeLog(ip)) // #nosec G706 -- values sanitized via sanitizeLog
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if details := req.validate(); len(details) > 0 {
		writeInvalid(w, details...)
		return
	}

	user, ok := s.deps.Users.Verify(req.Username, req.Password)
	if !ok {
		slog.Info("login failed", "username", sanitizeLog(req.Username), "ip", sanitizeLog(ip)) // #nosec G706 -- values sanitized via sanitizeLog
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if err := s.startSession(w, r, user); err != nil {
		writeInternal(w, r, "Failed to create session", err)
		return
	}

	slog.Info("user logged in", "username", sanitizeLog(user.Username), "ip", sanitizeLog(ip)) // #nosec G706 -- values sanitized via sanitizeLog
	writeJSON(w, http.StatusOK, userEnvelope{Success: true, User: user.Public()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.deps.Cookies.Read(r); ok {
		if err := s.deps.Sessions.Destroy(r.Context(), id); err != nil {
			writeInternal(w, r, "Logout failed", err)
			return
		}
	}
	s.deps.Cookies.Clear(w)
	writeJSON(w, http.StatusOK, success)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userEnvelope{User: currentUser(r).Public()})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]users.Public{"users": s.deps.Users.List()})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in users.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}

	actor := currentUser(r)
	created, err := s.deps.Users.Create(in, &actor.ID)
	var verr *users.ValidationError
	switch {
	case errors.As(err, &verr):
		writeInvalid(w, verr.Details...)
	case errors.Is(err, users.ErrUsernameExists):
		writeError(w, http.StatusConflict, "Username already exists")
	case err != nil:
		writeInternal(w, r, "Failed to create user", err)
	default:
		slog.Info("user created", // #nosec G706 -- values sanitized via sanitizeLog
			"username", sanitizeLog(created.Username),
			"admin", created.IsAdmin,
			"by", sanitizeLog(actor.Username),
		)
		writeJSON(w, http.StatusCreated, userEnvelope{User: created})
	}
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := currentUser(r)

	err := s.deps.Users.Delete(actor.ID, id)
	switch {
	case errors.Is(err, users.ErrSelfDelete):
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
	case errors.Is(err, users.ErrLastAdmin):
		writeError(w, http.StatusBadRequest, "Cannot delete the last admin user")
	case errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case err != nil:
		writeInternal(w, r, "Failed to delete user", err)
	default:
		slog.Info("user deleted", "id", sanitizeLog(id), "by", sanitizeLog(actor.Username)) // #nosec G706 -- values sanitized via sanitizeLog
		writeJSON(w, http.StatusOK, success)
	}
}
