package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/pentest-console/internal/keycheck"
	"github.com/al-bashkir/pentest-console/internal/settings"
)

type settingsResponse struct {
	settings.View
	HasAnthropicKey bool `json:"hasAnthropicKey"`
}

type apiKeysResponse struct {
	Success bool                `json:"success,omitempty"`
	APIKeys settings.MaskedKeys `json:"apiKeys"`
}

// putSettingsRequest updates any subset of the settings document.
type putSettingsRequest struct {
	APIKeys       *settings.KeyUpdate `json:"apiKeys"`
	RouterDefault *string             `json:"routerDefault"`
}

type routerRequest struct {
	RouterDefault string `json:"routerDefault"`
}

type testKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

func (s *Server) settingsView() settingsResponse {
	return settingsResponse{View: s.deps.Settings.Masked(), HasAnthropicKey: s.deps.Settings.HasAnthropicKey()}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settingsView())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req putSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.APIKeys != nil {
		if err := s.deps.Settings.SetAPIKeys(*req.APIKeys); err != nil {
			writeInternal(w, r, "Failed to update settings", err)
			return
		}
	}
	if req.RouterDefault != nil {
		if err := s.deps.Settings.SetRouterDefault(*req.RouterDefault); err != nil {
			writeInternal(w, r, "Failed to update settings", err)
			return
		}
	}

	slog.Info("settings updated", "by", sanitizeLog(currentUser(r).Username)) // #nosec G706 -- values sanitized via sanitizeLog
	writeJSON(w, http.StatusOK, s.settingsView())
}

func (s *Server) handleGetAPIKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiKeysResponse{APIKeys: s.deps.Settings.Masked().APIKeys})
}

func (s *Server) handlePutAPIKeys(w http.ResponseWriter, r *http.Request) {
	var update settings.KeyUpdate
	if !decodeJSON(w, r, &update) {
		return
	}
	if err := s.deps.Settings.SetAPIKeys(update); err != nil {
		writeInternal(w, r, "Failed to update API keys", err)
		return
	}

	slog.Info("API keys updated", "by", sanitizeLog(currentUser(r).Username)) // #nosec G706 -- values sanitized via sanitizeLog
	writeJSON(w, http.StatusOK, apiKeysResponse{Success: true, APIKeys: s.deps.Settings.Masked().APIKeys})
}

func (s *Server) handlePutRouter(w http.ResponseWriter, r *http.Request) {
	var req routerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Settings.SetRouterDefault(req.RouterDefault); err != nil {
		writeInternal(w, r, "Failed to update router settings", err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

func (s *Server) handleTestKey(w http.ResponseWriter, r *http.Request) {
	var req testKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "Provider and apiKey are required")
		return
	}

	res, err := s.deps.Keys.Test(r.Context(), req.Provider, req.APIKey)
	switch {
	case errors.Is(err, keycheck.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "Unknown provider")
	case err != nil:
		writeInternal(w, r, "Failed to test API key", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
