package httpserver

import (
	"errors"
	"net/http"

	"github.com/al-bashkir/pentest-console/internal/scanconfig"
)

type saveConfigRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Configs.List()
	if err != nil {
		writeInternal(w, r, "Failed to list configs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]scanconfig.Summary{"configs": list})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Configs.Get(r.PathValue("name"))
	var yerr *scanconfig.YAMLError
	switch {
	case errors.Is(err, scanconfig.ErrNotFound), errors.Is(err, scanconfig.ErrInvalidName):
		writeError(w, http.StatusNotFound, "Config not found")
	case errors.As(err, &yerr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "Config is not valid YAML", Message: yerr.Error()})
	case err != nil:
		writeInternal(w, r, "Failed to get config", err)
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req saveConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeInvalid(w, "content: Content is required")
		return
	}

	err := s.deps.Configs.Save(r.PathValue("name"), req.Content)
	var yerr *scanconfig.YAMLError
	switch {
	case errors.Is(err, scanconfig.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid config name")
	case errors.As(err, &yerr):
		writeError(w, http.StatusBadRequest, "Invalid YAML: "+yerr.Error())
	case err != nil:
		writeInternal(w, r, "Failed to save config", err)
	default:
		writeJSON(w, http.StatusOK, success)
	}
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Configs.Delete(r.PathValue("name"))
	switch {
	case errors.Is(err, scanconfig.ErrNotFound), errors.Is(err, scanconfig.ErrInvalidName):
		writeError(w, http.StatusNotFound, "Config not found")
	case err != nil:
		writeInternal(w, r, "Failed to delete config", err)
	default:
		writeJSON(w, http.StatusOK, success)
	}
}
