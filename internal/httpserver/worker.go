package httpserver

import (
	"errors"
	"net/http"

	"github.com/al-bashkir/pentest-console/internal/worker"
)

type workerStartResponse struct {
	Success bool          `json:"success"`
	Status  worker.Status `json:"status"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Worker.Status())
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Worker.Start(r.Context())
	switch {
	case errors.Is(err, worker.ErrAlreadyRunning):
		writeError(w, http.StatusBadRequest, "Worker is already running")
	case errors.Is(err, worker.ErrStartFailed):
		writeError(w, http.StatusBadRequest, "Worker failed to start - check logs")
	case err != nil:
		writeUpstream(w, r, "Failed to start worker", err)
	default:
		writeJSON(w, http.StatusOK, workerStartResponse{Success: true, Status: s.deps.Worker.Status()})
	}
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Worker.Stop(r.Context())
	switch {
	case errors.Is(err, worker.ErrNotRunning):
		writeError(w, http.StatusBadRequest, "Worker is not running")
	case err != nil:
		writeUpstream(w, r, "Failed to stop worker", err)
	default:
		writeJSON(w, http.StatusOK, success)
	}
}

func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	logs := s.deps.Worker.Logs()
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"logs": logs})
}
