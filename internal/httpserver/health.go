package httpserver

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds the workflow engine health check.
const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Temporal bool   `json:"temporal"`
	Worker   bool   `json:"worker"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Temporal: s.deps.Workflows.Healthy(ctx),
		Worker:   s.deps.Worker.Running(),
	})
}
