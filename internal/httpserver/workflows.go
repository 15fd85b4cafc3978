package httpserver

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/al-bashkir/pentest-console/internal/audit"
	"github.com/al-bashkir/pentest-console/internal/scanconfig"
	"github.com/al-bashkir/pentest-console/internal/validation"
	"github.com/al-bashkir/pentest-console/internal/workflow"
)

type startWorkflowRequest struct {
	WebURL              string `json:"webUrl" validate:"weburl"`
	RepoPath            string `json:"repoPath" validate:"required"`
	ConfigName          string `json:"configName" validate:"omitempty,configname"`
	OutputPath          string `json:"outputPath"`
	PipelineTestingMode bool   `json:"pipelineTestingMode"`
}

var startWorkflowRules = validation.New(validation.Messages{
	"webUrl.weburl":         "Invalid URL format",
	"repoPath.required":     "Repository path is required",
	"configName.configname": "Invalid config name",
}, map[string]func(string) bool{
	"weburl":     isWebURL,
	"configname": scanconfig.ValidName,
})

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func (req *startWorkflowRequest) validate() []string {
	return startWorkflowRules.Check(req)
}

type startWorkflowResponse struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	MonitorURL string `json:"monitorUrl"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WebURL == "" || req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "webUrl and repoPath are required")
		return
	}
	if details := req.validate(); len(details) > 0 {
		writeInvalid(w, details...)
		return
	}

	input := workflow.PipelineInput{
		WebURL:              req.WebURL,
		RepoPath:            req.RepoPath,
		OutputPath:          req.OutputPath,
		PipelineTestingMode: req.PipelineTestingMode,
	}
	if req.ConfigName != "" {
		input.ConfigPath = s.deps.Configs.Path(req.ConfigName)
	}

	id, err := s.deps.Workflows.StartWorkflow(r.Context(), input)
	if err != nil {
		writeUpstream(w, r, "Failed to start workflow", err)
		return
	}

	writeJSON(w, http.StatusOK, startWorkflowResponse{
		WorkflowID: id,
		Status:     "started",
		MonitorURL: "/workflows/" + id,
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	live := s.deps.Workflows.ListWorkflows(r.Context())
	merged := audit.Merge(live, s.deps.Audit.ListSessions(), s.now())
	writeJSON(w, http.StatusOK, map[string][]workflow.ListItem{"workflows": merged})
}

type progressResponse struct {
	*workflow.Progress
	HasDeliverables bool `json:"hasDeliverables"`
}

// historicalProgress is returned for workflows the engine no longer knows
// but whose audit directory survives.
type historicalProgress struct {
	WorkflowID      string  `json:"workflowId"`
	Status          string  `json:"status"`
	Error           *string `json:"error"`
	HasDeliverables bool    `json:"hasDeliverables"`
}

func (s *Server) handleWorkflowProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	progress, err := s.deps.Workflows.GetProgress(r.Context(), id)
	if err == nil {
		deliverables, _ := s.deps.Audit.ListDeliverables(id)
		writeJSON(w, http.StatusOK, progressResponse{Progress: progress, HasDeliverables: len(deliverables) > 0})
		return
	}

	if _, aerr := s.deps.Audit.SessionMetrics(id); aerr == nil {
		writeJSON(w, http.StatusOK, historicalProgress{
			WorkflowID:      id,
			Status:          workflow.StatusCompleted,
			HasDeliverables: true,
		})
		return
	}

	writeJSON(w, http.StatusNotFound, errorResponse{Error: "Workflow not found", Message: err.Error()})
}

func (s *Server) handleWorkflowSession(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Audit.SessionMetrics(r.PathValue("id"))
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case err != nil:
		writeInternal(w, r, "Failed to get session metrics", err)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	}
}

func (s *Server) handleListDeliverables(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Audit.ListDeliverables(r.PathValue("id"))
	if err != nil {
		writeInternal(w, r, "Failed to list deliverables", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]audit.Deliverable{"deliverables": list})
}

func (s *Server) handleDeliverableContent(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.deps.Audit.Content(r.PathValue("id"), r.PathValue("path"))
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found")
	case err != nil:
		writeInternal(w, r, "Failed to get deliverable", err)
	default:
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Workflows.CancelWorkflow(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, "Workflow not found")
	case err != nil:
		writeUpstream(w, r, "Failed to cancel workflow", err)
	default:
		writeJSON(w, http.StatusOK, success)
	}
}
