// Package audit reads the per-workflow audit directories written by pipeline runs.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sessionFile = "session.json"

var (
	// ErrNotFound is returned for missing sessions and deliverables, and for
	// paths that try to leave the workflow directory.
	ErrNotFound = errors.New("not found")
)

// Deliverable types, by the subdirectory a file was found in.
const (
	TypeReport = "report"
	TypeLog    = "log"
	TypePrompt = "prompt"
)

var deliverableDirs = []struct {
	dir  string
	kind string
}{
	{"deliverables", TypeReport},
	{"agents", TypeLog},
	{"prompts", TypePrompt},
}

// SessionSummary is the listing view of one audit directory.
type SessionSummary struct {
	WorkflowID string          `json:"workflowId"`
	TargetURL  string          `json:"targetUrl,omitempty"`
	CreatedAt  string          `json:"createdAt,omitempty"`
	Metrics    *SummaryMetrics `json:"metrics,omitempty"`
}

// SummaryMetrics are the headline figures from session.json.
type SummaryMetrics struct {
	TotalDuration float64 `json:"totalDuration"`
	TotalCost     float64 `json:"totalCost"`
}

// createdAtMillis returns CreatedAt as unix milliseconds, or 0 if unset or unparsable.
func (s *SessionSummary) createdAtMillis() int64 {
	if s.CreatedAt == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// sessionDoc is the subset of session.json the listing reads.
type sessionDoc struct {
	Session struct {
		ID        string `json:"id"`
		CreatedAt string `json:"createdAt"`
		TargetURL string `json:"targetUrl"`
	} `json:"session"`
	Metrics struct {
		TotalDurationMs float64 `json:"total_duration_ms"`
		TotalCostUSD    float64 `json:"total_cost_usd"`
	} `json:"metrics"`
}

// Deliverable is a file produced by a workflow run.
type Deliverable struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Store reads audit directories under a root.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// ValidWorkflowID reports whether id can name an audit directory.
func ValidWorkflowID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.Contains(id, "..") {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

// ListSessions returns one entry per audit directory, newest first.
// Directories without a readable session.json are listed by ID only.
func (s *Store) ListSessions() []SessionSummary {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("failed to list audit sessions", "dir", s.root, "error", err)
		}
		return []SessionSummary{}
	}

	out := []SessionSummary{}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".gitkeep" {
			continue
		}

		summary := SessionSummary{WorkflowID: e.Name()}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), sessionFile)) // #nosec G304 -- directory entry under the audit root
		if err == nil {
			var doc sessionDoc
			if err := json.Unmarshal(data, &doc); err == nil {
				summary.TargetURL = doc.Session.TargetURL
				summary.CreatedAt = doc.Session.CreatedAt
				summary.Metrics = &SummaryMetrics{
					TotalDuration: doc.Metrics.TotalDurationMs,
					TotalCost:     doc.Metrics.TotalCostUSD,
				}
			}
		}
		out = append(out, summary)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].createdAtMillis() > out[j].createdAtMillis()
	})
	return out
}

// SessionMetrics returns the raw session.json of a workflow.
func (s *Store) SessionMetrics(workflowID string) (json.RawMessage, error) {
	if !ValidWorkflowID(workflowID) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.root, workflowID, sessionFile)) // #nosec G304 -- workflow ID validated
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session metrics: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("session metrics for %s are not valid JSON", workflowID)
	}
	return json.RawMessage(data), nil
}

// ListDeliverables enumerates the report, log and prompt files of a workflow.
func (s *Store) ListDeliverables(workflowID string) ([]Deliverable, error) {
	out := []Deliverable{}
	if !ValidWorkflowID(workflowID) {
		return out, nil
	}

	base := filepath.Join(s.root, workflowID)
	for _, d := range deliverableDirs {
		entries, err := os.ReadDir(filepath.Join(base, d.dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.Error("failed to list deliverables", "workflow_id", workflowID, "dir", d.dir, "error", err)
			continue
		}

		for _, e := range entries {
			info, err := e.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			out = append(out, Deliverable{
				Name: e.Name(),
				Path: d.dir + "/" + e.Name(),
				Size: info.Size(),
				Type: d.kind,
			})
		}
	}
	return out, nil
}

// Content reads a deliverable by its path relative to the workflow directory.
// Paths with a parent-directory segment or an absolute path report ErrNotFound.
func (s *Store) Content(workflowID, relPath string) ([]byte, string, error) {
	if !ValidWorkflowID(workflowID) || !safeRelPath(relPath) {
		return nil, "", ErrNotFound
	}

	full := filepath.Join(s.root, workflowID, filepath.FromSlash(relPath))
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return nil, "", ErrNotFound
	}

	data, err := os.ReadFile(full) // #nosec G304 -- traversal rejected above
	if err != nil {
		return nil, "", fmt.Errorf("failed to read deliverable: %w", err)
	}
	return data, ContentType(relPath), nil
}

func safeRelPath(p string) bool {
	if p == "" || strings.ContainsRune(p, 0) || strings.Contains(p, `\`) {
		return false
	}
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	return !strings.Contains(path.Clean(p), "..")
}

// ContentType chooses the response type for a deliverable by extension.
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
