// Package workflow starts, queries, lists and cancels pipeline workflows on Temporal.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	tlog "go.temporal.io/sdk/log"
)

const (
	// TaskQueue is the queue the pipeline worker polls.
	TaskQueue = "shannon-pipeline"
	// WorkflowType is the registered name of the pipeline workflow.
	WorkflowType = "pentestPipelineWorkflow"
	// ProgressQuery is the query handler exposing pipeline progress.
	ProgressQuery = "getProgress"

	listPageSize = 100
	maxListPages = 50
)

// ErrNotFound is returned when the engine has no workflow with the requested ID.
var ErrNotFound = errors.New("workflow not found")

var hostnameCleaner = regexp.MustCompile(`[^A-Za-z0-9-]`)

// Engine is the part of the Temporal client the console uses.
// client.Client satisfies it.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	QueryWorkflow(ctx context.Context, workflowID string, runID string, queryType string, args ...interface{}) (converter.EncodedValue, error)
	ListWorkflow(ctx context.Context, request *workflowservice.ListWorkflowExecutionsRequest) (*workflowservice.ListWorkflowExecutionsResponse, error)
	CancelWorkflow(ctx context.Context, workflowID string, runID string) error
	CheckHealth(ctx context.Context, request *client.CheckHealthRequest) (*client.CheckHealthResponse, error)
	Close()
}

// Client is a thin adapter over the workflow engine.
type Client struct {
	engine    Engine
	namespace string
	now       func() time.Time
}

// New wraps an engine connection.
func New(engine Engine, namespace string) *Client {
	return &Client{engine: engine, namespace: namespace, now: time.Now}
}

// Dial connects to the Temporal frontend at address.
func Dial(ctx context.Context, address, namespace string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("connecting to Temporal", "address", address, "namespace", namespace)

	c, err := client.DialContext(ctx, client.Options{
		HostPort:  address,
		Namespace: namespace,
		Logger:    tlog.NewStructuredLogger(slog.Default()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", address, err)
	}

	slog.Info("connected to Temporal")
	return New(c, namespace), nil
}

// Close releases the engine connection.
func (c *Client) Close() {
	c.engine.Close()
}

// SanitizeHostname returns the hostname of rawURL with every character
// outside [A-Za-z0-9-] replaced by '-'. Unparsable URLs yield "unknown".
func SanitizeHostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return "unknown"
	}
	return hostnameCleaner.ReplaceAllString(u.Hostname(), "-")
}

// StartWorkflow starts a pipeline run and returns its workflow ID.
// The ID is derived from the target hostname and the current time unless
// input already carries one.
func (c *Client) StartWorkflow(ctx context.Context, input PipelineInput) (string, error) {
	if input.WorkflowID == "" {
		input.WorkflowID = SanitizeHostname(input.WebURL) + "-" + strconv.FormatInt(c.now().UnixMilli(), 10)
	}

	_, err := c.engine.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        input.WorkflowID,
		TaskQueue: TaskQueue,
	}, WorkflowType, input)
	if err != nil {
		return "", fmt.Errorf("failed to start workflow: %w", err)
	}

	slog.Info("workflow started", "workflow_id", input.WorkflowID)
	return input.WorkflowID, nil
}

// GetProgress queries a workflow for its progress document.
func (c *Client) GetProgress(ctx context.Context, workflowID string) (*Progress, error) {
	val, err := c.engine.QueryWorkflow(ctx, workflowID, "", ProgressQuery)
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to query workflow progress: %w", err)
	}

	var p Progress
	if err := val.Get(&p); err != nil {
		return nil, fmt.Errorf("failed to decode workflow progress: %w", err)
	}
	if p.WorkflowID == "" {
		p.WorkflowID = workflowID
	}
	return &p, nil
}

// ListWorkflows returns every pipeline workflow the engine knows about.
// Enumeration errors are logged and yield an empty list.
func (c *Client) ListWorkflows(ctx context.Context) []ListItem {
	items := []ListItem{}
	var token []byte

	for page := 0; page < maxListPages; page++ {
		resp, err := c.engine.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
			Namespace:     c.namespace,
			PageSize:      listPageSize,
			NextPageToken: token,
			Query:         "WorkflowType = '" + WorkflowType + "'",
		})
		if err != nil {
			slog.Error("failed to list workflows", "error", err)
			return []ListItem{}
		}

		for _, info := range resp.GetExecutions() {
			item := ListItem{
				WorkflowID: info.GetExecution().GetWorkflowId(),
				Status:     mapStatus(info.GetStatus()),
				StartTime:  c.now().UnixMilli(),
			}
			if st := info.GetStartTime(); st != nil {
				item.StartTime = st.AsTime().UnixMilli()
			}
			if ct := info.GetCloseTime(); ct != nil {
				end := ct.AsTime().UnixMilli()
				item.EndTime = &end
			}
			items = append(items, item)
		}

		token = resp.GetNextPageToken()
		if len(token) == 0 {
			break
		}
	}

	return items
}

func mapStatus(s enums.WorkflowExecutionStatus) string {
	switch s {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return StatusRunning
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StatusCompleted
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED,
		enums.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// CancelWorkflow requests cancellation. It does not wait for the workflow to stop.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := c.engine.CancelWorkflow(ctx, workflowID, ""); err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
		return fmt.Errorf("failed to cancel workflow: %w", err)
	}
	slog.Info("workflow cancellation requested", "workflow_id", workflowID)
	return nil
}

// Healthy reports whether the engine answers a health check.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := c.engine.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		slog.Debug("temporal health check failed", "error", err)
		return false
	}
	return true
}
