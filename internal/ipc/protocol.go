// Package ipc is the local control channel between the CLI and a running
// console daemon: one JSON request and one JSON response per connection
// over a Unix socket.
package ipc

import "time"

// MessageType identifies a control request.
type MessageType string

const (
	// MessageTypeCreateUser adds a local user to the daemon's user store.
	MessageTypeCreateUser MessageType = "create_user"
	// MessageTypeWorkerStatus reports the worker subprocess state.
	MessageTypeWorkerStatus MessageType = "worker_status"
	// MessageTypeResponse marks every reply.
	MessageTypeResponse MessageType = "response"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is a control request. Exactly the field matching Type is set.
type Request struct {
	Type       MessageType        `json:"type"`
	CreateUser *CreateUserRequest `json:"create_user,omitempty"`
}

// CreateUserRequest carries the new user's fields.
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
}

// UserInfo describes a created user.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// WorkerInfo describes the worker subprocess.
type WorkerInfo struct {
	Running   bool       `json:"running"`
	PID       *int       `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Logs      []string   `json:"logs,omitempty"`
}

// Response is the daemon's reply.
type Response struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	User   *UserInfo   `json:"user,omitempty"`
	Worker *WorkerInfo `json:"worker,omitempty"`
	Error  string      `json:"error,omitempty"`
}
