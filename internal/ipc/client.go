package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonUnavailable is returned when nothing listens on the socket.
var ErrDaemonUnavailable = errors.New("daemon not reachable")

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Client sends control requests to a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client with a 5s timeout.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// SetTimeout sets the dial and exchange timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// CreateUser asks the daemon to add a user.
func (c *Client) CreateUser(ctx context.Context, req *CreateUserRequest) (*UserInfo, error) {
	resp, err := c.do(ctx, &Request{Type: MessageTypeCreateUser, CreateUser: req})
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, errors.New("daemon returned no user")
	}
	return resp.User, nil
}

// WorkerStatus asks the daemon for the worker state.
func (c *Client) WorkerStatus(ctx context.Context) (*WorkerInfo, error) {
	resp, err := c.do(ctx, &Request{Type: MessageTypeWorkerStatus})
	if err != nil {
		return nil, err
	}
	if resp.Worker == nil {
		return nil, errors.New("daemon returned no worker status")
	}
	return resp.Worker, nil
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.Type != MessageTypeResponse {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}
	if resp.Status != StatusOK {
		return nil, &RemoteError{Message: resp.Error}
	}
	return &resp, nil
}
