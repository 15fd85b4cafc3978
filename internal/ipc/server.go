package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/al-bashkir/pentest-console/internal/logsanitize"
)

// connTimeout bounds a single request/response exchange.
const connTimeout = 10 * time.Second

// Handler executes control requests inside the daemon.
type Handler interface {
	CreateUser(ctx context.Context, req *CreateUserRequest) (*UserInfo, error)
	WorkerStatus(ctx context.Context) (*WorkerInfo, error)
}

// Server listens on a Unix socket for control requests.
type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server for socketPath.
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		stopping:   make(chan struct{}),
	}
}

// Start binds the socket with mode 0660 and begins accepting connections.
// A stale socket file from a previous run is replaced.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("control socket listening", "socket", s.socketPath)

	s.wg.Add(1)
	go s.serve(ctx, ln)
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopping:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("failed to accept control connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(connTimeout))
	ctx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		slog.Warn("failed to decode control request", "error", err)
		s.reply(conn, errorResponse("invalid request format"))
		return
	}

	s.reply(conn, s.dispatch(ctx, &req))
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Type {
	case MessageTypeCreateUser:
		if req.CreateUser == nil {
			return errorResponse("missing create_user payload")
		}
		slog.Info("control request", "type", req.Type, "username", logsanitize.Sanitize(req.CreateUser.Username)) // #nosec G706 -- sanitized
		user, err := s.handler.CreateUser(ctx, req.CreateUser)
		if err != nil {
			return errorResponse(err.Error())
		}
		return &Response{Status: StatusOK, User: user}

	case MessageTypeWorkerStatus:
		w, err := s.handler.WorkerStatus(ctx)
		if err != nil {
			return errorResponse(err.Error())
		}
		return &Response{Status: StatusOK, Worker: w}

	default:
		slog.Warn("unknown control request type", "type", logsanitize.Sanitize(string(req.Type))) // #nosec G706 -- sanitized
		return errorResponse("invalid request type")
	}
}

func (s *Server) reply(conn net.Conn, resp *Response) {
	resp.Type = MessageTypeResponse
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Error("failed to send control response", "error", err)
	}
}

func errorResponse(msg string) *Response {
	return &Response{Status: StatusError, Error: msg}
}

// Stop closes the listener, waits for in-flight requests and removes the socket file.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopping)

		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				slog.Warn("failed to close control listener", "error", err)
			}
		}
		s.mu.Unlock()

		s.wg.Wait()

		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove socket file", "error", err)
		}
		slog.Info("control socket stopped")
	})
	return nil
}
