// Package httpserver serves the console's JSON API and, optionally, the web UI.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/al-bashkir/pentest-console/internal/audit"
	"github.com/al-bashkir/pentest-console/internal/config"
	"github.com/al-bashkir/pentest-console/internal/keycheck"
	"github.com/al-bashkir/pentest-console/internal/oidc"
	"github.com/al-bashkir/pentest-console/internal/scanconfig"
	"github.com/al-bashkir/pentest-console/internal/session"
	"github.com/al-bashkir/pentest-console/internal/settings"
	"github.com/al-bashkir/pentest-console/internal/users"
	"github.com/al-bashkir/pentest-console/internal/worker"
	"github.com/al-bashkir/pentest-console/internal/workflow"
)

// WorkflowService is the workflow engine as seen by the API.
type WorkflowService interface {
	StartWorkflow(ctx context.Context, input workflow.PipelineInput) (string, error)
	GetProgress(ctx context.Context, workflowID string) (*workflow.Progress, error)
	ListWorkflows(ctx context.Context) []workflow.ListItem
	CancelWorkflow(ctx context.Context, workflowID string) error
	Healthy(ctx context.Context) bool
}

// WorkerService controls the pipeline worker subprocess.
type WorkerService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Status() worker.Status
	Logs() []string
}

// KeyTester validates provider API keys.
type KeyTester interface {
	Test(ctx context.Context, provider, apiKey string) (keycheck.Result, error)
}

// SSOProvider runs the optional single sign-on flow.
type SSOProvider interface {
	Begin() (authURL, state string, err error)
	Complete(ctx context.Context, state, code string) (*oidc.Identity, error)
}

// Deps are the services behind the API. SSO may be nil.
type Deps struct {
	Users     *users.Store
	Sessions  *session.Manager
	Cookies   *session.Cookies
	Settings  *settings.Store
	Configs   *scanconfig.Store
	Audit     *audit.Store
	Workflows WorkflowService
	Worker    WorkerService
	Keys      KeyTester
	SSO       SSOProvider
}

func (d *Deps) validate() error {
	switch {
	case d.Users == nil, d.Sessions == nil, d.Cookies == nil:
		return errors.New("auth services are required")
	case d.Settings == nil, d.Configs == nil, d.Audit == nil:
		return errors.New("stores are required")
	case d.Workflows == nil, d.Worker == nil, d.Keys == nil:
		return errors.New("workflow, worker and key services are required")
	}
	return nil
}

// Server is the console HTTP server.
type Server struct {
	cfg        *config.Config
	deps       Deps
	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server

	apiLimiter   *IPRateLimiter
	loginLimiter *IPRateLimiter
	now          func() time.Time
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		// 10 req/s per IP, burst of 50
		apiLimiter: NewIPRateLimiter(10, 50),
		// one login attempt every 6s per IP, burst of 10
		loginLimiter: NewIPRateLimiter(rate.Every(6*time.Second), 10),
		now:          time.Now,
	}
	s.routes()

	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	handler = rateLimitMiddleware(s.apiLimiter, handler)
	handler = securityHeadersMiddleware(cfg.Production, handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Key checks and worker stops may take several seconds.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

func (s *Server) routes() {
	authed := s.requireAuth
	admin := func(h http.HandlerFunc) http.Handler { return s.requireAuth(s.requireAdmin(h)) }

	// Public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/auth/sso", s.handleSSOStatus)
	s.mux.HandleFunc("GET /api/auth/sso/login", s.handleSSOLogin)
	s.mux.HandleFunc("GET /api/auth/sso/callback", s.handleSSOCallback)

	// Users
	s.mux.Handle("GET /api/auth/me", authed(s.handleMe))
	s.mux.Handle("GET /api/auth/users", admin(s.handleListUsers))
	s.mux.Handle("POST /api/auth/users", admin(s.handleCreateUser))
	s.mux.Handle("DELETE /api/auth/users/{id}", admin(s.handleDeleteUser))

	// Workflows
	s.mux.Handle("POST /api/workflows", authed(s.handleStartWorkflow))
	s.mux.Handle("GET /api/workflows", authed(s.handleListWorkflows))
	s.mux.Handle("GET /api/workflows/{id}", authed(s.handleWorkflowProgress))
	s.mux.Handle("GET /api/workflows/{id}/session", authed(s.handleWorkflowSession))
	s.mux.Handle("GET /api/workflows/{id}/deliverables", authed(s.handleListDeliverables))
	s.mux.Handle("GET /api/workflows/{id}/deliverables/{path...}", authed(s.handleDeliverableContent))
	s.mux.Handle("POST /api/workflows/{id}/cancel", authed(s.handleCancelWorkflow))

	// Scan configs
	s.mux.Handle("GET /api/configs", authed(s.handleListConfigs))
	s.mux.Handle("GET /api/configs/{name}", authed(s.handleGetConfig))
	s.mux.Handle("PUT /api/configs/{name}", authed(s.handleSaveConfig))
	s.mux.Handle("DELETE /api/configs/{name}", authed(s.handleDeleteConfig))

	// Worker
	s.mux.Handle("GET /api/worker/status", authed(s.handleWorkerStatus))
	s.mux.Handle("POST /api/worker/start", authed(s.handleWorkerStart))
	s.mux.Handle("POST /api/worker/stop", authed(s.handleWorkerStop))
	s.mux.Handle("GET /api/worker/logs", authed(s.handleWorkerLogs))

	// Settings
	s.mux.Handle("GET /api/settings", authed(s.handleGetSettings))
	s.mux.Handle("PUT /api/settings", authed(s.handlePutSettings))
	s.mux.Handle("GET /api/settings/api-keys", authed(s.handleGetAPIKeys))
	s.mux.Handle("PUT /api/settings/api-keys", authed(s.handlePutAPIKeys))
	s.mux.Handle("PUT /api/settings/router", authed(s.handlePutRouter))
	s.mux.Handle("POST /api/settings/test-key", authed(s.handleTestKey))

	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	if s.cfg.Web.DistDir != "" {
		s.mux.Handle("/", newSPAHandler(s.cfg.Web.DistDir))
	}
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("starting HTTP server",
		"addr", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled,
		"production", s.cfg.Production,
	)

	var err error
	if s.cfg.TLS.Enabled {
		err = s.httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.apiLimiter.Stop()
	s.loginLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
