// Package daemon builds the console's services and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/al-bashkir/pentest-console/internal/audit"
	"github.com/al-bashkir/pentest-console/internal/config"
	"github.com/al-bashkir/pentest-console/internal/httpserver"
	"github.com/al-bashkir/pentest-console/internal/ipc"
	"github.com/al-bashkir/pentest-console/internal/keycheck"
	"github.com/al-bashkir/pentest-console/internal/logsanitize"
	"github.com/al-bashkir/pentest-console/internal/oidc"
	"github.com/al-bashkir/pentest-console/internal/scanconfig"
	"github.com/al-bashkir/pentest-console/internal/session"
	"github.com/al-bashkir/pentest-console/internal/settings"
	"github.com/al-bashkir/pentest-console/internal/users"
	"github.com/al-bashkir/pentest-console/internal/worker"
	"github.com/al-bashkir/pentest-console/internal/workflow"
)

const (
	initTimeout     = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Daemon owns every long-lived component of the console.
type Daemon struct {
	cfg          *config.Config
	users        *users.Store
	sessionStore interface{ Close() error }
	sessionMgr   *session.Manager
	workflows    httpserver.WorkflowService
	closeEngine  func()
	supervisor   *worker.Supervisor
	httpServer   *httpserver.Server
	ipcServer    *ipc.Server
}

// Option customizes New.
type Option func(*options)

type options struct {
	workflows httpserver.WorkflowService
}

// WithWorkflows uses svc instead of dialing Temporal.
func WithWorkflows(svc httpserver.WorkflowService) Option {
	return func(o *options) { o.workflows = svc }
}

// New builds all components. Failing to reach the workflow engine or the
// identity provider is fatal.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	d := &Daemon{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			d.closeAll()
		}
	}()

	if err := os.MkdirAll(cfg.Storage.ConfigsDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create configs directory: %w", err)
	}

	// Users
	d.users = users.Open(cfg.Storage.UsersFile)
	if err := d.users.Bootstrap(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		return nil, err
	}

	// Sessions
	if err := os.MkdirAll(filepath.Dir(cfg.Session.DBPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create session database directory: %w", err)
	}
	store, err := session.OpenSQLite(ctx, cfg.Session.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	d.sessionStore = store
	d.sessionMgr = session.NewManager(store, cfg.SessionMaxAge())

	cookies, generated, err := session.NewCookies(cfg.Session.CookieName, cfg.Session.Secret, cfg.Production)
	if err != nil {
		return nil, err
	}
	if generated {
		slog.Warn("no session secret configured; sessions will not survive a restart")
	}

	slog.Info("session manager initialized",
		"db", cfg.Session.DBPath,
		"max_age", cfg.SessionMaxAge(),
	)

	settingsStore := settings.Open(cfg.Storage.SettingsFile)

	// Workflow engine
	if o.workflows != nil {
		d.workflows = o.workflows
	} else {
		timeout := time.Duration(cfg.Temporal.ConnectTimeout) * time.Second
		wc, err := workflow.Dial(ctx, cfg.Temporal.Address, cfg.Temporal.Namespace, timeout)
		if err != nil {
			return nil, err
		}
		d.workflows = wc
		d.closeEngine = wc.Close
	}

	d.supervisor = worker.NewSupervisor(worker.Config{
		Command:         cfg.Worker.Command,
		Args:            cfg.Worker.Args,
		Dir:             cfg.Storage.Root,
		TemporalAddress: cfg.Temporal.Address,
	}, settingsStore)

	deps := httpserver.Deps{
		Users:     d.users,
		Sessions:  d.sessionMgr,
		Cookies:   cookies,
		Settings:  settingsStore,
		Configs:   scanconfig.NewStore(cfg.Storage.ConfigsDir),
		Audit:     audit.NewStore(cfg.Storage.AuditLogsDir),
		Workflows: d.workflows,
		Worker:    d.supervisor,
		Keys:      keycheck.New(),
	}

	if cfg.OIDC.Enabled() {
		provider, err := oidc.NewProvider(ctx, &cfg.OIDC)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
		}
		deps.SSO = provider
		slog.Info("OIDC provider initialized",
			"issuer", cfg.OIDC.Issuer,
			"client_id", cfg.OIDC.ClientID,
		)
	}

	d.httpServer, err = httpserver.NewServer(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	if cfg.Control.Socket != "" {
		d.ipcServer = ipc.NewServer(cfg.Control.Socket, &controlHandler{users: d.users, worker: d.supervisor})
	}

	ok = true
	return d, nil
}

// Run starts the control socket and the HTTP server, then blocks until
// SIGINT/SIGTERM or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting pentest console")

	if d.ipcServer != nil {
		if err := d.ipcServer.Start(ctx); err != nil {
			d.closeAll()
			return fmt.Errorf("failed to start control socket: %w", err)
		}
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- d.httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	d.shutdown()
	slog.Info("console shutdown complete")
	return runErr
}

// shutdown stops accepting requests before tearing down what handlers use.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.httpServer.Shutdown(ctx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}
	d.closeAll()

	if d.supervisor.Running() {
		if err := d.supervisor.Stop(ctx); err != nil && !errors.Is(err, worker.ErrNotRunning) {
			slog.Error("error stopping worker", "error", err)
		}
	}
}

// closeAll releases everything except the HTTP server and the worker.
// It is safe on a partially built Daemon.
func (d *Daemon) closeAll() {
	if d.ipcServer != nil {
		if err := d.ipcServer.Stop(); err != nil {
			slog.Error("error stopping control socket", "error", err)
		}
	}
	if d.sessionMgr != nil {
		d.sessionMgr.Stop()
	}
	if d.sessionStore != nil {
		if err := d.sessionStore.Close(); err != nil {
			slog.Error("error closing session database", "error", err)
		}
		d.sessionStore = nil
	}
	if d.closeEngine != nil {
		d.closeEngine()
		d.closeEngine = nil
	}
}

// controlHandler serves control socket requests against the live stores.
type controlHandler struct {
	users  *users.Store
	worker *worker.Supervisor
}

func (h *controlHandler) CreateUser(_ context.Context, req *ipc.CreateUserRequest) (*ipc.UserInfo, error) {
	created, err := h.users.Create(users.CreateInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
		IsAdmin:  req.IsAdmin,
	}, nil)
	if err != nil {
		return nil, err
	}

	slog.Info("user created via control socket", // #nosec G706 -- values sanitized via logsanitize
		"username", logsanitize.Sanitize(created.Username),
		"admin", created.IsAdmin,
	)
	return &ipc.UserInfo{ID: created.ID, Username: created.Username, IsAdmin: created.IsAdmin}, nil
}

func (h *controlHandler) WorkerStatus(context.Context) (*ipc.WorkerInfo, error) {
	st := h.worker.Status()
	return &ipc.WorkerInfo{
		Running:   st.Running,
		PID:       st.PID,
		StartedAt: st.StartedAt,
		Logs:      st.Logs,
	}, nil
}
