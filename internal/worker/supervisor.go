// Package worker supervises the single pipeline worker subprocess.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/al-bashkir/pentest-console/internal/logsanitize"
)

const (
	// MaxLogLines is the capacity of the worker log buffer.
	MaxLogLines = 100
	// StatusLogLines is how many recent lines Status and Logs expose.
	StatusLogLines = 20

	logTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrAlreadyRunning is returned by Start while a worker is live.
	ErrAlreadyRunning = errors.New("worker is already running")
	// ErrNotRunning is returned by Stop when no worker is live.
	ErrNotRunning = errors.New("worker is not running")
	// ErrStartFailed is returned when the worker exits within the start grace period.
	ErrStartFailed = errors.New("worker failed to start - check logs")
)

// EnvSource supplies extra environment entries for the worker, such as provider API keys.
type EnvSource interface {
	WorkerEnv() []string
}

// Config describes how to launch the worker.
type Config struct {
	Command         string   // Executable, resolved via PATH
	Args            []string // Arguments
	Dir             string   // Working directory
	TemporalAddress string   // Exported as TEMPORAL_ADDRESS
}

// Status is a snapshot of the supervisor state.
type Status struct {
	Running   bool       `json:"running"`
	PID       *int       `json:"pid"`
	StartedAt *time.Time `json:"startedAt"`
	Logs      []string   `json:"logs"`
}

type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{} // closed once the process has been reaped
}

// Supervisor runs at most one worker process.
type Supervisor struct {
	cfg Config
	env EnvSource

	// opMu serializes Start and Stop so check-then-spawn is atomic.
	opMu sync.Mutex

	mu        sync.Mutex
	proc      *process
	startedAt time.Time

	logs *logRing

	startGrace  time.Duration
	killTimeout time.Duration
}

// NewSupervisor returns an idle supervisor. env may be nil.
func NewSupervisor(cfg Config, env EnvSource) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		env:         env,
		logs:        newLogRing(MaxLogLines),
		startGrace:  1 * time.Second,
		killTimeout: 5 * time.Second,
	}
}

func (s *Supervisor) addLog(msg string) {
	s.logs.add("[" + time.Now().UTC().Format(logTimeFormat) + "] " + msg)
}

// Start spawns the worker. It waits a short grace period and reports
// ErrStartFailed if the process has already exited by then.
func (s *Supervisor) Start(_ context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	running := s.proc != nil
	s.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}

	s.logs.reset()
	s.addLog("Starting Temporal worker...")

	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		s.addLog("Failed to start worker: " + err.Error())
		return fmt.Errorf("failed to resolve worker command: %w", err)
	}
	runtimeDir := filepath.Dir(path)
	s.addLog("Using runtime: " + path)
	s.addLog("PATH includes: " + runtimeDir)

	cmd := exec.Command(path, s.cfg.Args...) // #nosec G204 -- command comes from configuration
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.environ(runtimeDir)
	cmd.Stdin = nil // null device
	configureProcess(cmd)

	// Own the pipes so reaping does not wait for grandchildren that
	// inherited the write ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return fmt.Errorf("failed to open worker stderr: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		s.addLog("Failed to start worker: " + err.Error())
		return fmt.Errorf("failed to start worker: %w", err)
	}

	p := &process{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	s.mu.Lock()
	s.proc = p
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	go s.capture(stdoutR, "[stdout] ")
	go s.capture(stderrR, "[stderr] ")
	go s.reap(p)

	// The grace period is not cut short by ctx: the process is already
	// spawned and the caller must learn whether it survived.
	grace := time.NewTimer(s.startGrace)
	defer grace.Stop()

	select {
	case <-p.done:
		return ErrStartFailed
	case <-grace.C:
	}

	s.addLog(fmt.Sprintf("Worker started with PID %d", p.pid))
	slog.Info("worker started", "pid", p.pid, "command", path)
	return nil
}

// reap waits for the process to exit and clears the handle. Output capture
// drains on its own.
func (s *Supervisor) reap(p *process) {
	err := p.cmd.Wait()

	code := -1
	sig := "none"
	if ps := p.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		sig = exitSignal(ps)
	}
	s.addLog(fmt.Sprintf("Worker exited with code %d, signal %s", code, sig))

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.addLog("Worker error: " + err.Error())
	}
	slog.Info("worker exited", "pid", p.pid, "code", code, "signal", sig)

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		s.startedAt = time.Time{}
	}
	s.mu.Unlock()

	close(p.done)
}

func (s *Supervisor) capture(r io.ReadCloser, prefix string) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.addLog(prefix + line)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("worker output capture stopped", "stream", strings.TrimSpace(prefix), "error", logsanitize.Sanitize(err.Error()))
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) environ(runtimeDir string) []string {
	env := os.Environ()
	if s.env != nil {
		env = append(env, s.env.WorkerEnv()...)
	}
	env = append(env, "TEMPORAL_ADDRESS="+s.cfg.TemporalAddress)

	paths := []string{runtimeDir, "/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin"}
	if base := os.Getenv("PATH"); base != "" {
		paths = append(paths, base)
	}
	// Later duplicates win in exec.Cmd.Env.
	return append(env, "PATH="+strings.Join(paths, string(os.PathListSeparator)))
}

// Stop sends a graceful termination signal and escalates to a forced kill
// after the kill timeout. It returns once the process has exited.
// A cancelled ctx escalates immediately.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}

	s.addLog("Stopping worker...")
	terminateProcess(p.cmd)

	timer := time.NewTimer(s.killTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		s.addLog("Worker did not stop gracefully, sending SIGKILL")
		killProcess(p.cmd)
		<-p.done
	case <-ctx.Done():
		s.addLog("Stop cancelled, sending SIGKILL")
		killProcess(p.cmd)
		<-p.done
	}

	s.addLog("Worker stopped")
	slog.Info("worker stopped", "pid", p.pid)
	return nil
}

// Running reports whether a worker process is live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Status returns the current state and the most recent log lines.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.proc != nil}
	if s.proc != nil {
		pid := s.proc.pid
		startedAt := s.startedAt
		st.PID = &pid
		st.StartedAt = &startedAt
	}
	s.mu.Unlock()

	st.Logs = s.logs.tail(StatusLogLines)
	return st
}

// Logs returns the most recent log lines, oldest first.
func (s *Supervisor) Logs() []string {
	return s.logs.tail(StatusLogLines)
}
