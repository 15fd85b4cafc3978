package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/al-bashkir/pentest-console/internal/config"
	"github.com/al-bashkir/pentest-console/internal/daemon"
	"github.com/al-bashkir/pentest-console/internal/ipc"
	"github.com/al-bashkir/pentest-console/internal/users"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
	envFile    string
)

// user add flags
var (
	newUsername string
	newPassword string
	newEmail    string
	newIsAdmin  bool
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "pentest-console",
	Short: "Web console for automated penetration-testing pipelines",
	Long: `Control plane for pentest pipelines running on Temporal.

The console serves a JSON API (and optionally the web UI) for starting,
monitoring and cancelling pipeline workflows, supervises the local pipeline
worker process, and manages users, scan configs and provider API keys.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadEnvFile,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console server",
	Long: `Start the console.

The server:
  - Connects to the Temporal frontend (startup fails if it is unreachable)
  - Serves the HTTP API and, when web.dist_dir is set, the web UI
  - Listens on a local control socket for the user and worker commands
  - Supervises the pipeline worker process on request

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can
// call os.Exit() after cobra finishes. -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration without starting the server.

Environment overrides are applied before validation.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage console users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a console user",
	Long: `Create a user in the running console through its control socket.

When no console is running the users file is edited directly; a console
started afterwards picks the user up. The password may be given with
--password or the CONSOLE_USER_PASSWORD environment variable.`,
	RunE: runUserAdd,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect the pipeline worker",
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the worker state of the running console",
	RunE:  runWorkerStatus,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/pentest-console/console.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Dotenv file loaded before configuration; a missing file is ignored")

	userAddCmd.Flags().StringVar(&newUsername, "username", "", "Username (required)")
	userAddCmd.Flags().StringVar(&newPassword, "password", "", "Password")
	userAddCmd.Flags().StringVar(&newEmail, "email", "", "Email address")
	userAddCmd.Flags().BoolVar(&newIsAdmin, "admin", false, "Grant admin privileges")
	_ = userAddCmd.MarkFlagRequired("username")

	userCmd.AddCommand(userAddCmd)
	workerCmd.AddCommand(workerStatusCmd)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadEnvFile loads dotenv variables without overriding ones already set.
func loadEnvFile(cmd *cobra.Command, args []string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

// loadConfig loads the configuration and applies the log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// runServe starts the console
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	config.SetupLogging(&cfg.Log)

	slog.Info("starting pentest console",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
		"production", cfg.Production,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create console", "error", err)
		return fmt.Errorf("failed to create console: %w", err)
	}

	return d.Run(context.Background())
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("pentest-console version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  HTTP Listen:     %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Production:      %v\n", cfg.Production)
	fmt.Printf("  Session DB:      %s\n", cfg.Session.DBPath)
	fmt.Printf("  Session Max Age: %s\n", cfg.SessionMaxAge())
	fmt.Printf("  Users File:      %s\n", cfg.Storage.UsersFile)
	fmt.Printf("  Settings File:   %s\n", cfg.Storage.SettingsFile)
	fmt.Printf("  Configs Dir:     %s\n", cfg.Storage.ConfigsDir)
	fmt.Printf("  Audit Logs Dir:  %s\n", cfg.Storage.AuditLogsDir)
	fmt.Printf("  Temporal:        %s (namespace %s)\n", cfg.Temporal.Address, cfg.Temporal.Namespace)
	fmt.Printf("  Worker:          %s %s\n", cfg.Worker.Command, strings.Join(cfg.Worker.Args, " "))
	fmt.Printf("  Control Socket:  %s\n", cfg.Control.Socket)
	fmt.Printf("  Log Level:       %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:      %s\n", cfg.Log.Format)
	fmt.Printf("  TLS Enabled:     %v\n", cfg.TLS.Enabled)

	if cfg.Session.Secret != "" {
		fmt.Println("\n  Session Secret:  [SET]")
	} else {
		fmt.Println("\n  Session Secret:  [NOT SET] (sessions reset on restart)")
	}

	if cfg.OIDC.Enabled() {
		fmt.Printf("  SSO Issuer:      %s\n", cfg.OIDC.Issuer)
		fmt.Printf("  SSO Client ID:   %s\n", cfg.OIDC.ClientID)
		fmt.Printf("  Required Roles:  %v\n", cfg.OIDC.RequiredRoles)
	} else {
		fmt.Println("  SSO:             [DISABLED]")
	}

	fmt.Println("\n✅ Ready to start console")

	return nil
}

// runUserAdd creates a user through the running console, or directly in
// the users file when none is running.
func runUserAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	password := newPassword
	if password == "" {
		password = os.Getenv("CONSOLE_USER_PASSWORD")
	}
	if password == "" {
		return errors.New("a password is required (--password or CONSOLE_USER_PASSWORD)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := ipc.NewClient(cfg.Control.Socket)
	info, err := client.CreateUser(ctx, &ipc.CreateUserRequest{
		Username: newUsername,
		Password: password,
		Email:    newEmail,
		IsAdmin:  newIsAdmin,
	})
	switch {
	case err == nil:
		printUser(cmd.OutOrStdout(), info.ID, info.Username, info.IsAdmin, "console")
		return nil
	case !errors.Is(err, ipc.ErrDaemonUnavailable):
		return err
	}

	store := users.Open(cfg.Storage.UsersFile)
	created, err := store.Create(users.CreateInput{
		Username: newUsername,
		Password: password,
		Email:    newEmail,
		IsAdmin:  newIsAdmin,
	}, nil)
	if err != nil {
		return err
	}
	printUser(cmd.OutOrStdout(), created.ID, created.Username, created.IsAdmin, cfg.Storage.UsersFile)
	return nil
}

func printUser(w io.Writer, id, username string, admin bool, via string) {
	role := "user"
	if admin {
		role = "admin"
	}
	_, _ = fmt.Fprintf(w, "Created %s %s (%s) via %s\n", role, username, id, via)
}

// runWorkerStatus prints the worker state reported by the running console.
func runWorkerStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := ipc.NewClient(cfg.Control.Socket).WorkerStatus(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case !st.Running:
		_, _ = fmt.Fprintln(out, "Worker: stopped")
	case st.PID != nil && st.StartedAt != nil:
		_, _ = fmt.Fprintf(out, "Worker: running (pid %d, since %s)\n", *st.PID, st.StartedAt.Format(time.RFC3339))
	default:
		_, _ = fmt.Fprintln(out, "Worker: running")
	}
	for _, line := range st.Logs {
		_, _ = fmt.Fprintln(out, "  "+line)
	}
	return nil
}
