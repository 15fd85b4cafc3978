// Package config loads the console configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Production bool           `yaml:"production"` // Secure cookies, strict headers
	Listen     ListenConfig   `yaml:"listen"`
	Session    SessionConfig  `yaml:"session"`
	Admin      AdminConfig    `yaml:"admin"`
	Storage    StorageConfig  `yaml:"storage"`
	Temporal   TemporalConfig `yaml:"temporal"`
	Worker     WorkerConfig   `yaml:"worker"`
	OIDC       OIDCConfig     `yaml:"oidc"`
	Control    ControlConfig  `yaml:"control"`
	Web        WebConfig      `yaml:"web"`
	TLS        TLSConfig      `yaml:"tls"`
	Log        LogConfig      `yaml:"log"`
}

// ListenConfig defines where the HTTP API listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":3001")
}

// SessionConfig defines the login session cookie and its backing database
type SessionConfig struct {
	Secret     string `yaml:"secret"`      // HMAC key for cookie signatures; random when empty
	MaxAge     int    `yaml:"max_age"`     // Rolling session lifetime in seconds
	CookieName string `yaml:"cookie_name"` // Session cookie name
	DBPath     string `yaml:"db_path"`     // SQLite session database file
}

// AdminConfig holds the bootstrap administrator credentials.
// They are only used when the user store is empty.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig defines the on-disk locations of the file-backed stores
type StorageConfig struct {
	Root         string `yaml:"root"`           // Pipeline project root (worker cwd)
	UsersFile    string `yaml:"users_file"`     // JSON user records
	SettingsFile string `yaml:"settings_file"`  // JSON API key settings
	ConfigsDir   string `yaml:"configs_dir"`    // Named YAML scan configs
	AuditLogsDir string `yaml:"audit_logs_dir"` // Per-workflow audit directories
}

// TemporalConfig defines how to reach the workflow engine
type TemporalConfig struct {
	Address        string `yaml:"address"`         // host:port of the frontend service
	Namespace      string `yaml:"namespace"`       // Temporal namespace
	ConnectTimeout int    `yaml:"connect_timeout"` // Dial timeout in seconds
}

// WorkerConfig defines the pipeline worker process
type WorkerConfig struct {
	Command string   `yaml:"command"` // Runtime executable, resolved via PATH
	Args    []string `yaml:"args"`    // Arguments, relative to storage.root
}

// OIDCConfig defines optional single sign-on for the console.
// SSO is enabled when Issuer is set.
type OIDCConfig struct {
	Issuer        string   `yaml:"issuer"`         // OIDC issuer URL
	ClientID      string   `yaml:"client_id"`      // OIDC client ID
	ClientSecret  string   `yaml:"client_secret"`  // OIDC client secret (empty for public clients)
	RedirectURI   string   `yaml:"redirect_uri"`   // Callback URL (.../api/auth/sso/callback)
	Scopes        []string `yaml:"scopes"`         // OIDC scopes
	RequiredRoles []string `yaml:"required_roles"` // At least one is required when set
	RoleClaim     string   `yaml:"role_claim"`     // Dot path to roles in the token
	UsernameClaim string   `yaml:"username_claim"` // Claim mapped onto a local username
}

// Enabled reports whether SSO login is configured.
func (o *OIDCConfig) Enabled() bool {
	return o.Issuer != ""
}

// ControlConfig defines the local control socket used by the CLI
type ControlConfig struct {
	Socket string `yaml:"socket"` // Unix socket path
}

// WebConfig defines static SPA hosting
type WebConfig struct {
	DistDir string `yaml:"dist_dir"` // Built SPA directory; empty disables hosting
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

var cookieNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Load reads and parses the configuration file.
// A missing file is not an error: defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Fill paths derived from other settings
	cfg.applyDerivedDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Listen: ListenConfig{
			HTTP: ":3001",
		},
		Session: SessionConfig{
			MaxAge:     86400, // 24 hours
			CookieName: "console.sid",
			DBPath:     filepath.Join(home, ".shannon-sessions.db"),
		},
		Storage: StorageConfig{
			Root:         "..",
			UsersFile:    filepath.Join(home, ".shannon-users.json"),
			SettingsFile: ".shannon-settings.json",
		},
		Temporal: TemporalConfig{
			Address:        "localhost:7233",
			Namespace:      "default",
			ConnectTimeout: 10,
		},
		Worker: WorkerConfig{
			Command: "node",
			Args:    []string{"dist/temporal/worker.js"},
		},
		OIDC: OIDCConfig{
			Scopes:        []string{"openid", "profile", "email"},
			RoleClaim:     "realm_access.roles",
			UsernameClaim: "preferred_username",
		},
		Control: ControlConfig{
			Socket: filepath.Join(os.TempDir(), "pentest-console.sock"),
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NODE_ENV"); v == "production" {
		c.Production = true
	}
	if v := os.Getenv("CONSOLE_ENV"); v != "" {
		c.Production = v == "production"
	}

	// Listen overrides
	if v := os.Getenv("PORT"); v != "" {
		c.Listen.HTTP = ":" + v
	}
	if v := os.Getenv("LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}

	// Session overrides
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv("SESSION_MAX_AGE"); v != "" {
		// Milliseconds, like the express-session maxAge it replaces
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Session.MaxAge = int(ms / 1000)
		} else {
			slog.Warn("ignoring invalid SESSION_MAX_AGE", "value", v)
		}
	}
	if v := os.Getenv("SESSION_DB"); v != "" {
		c.Session.DBPath = v
	}

	// Bootstrap admin
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		c.Admin.Username = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}

	// Storage overrides
	if v := os.Getenv("SHANNON_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("USERS_FILE"); v != "" {
		c.Storage.UsersFile = v
	}
	if v := os.Getenv("SETTINGS_FILE"); v != "" {
		c.Storage.SettingsFile = v
	}
	if v := os.Getenv("CONFIGS_DIR"); v != "" {
		c.Storage.ConfigsDir = v
	}
	if v := os.Getenv("AUDIT_LOGS_DIR"); v != "" {
		c.Storage.AuditLogsDir = v
	}

	// Temporal overrides
	if v := os.Getenv("TEMPORAL_ADDRESS"); v != "" {
		c.Temporal.Address = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		c.Temporal.Namespace = v
	}

	if v := os.Getenv("WORKER_COMMAND"); v != "" {
		c.Worker.Command = v
	}
	if v := os.Getenv("CONTROL_SOCKET"); v != "" {
		c.Control.Socket = v
	}
	if v := os.Getenv("WEB_DIST_DIR"); v != "" {
		c.Web.DistDir = v
	}

	// Log overrides
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// applyDerivedDefaults fills directories that default to locations under the
// pipeline root once the root itself is final.
func (c *Config) applyDerivedDefaults() {
	if c.Storage.ConfigsDir == "" {
		c.Storage.ConfigsDir = filepath.Join(c.Storage.Root, "configs")
	}
	if c.Storage.AuditLogsDir == "" {
		c.Storage.AuditLogsDir = filepath.Join(c.Storage.Root, "audit-logs")
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	// Validate session config
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("session.max_age must be positive")
	}
	if !cookieNamePattern.MatchString(c.Session.CookieName) {
		return fmt.Errorf("session.cookie_name must contain only letters, digits, '.', '_' or '-'")
	}
	if c.Session.DBPath == "" {
		return fmt.Errorf("session.db_path is required")
	}

	// Validate storage config
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Storage.UsersFile == "" {
		return fmt.Errorf("storage.users_file is required")
	}
	if c.Storage.SettingsFile == "" {
		return fmt.Errorf("storage.settings_file is required")
	}

	// Validate temporal config
	if c.Temporal.Address == "" {
		return fmt.Errorf("temporal.address is required")
	}
	if c.Temporal.Namespace == "" {
		return fmt.Errorf("temporal.namespace is required")
	}
	if c.Temporal.ConnectTimeout <= 0 {
		return fmt.Errorf("temporal.connect_timeout must be positive")
	}

	// Validate worker config
	if strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}

	if c.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	// Validate OIDC config (only when SSO is enabled)
	if c.OIDC.Enabled() {
		if err := c.OIDC.validate(); err != nil {
			return err
		}
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

func (o *OIDCConfig) validate() error {
	if !strings.HasPrefix(o.Issuer, "http://") && !strings.HasPrefix(o.Issuer, "https://") {
		return fmt.Errorf("oidc.issuer must be a valid HTTP(S) URL")
	}
	if o.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}
	if o.RedirectURI == "" {
		return fmt.Errorf("oidc.redirect_uri is required")
	}
	if !strings.HasPrefix(o.RedirectURI, "http://") && !strings.HasPrefix(o.RedirectURI, "https://") {
		return fmt.Errorf("oidc.redirect_uri must be a valid HTTP(S) URL")
	}

	hasOpenID := false
	for _, scope := range o.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("oidc.scopes must include 'openid'")
	}

	if o.UsernameClaim == "" {
		return fmt.Errorf("oidc.username_claim is required")
	}
	if len(o.RequiredRoles) > 0 && o.RoleClaim == "" {
		return fmt.Errorf("oidc.role_claim is required when oidc.required_roles is set")
	}
	return nil
}

// SessionMaxAge returns the rolling session lifetime.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Session.MaxAge) * time.Second
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.OIDC.Scopes != nil {
		redacted.OIDC.Scopes = append([]string(nil), c.OIDC.Scopes...)
	}
	if c.OIDC.RequiredRoles != nil {
		redacted.OIDC.RequiredRoles = append([]string(nil), c.OIDC.RequiredRoles...)
	}
	if c.Worker.Args != nil {
		redacted.Worker.Args = append([]string(nil), c.Worker.Args...)
	}
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	if redacted.Session.Secret != "" {
		redacted.Session.Secret = "[REDACTED]"
	}
	if redacted.Admin.Password != "" {
		redacted.Admin.Password = "[REDACTED]"
	}
	return &redacted
}
