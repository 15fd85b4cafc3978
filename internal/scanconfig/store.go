// Package scanconfig manages the named YAML configurations passed to pipeline runs.
package scanconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/al-bashkir/pentest-console/internal/fileutil"
)

const (
	primaryExt   = ".yaml"
	alternateExt = ".yml"

	// SecretMask replaces credential values on read.
	SecretMask = "********"

	exampleConfig = "example-config.yaml"
)

var (
	// ErrNotFound is returned when no config has the requested name.
	ErrNotFound = errors.New("config not found")
	// ErrInvalidName is returned for names that are not plain file names.
	ErrInvalidName = errors.New("invalid config name")

	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	rawPasswordPattern = regexp.MustCompile(`password:\s*['"]?[^'\n]+['"]?`)
	rawTOTPPattern     = regexp.MustCompile(`totp_secret:\s*['"]?[^'\n]+['"]?`)
)

// YAMLError reports content that does not parse as YAML.
type YAMLError struct {
	Err error
}

func (e *YAMLError) Error() string { return e.Err.Error() }

func (e *YAMLError) Unwrap() error { return e.Err }

// Summary describes a config in listings.
type Summary struct {
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	HasAuthentication bool      `json:"hasAuthentication"`
	HasRules          bool      `json:"hasRules"`
	LastModified      time.Time `json:"lastModified"`
}

// Document is a config as returned to clients, with secrets masked in both forms.
type Document struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
	Raw    string         `json:"raw"`
}

// Store reads and writes configs in a single directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory need not exist yet.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// ValidName reports whether name can be used as a config name.
func ValidName(name string) bool {
	return namePattern.MatchString(name) && !strings.Contains(name, "..")
}

// Path returns the primary file path for name, as passed to workflows.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+primaryExt)
}

// List returns summaries of every parsable config, sorted by name.
// Schema files and the bundled example are skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configs directory: %w", err)
	}

	out := []Summary{}
	for _, e := range entries {
		file := e.Name()
		if e.IsDir() || !(strings.HasSuffix(file, primaryExt) || strings.HasSuffix(file, alternateExt)) {
			continue
		}
		if strings.Contains(file, "schema") || file == exampleConfig {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, file)) // #nosec G304 -- entry of the configs directory
		if err != nil {
			slog.Warn("failed to read config", "file", file, "error", err)
			continue
		}

		// Untyped so files with an unexpected shape are still listed.
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			slog.Debug("skipping invalid config", "file", file, "error", err)
			continue
		}
		top, _ := doc.(map[string]any)
		rules, _ := top["rules"].(map[string]any)

		out = append(out, Summary{
			Name:              strings.TrimSuffix(strings.TrimSuffix(file, primaryExt), alternateExt),
			Path:              file,
			HasAuthentication: present(top["authentication"]),
			HasRules:          hasItems(rules["avoid"]) || hasItems(rules["focus"]),
			LastModified:      info.ModTime().UTC(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// present reports whether a decoded YAML value is set.
func present(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	default:
		return true
	}
}

// hasItems reports whether a decoded YAML value is a non-empty list or string.
func hasItems(v any) bool {
	switch v := v.(type) {
	case []any:
		return len(v) > 0
	case string:
		return v != ""
	default:
		return false
	}
}

// resolve returns the existing file for name, preferring the primary extension.
func (s *Store) resolve(name string) (string, error) {
	if !ValidName(name) {
		return "", ErrInvalidName
	}
	for _, ext := range []string{primaryExt, alternateExt} {
		p := filepath.Join(s.dir, name+ext)
		if fileutil.Exists(p) {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// Get reads a config. Credential secrets are masked in the parsed structure
// and scrubbed from the raw text.
func (s *Store) Get(name string) (*Document, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 -- name validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, &YAMLError{Err: err}
	}
	maskCredentials(parsed)

	return &Document{
		Name:   name,
		Config: parsed,
		Raw:    MaskRaw(string(data)),
	}, nil
}

func maskCredentials(doc map[string]any) {
	auth, ok := doc["authentication"].(map[string]any)
	if !ok {
		return
	}
	creds, ok := auth["credentials"].(map[string]any)
	if !ok {
		return
	}
	creds["password"] = SecretMask
	if _, ok := creds["totp_secret"]; ok {
		creds["totp_secret"] = SecretMask
	}
}

// MaskRaw replaces password and totp_secret values in YAML text.
func MaskRaw(raw string) string {
	raw = rawPasswordPattern.ReplaceAllString(raw, `password: "`+SecretMask+`"`)
	return rawTOTPPattern.ReplaceAllString(raw, `totp_secret: "`+SecretMask+`"`)
}

// Save validates content as YAML and writes it under the primary extension.
func (s *Store) Save(name, content string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}

	var doc any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return &YAMLError{Err: err}
	}

	if err := fileutil.WriteFileAtomic(s.Path(name), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	slog.Info("config saved", "name", name)
	return nil
}

// Delete removes the config, trying the primary extension first and then the alternate.
func (s *Store) Delete(name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}

	for _, ext := range []string{primaryExt, alternateExt} {
		err := os.Remove(filepath.Join(s.dir, name+ext))
		if err == nil {
			slog.Info("config deleted", "name", name)
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete config: %w", err)
		}
	}
	return ErrNotFound
}
