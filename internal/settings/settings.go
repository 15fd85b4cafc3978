// Package settings stores LLM provider API keys and the router default.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/al-bashkir/pentest-console/internal/fileutil"
)

// APIKeys holds the provider keys passed to the pipeline worker.
type APIKeys struct {
	Anthropic  string `json:"anthropicApiKey,omitempty"`
	OpenAI     string `json:"openaiApiKey,omitempty"`
	OpenRouter string `json:"openrouterApiKey,omitempty"`
}

// Settings is the persisted settings document.
type Settings struct {
	APIKeys       APIKeys `json:"apiKeys"`
	RouterDefault string  `json:"routerDefault,omitempty"`
}

// KeyUpdate changes API keys. A nil field is left untouched, an empty string clears the key.
type KeyUpdate struct {
	Anthropic  *string `json:"anthropicApiKey"`
	OpenAI     *string `json:"openaiApiKey"`
	OpenRouter *string `json:"openrouterApiKey"`
}

// MaskedKeys is the client-facing view of the stored keys.
// Empty keys are reported as null.
type MaskedKeys struct {
	Anthropic  *string `json:"anthropicApiKey"`
	OpenAI     *string `json:"openaiApiKey"`
	OpenRouter *string `json:"openrouterApiKey"`
}

// View is the client-facing settings document.
type View struct {
	APIKeys       MaskedKeys `json:"apiKeys"`
	RouterDefault *string    `json:"routerDefault"`
}

// Store is the file-backed settings singleton.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// Open loads settings from path. A missing or unreadable file falls back to
// the provider keys found in the environment.
func Open(path string) *Store {
	s := &Store{path: path}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.settings); err != nil {
			slog.Warn("settings file is invalid, using environment", "path", path, "error", err)
			s.settings = fromEnv()
		}
	case errors.Is(err, fs.ErrNotExist):
		s.settings = fromEnv()
	default:
		slog.Warn("failed to read settings file, using environment", "path", path, "error", err)
		s.settings = fromEnv()
	}

	return s
}

func fromEnv() Settings {
	return Settings{
		APIKeys: APIKeys{
			Anthropic:  os.Getenv("ANTHROPIC_API_KEY"),
			OpenAI:     os.Getenv("OPENAI_API_KEY"),
			OpenRouter: os.Getenv("OPENROUTER_API_KEY"),
		},
		RouterDefault: os.Getenv("ROUTER_DEFAULT"),
	}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Masked returns the settings with every key masked.
func (s *Store) Masked() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		APIKeys: MaskedKeys{
			Anthropic:  maskPtr(s.settings.APIKeys.Anthropic),
			OpenAI:     maskPtr(s.settings.APIKeys.OpenAI),
			OpenRouter: maskPtr(s.settings.APIKeys.OpenRouter),
		},
	}
	if s.settings.RouterDefault != "" {
		rd := s.settings.RouterDefault
		v.RouterDefault = &rd
	}
	return v
}

// SetAPIKeys applies update and persists the result.
func (s *Store) SetAPIKeys(update KeyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	if update.Anthropic != nil {
		next.APIKeys.Anthropic = *update.Anthropic
	}
	if update.OpenAI != nil {
		next.APIKeys.OpenAI = *update.OpenAI
	}
	if update.OpenRouter != nil {
		next.APIKeys.OpenRouter = *update.OpenRouter
	}

	return s.saveLocked(next)
}

// SetRouterDefault sets the default model router. An empty value clears it.
func (s *Store) SetRouterDefault(router string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	next.RouterDefault = router
	return s.saveLocked(next)
}

// Replace overwrites the whole document.
func (s *Store) Replace(next Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(next)
}

// saveLocked writes next to disk and only then swaps it in. Caller holds mu.
func (s *Store) saveLocked(next Settings) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.settings = next
	return nil
}

// WorkerEnv returns the environment entries exported to the pipeline worker.
// Unset values are omitted.
func (s *Store) WorkerEnv() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	add("ANTHROPIC_API_KEY", s.settings.APIKeys.Anthropic)
	add("OPENAI_API_KEY", s.settings.APIKeys.OpenAI)
	add("OPENROUTER_API_KEY", s.settings.APIKeys.OpenRouter)
	add("ROUTER_DEFAULT", s.settings.RouterDefault)
	return env
}

// HasAnthropicKey reports whether the primary provider key is configured.
func (s *Store) HasAnthropicKey() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.APIKeys.Anthropic != ""
}

// Mask hides all but the last four characters of key.
// Keys of eight characters or fewer are fully hidden.
func Mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func maskPtr(key string) *string {
	if key == "" {
		return nil
	}
	m := Mask(key)
	return &m
}
