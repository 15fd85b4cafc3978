package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY", "ROUTER_DEFAULT"} {
		t.Setenv(k, "")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"sk-ant-api03-abcdef1234", "****1234"},
		{"123456789", "****6789"},
		{"12345678", "****"},
		{"short", "****"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Mask(tt.key), "Mask(%q)", tt.key)
	}
}

func TestOpenFallsBackToEnv(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")
	t.Setenv("ROUTER_DEFAULT", "openai,gpt-4o")

	s := Open(filepath.Join(t.TempDir(), "settings.json"))

	got := s.Get()
	assert.Equal(t, "env-anthropic-key", got.APIKeys.Anthropic)
	assert.Equal(t, "openai,gpt-4o", got.RouterDefault)
	assert.True(t, s.HasAnthropicKey())
}

func TestOpenInvalidFileFallsBackToEnv(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-openai-key")

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := Open(path)
	assert.Equal(t, "env-openai-key", s.Get().APIKeys.OpenAI)
}

func TestOpenReadsFile(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "ignored")

	path := filepath.Join(t.TempDir(), "settings.json")
	doc := `{"apiKeys":{"openrouterApiKey":"or-key-from-file"},"routerDefault":"openrouter,x"}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	s := Open(path)
	got := s.Get()
	assert.Equal(t, "or-key-from-file", got.APIKeys.OpenRouter)
	assert.Empty(t, got.APIKeys.Anthropic)
	assert.False(t, s.HasAnthropicKey())
}

func TestSetAPIKeysPartialUpdate(t *testing.T) {
	clearProviderEnv(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	s := Open(path)

	require.NoError(t, s.SetAPIKeys(KeyUpdate{
		Anthropic: strPtr("anthropic-secret-1234"),
		OpenAI:    strPtr("openai-secret-5678"),
	}))

	// Only OpenAI is cleared, Anthropic stays.
	require.NoError(t, s.SetAPIKeys(KeyUpdate{OpenAI: strPtr("")}))

	got := s.Get()
	assert.Equal(t, "anthropic-secret-1234", got.APIKeys.Anthropic)
	assert.Empty(t, got.APIKeys.OpenAI)

	// Persisted file reflects the same state
	reopened := Open(path)
	assert.Equal(t, got, reopened.Get())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMaskedView(t *testing.T) {
	clearProviderEnv(t)
	s := Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, s.SetAPIKeys(KeyUpdate{Anthropic: strPtr("anthropic-secret-1234")}))

	v := s.Masked()
	require.NotNil(t, v.APIKeys.Anthropic)
	assert.Equal(t, "****1234", *v.APIKeys.Anthropic)
	assert.Nil(t, v.APIKeys.OpenAI)
	assert.Nil(t, v.RouterDefault)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"apiKeys":{"anthropicApiKey":"****1234","openaiApiKey":null,"openrouterApiKey":null},"routerDefault":null}`,
		string(data))
}

func TestWorkerEnv(t *testing.T) {
	clearProviderEnv(t)
	s := Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, s.SetAPIKeys(KeyUpdate{OpenRouter: strPtr("or-key")}))
	require.NoError(t, s.SetRouterDefault("openrouter,google/gemini-2.0-flash"))

	assert.ElementsMatch(t, []string{
		"OPENROUTER_API_KEY=or-key",
		"ROUTER_DEFAULT=openrouter,google/gemini-2.0-flash",
	}, s.WorkerEnv())

	require.NoError(t, s.SetRouterDefault(""))
	assert.Equal(t, []string{"OPENROUTER_API_KEY=or-key"}, s.WorkerEnv())
}

func TestSaveFailureKeepsState(t *testing.T) {
	clearProviderEnv(t)
	dir := t.TempDir()
	// A directory where the file should be makes the rename fail.
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.Mkdir(path, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0600))

	s := &Store{path: path}
	err := s.SetRouterDefault("openai,gpt-4o")
	require.Error(t, err)
	assert.Empty(t, s.Get().RouterDefault)
}
