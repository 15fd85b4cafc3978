package users

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	return Open(path, WithBcryptCost(bcrypt.MinCost)), path
}

func mustCreate(t *testing.T, s *Store, username string, admin bool) Public {
	t.Helper()
	u, err := s.Create(CreateInput{Username: username, Password: "password123", IsAdmin: admin}, nil)
	require.NoError(t, err)
	return u
}

func TestOpenMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, 0, s.Count())
	assert.Empty(t, s.List())
}

func TestOpenInvalidFileStartsEmpty(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{{{"},
		{"bad uuid", `{"users":[{"id":"nope","username":"a","passwordHash":"x","isAdmin":true,"createdAt":"2024-01-01T00:00:00Z"}]}`},
		{"missing hash", `{"users":[{"id":"0b7e4f5c-2f1d-4c1e-9a47-3b0f0d6f8a11","username":"a","passwordHash":"","isAdmin":true,"createdAt":"2024-01-01T00:00:00Z"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "users.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			s := Open(path, WithBcryptCost(bcrypt.MinCost))
			assert.Equal(t, 0, s.Count())
		})
	}
}

func TestCreateAndReload(t *testing.T) {
	s, path := newTestStore(t)

	creator := "creator-id"
	u, err := s.Create(CreateInput{
		Username: "alice",
		Password: "password123",
		Email:    "alice@example.com",
		IsAdmin:  true,
	}, &creator)
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Username)
	require.NotNil(t, u.Email)
	assert.Equal(t, "alice@example.com", *u.Email)
	assert.True(t, u.IsAdmin)

	// File is rewritten in full and reloadable
	reloaded := Open(path, WithBcryptCost(bcrypt.MinCost))
	require.Equal(t, 1, reloaded.Count())
	stored, ok := reloaded.Get(u.ID)
	require.True(t, ok)
	require.NotNil(t, stored.CreatedBy)
	assert.Equal(t, creator, *stored.CreatedBy)
	assert.NotEqual(t, "password123", stored.PasswordHash)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPublicProjectionOmitsHash(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, "alice", false)

	data, err := json.Marshal(s.List())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "passwordHash")
	assert.NotContains(t, string(data), "createdBy")
}

func TestCreateDuplicateCaseInsensitive(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, "Alice", false)

	_, err := s.Create(CreateInput{Username: "alice", Password: "password123"}, nil)
	assert.ErrorIs(t, err, ErrUsernameExists)
	assert.Equal(t, 1, s.Count())
}

func TestCreateConcurrentDuplicates(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Create(CreateInput{Username: "racer", Password: "password123"}, nil)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrUsernameExists)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, s.Count())
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"short username", CreateInput{Username: "ab", Password: "password123"}, "username:"},
		{"long username", CreateInput{Username: strings.Repeat("a", 51), Password: "password123"}, "username:"},
		{"bad characters", CreateInput{Username: "bad name!", Password: "password123"}, "username:"},
		{"short password", CreateInput{Username: "alice", Password: "short"}, "password:"},
		{"long password", CreateInput{Username: "alice", Password: strings.Repeat("p", 101)}, "password:"},
		{"bad email", CreateInput{Username: "alice", Password: "password123", Email: "not-an-email"}, "email:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			_, err := s.Create(tt.in, nil)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			require.NotEmpty(t, verr.Details)
			assert.True(t, strings.HasPrefix(verr.Details[0], tt.field), "detail %q", verr.Details[0])
			assert.Equal(t, 0, s.Count())
		})
	}
}

func TestVerify(t *testing.T) {
	s, _ := newTestStore(t)
	created := mustCreate(t, s, "alice", false)

	u, ok := s.Verify("ALICE", "password123")
	require.True(t, ok)
	assert.Equal(t, created.ID, u.ID)

	_, ok = s.Verify("alice", "wrong-password")
	assert.False(t, ok)

	_, ok = s.Verify("nobody", "password123")
	assert.False(t, ok)
}

func TestVerifyLongPassword(t *testing.T) {
	s, _ := newTestStore(t)
	long := strings.Repeat("x", 90)
	_, err := s.Create(CreateInput{Username: "alice", Password: long}, nil)
	require.NoError(t, err)

	_, ok := s.Verify("alice", long)
	assert.True(t, ok)
}

func TestDeleteRules(t *testing.T) {
	s, _ := newTestStore(t)
	admin := mustCreate(t, s, "admin", true)
	other := mustCreate(t, s, "operator", false)

	assert.ErrorIs(t, s.Delete(admin.ID, admin.ID), ErrSelfDelete)
	assert.ErrorIs(t, s.Delete(admin.ID, "missing"), ErrNotFound)

	require.NoError(t, s.Delete(admin.ID, other.ID))
	assert.Equal(t, 1, s.Count())

	// A second admin can be deleted, the last one cannot.
	second := mustCreate(t, s, "admin2", true)
	require.NoError(t, s.Delete(admin.ID, second.ID))
	assert.Equal(t, 1, s.AdminCount())

	assert.ErrorIs(t, s.Delete("someone-else", admin.ID), ErrLastAdmin)
	assert.Equal(t, 1, s.AdminCount())
}

func TestDeleteLastAdminConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "admin-a", true)
	b := mustCreate(t, s, "admin-b", true)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = s.Delete(b.ID, a.ID) }()
	go func() { defer wg.Done(); errB = s.Delete(a.ID, b.ID) }()
	wg.Wait()

	// Exactly one deletion wins; an admin always remains.
	assert.Equal(t, 1, s.AdminCount())
	assert.True(t, (errA == nil) != (errB == nil), "errA=%v errB=%v", errA, errB)
}

func TestBootstrap(t *testing.T) {
	t.Run("creates admin when empty", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Bootstrap("root", "changeme"))

		u, ok := s.GetByUsername("root")
		require.True(t, ok)
		assert.True(t, u.IsAdmin)
		assert.Nil(t, u.CreatedBy)
	})

	t.Run("no credentials leaves store empty", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Bootstrap("", ""))
		assert.Equal(t, 0, s.Count())
	})

	t.Run("skipped when users exist", func(t *testing.T) {
		s, _ := newTestStore(t)
		mustCreate(t, s, "existing", true)
		require.NoError(t, s.Bootstrap("root", "password123"))
		_, ok := s.GetByUsername("root")
		assert.False(t, ok)
	})
}
