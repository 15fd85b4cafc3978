// Package users stores console accounts in a JSON file and verifies their passwords.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/al-bashkir/pentest-console/internal/fileutil"
	"github.com/al-bashkir/pentest-console/internal/logsanitize"
)

// DefaultCost is the bcrypt work factor for stored passwords.
const DefaultCost = 12

// bcrypt ignores input past 72 bytes; longer passwords are truncated the same
// way on hash and compare so existing hashes keep verifying.
const maxBcryptInput = 72

var (
	// ErrUsernameExists is returned when a username is already taken (case-insensitive).
	ErrUsernameExists = errors.New("username already exists")
	// ErrNotFound is returned when no user has the requested ID.
	ErrNotFound = errors.New("user not found")
	// ErrSelfDelete is returned when a user tries to delete their own account.
	ErrSelfDelete = errors.New("cannot delete your own account")
	// ErrLastAdmin is returned when deleting would leave no administrator.
	ErrLastAdmin = errors.New("cannot delete the last admin user")
)

// User is a stored account record.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        *string   `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
	CreatedBy    *string   `json:"createdBy"`
}

// Public is the client-facing projection of a user.
type Public struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     *string   `json:"email"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

// Public returns the projection of u that is safe to send to clients.
func (u *User) Public() Public {
	return Public{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt,
	}
}

type usersFile struct {
	Users []User `json:"users"`
}

// Store holds all users in memory and rewrites the file on every mutation.
type Store struct {
	mu    sync.RWMutex
	path  string
	users []User
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the bcrypt work factor.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// Open loads users from path. A missing file or one that fails validation
// yields an empty store.
func Open(path string, opts ...Option) *Store {
	s := &Store{path: path, cost: DefaultCost}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := load(path)
	if err != nil {
		slog.Warn("users file failed validation, starting fresh", "path", path, "error", err)
		return s
	}
	s.users = loaded
	if len(s.users) > 0 {
		slog.Info("loaded users", "count", len(s.users), "path", path)
	}
	return s
}

func load(path string) ([]User, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f usersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	for i, u := range f.Users {
		if _, err := uuid.Parse(u.ID); err != nil {
			return nil, fmt.Errorf("users[%d]: invalid id: %w", i, err)
		}
		if u.Username == "" {
			return nil, fmt.Errorf("users[%d]: username is empty", i)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("users[%d]: passwordHash is empty", i)
		}
	}
	return f.Users, nil
}

// saveLocked writes users to disk. Caller holds mu for writing.
func (s *Store) saveLocked(users []User) error {
	if users == nil {
		users = []User{}
	}
	data, err := json.MarshalIndent(usersFile{Users: users}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to save users: %w", err)
	}
	return nil
}

// Bootstrap creates the first administrator when the store is empty.
// Missing credentials leave the store empty with a warning.
func (s *Store) Bootstrap(username, password string) error {
	if s.Count() > 0 {
		return nil
	}

	if username == "" || password == "" {
		slog.Warn("no users exist and ADMIN_USERNAME/ADMIN_PASSWORD not set; " +
			"set them to create the initial admin user")
		return nil
	}

	if password == "changeme" || len(password) < 8 {
		slog.Warn("using weak or default admin password, change ADMIN_PASSWORD to a strong password")
	}

	// Bootstrap bypasses request validation so that operators are warned, not blocked.
	u, err := s.insert(username, password, "", true, nil)
	if err != nil {
		return fmt.Errorf("failed to create initial admin user: %w", err)
	}

	slog.Info("created initial admin user", "username", logsanitize.Sanitize(u.Username)) // #nosec G706 -- sanitized
	return nil
}

// Create validates input and adds a new user. createdBy is the creating
// admin's ID, or nil for accounts created outside a session.
func (s *Store) Create(in CreateInput, createdBy *string) (Public, error) {
	if err := in.Validate(); err != nil {
		return Public{}, err
	}
	u, err := s.insert(in.Username, in.Password, in.Email, in.IsAdmin, createdBy)
	if err != nil {
		return Public{}, err
	}
	return u.Public(), nil
}

func (s *Store) insert(username, password, email string, isAdmin bool, createdBy *string) (*User, error) {
	// Hash before taking the lock; bcrypt is slow.
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    createdBy,
	}
	if email != "" {
		u.Email = &email
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexByUsernameLocked(username) >= 0 {
		return nil, ErrUsernameExists
	}

	next := append(append([]User(nil), s.users...), u)
	if err := s.saveLocked(next); err != nil {
		return nil, err
	}
	s.users = next
	return &u, nil
}

// Verify checks username and password. An unknown username still costs one
// bcrypt comparison so it is not distinguishable by hash timing alone.
func (s *Store) Verify(username, password string) (*User, bool) {
	u, ok := s.GetByUsername(username)
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), bcryptInput(password))
		return nil, false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), bcryptInput(password)); err != nil {
		return nil, false
	}
	return u, true
}

func (s *Store) dummy() []byte {
	s.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.cost)
		if err != nil {
			slog.Error("failed to generate dummy password hash", "error", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// Get returns a copy of the user with the given ID.
func (s *Store) Get(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.users {
		if s.users[i].ID == id {
			u := s.users[i]
			return &u, true
		}
	}
	return nil, false
}

// GetByUsername returns a copy of the user with the given username, compared case-insensitively.
func (s *Store) GetByUsername(username string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexByUsernameLocked(username)
	if i < 0 {
		return nil, false
	}
	u := s.users[i]
	return &u, true
}

func (s *Store) indexByUsernameLocked(username string) int {
	for i := range s.users {
		if strings.EqualFold(s.users[i].Username, username) {
			return i
		}
	}
	return -1
}

// List returns every user in creation order.
func (s *Store) List() []Public {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Public, 0, len(s.users))
	for i := range s.users {
		out = append(out, s.users[i].Public())
	}
	return out
}

// Count returns the number of users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// AdminCount returns the number of administrators.
func (s *Store) AdminCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminCountLocked()
}

func (s *Store) adminCountLocked() int {
	n := 0
	for i := range s.users {
		if s.users[i].IsAdmin {
			n++
		}
	}
	return n
}

// Delete removes the user with the given ID on behalf of actorID.
// The self-delete and last-admin checks run under the same lock as the removal.
func (s *Store) Delete(actorID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actorID == id {
		return ErrSelfDelete
	}

	idx := -1
	for i := range s.users {
		if s.users[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	if s.users[idx].IsAdmin && s.adminCountLocked() <= 1 {
		return ErrLastAdmin
	}

	next := make([]User, 0, len(s.users)-1)
	next = append(next, s.users[:idx]...)
	next = append(next, s.users[idx+1:]...)
	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.users = next
	return nil
}

func bcryptInput(password string) []byte {
	b := []byte(password)
	if len(b) > maxBcryptInput {
		b = b[:maxBcryptInput]
	}
	return b
}
