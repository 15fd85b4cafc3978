package users

import (
	"regexp"
	"strings"

	"github.com/al-bashkir/pentest-console/internal/validation"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidationError lists field-level problems as "field: message" entries.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid request body: " + strings.Join(e.Details, "; ")
}

var createRules = validation.New(validation.Messages{
	"username.min":      "Username must be at least 3 characters",
	"username.max":      "Username must be at most 50 characters",
	"username.username": "Username can only contain letters, numbers, underscores, and hyphens",
	"password.min":      "Password must be at least 8 characters",
	"password.max":      "Password must be at most 100 characters",
	"email.email":       "Invalid email address",
}, map[string]func(string) bool{
	"username": usernamePattern.MatchString,
})

// CreateInput is the body of a create-user request.
type CreateInput struct {
	Username string `json:"username" validate:"min=3,max=50,username"`
	Password string `json:"password" validate:"min=8,max=100"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Validate checks field constraints and returns a *ValidationError on failure.
func (in *CreateInput) Validate() error {
	if details := createRules.Check(in); len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}
