package oidc

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/al-bashkir/pentest-console/internal/config"
)

var (
	// ErrMissingRole is returned when the token carries none of the required roles.
	ErrMissingRole = errors.New("required role missing")
	// ErrMissingUsername is returned when the username claim is absent or not a string.
	ErrMissingUsername = errors.New("username claim missing")
)

// Identity is the console-relevant view of a verified token.
type Identity struct {
	Subject  string
	Username string
	Email    string
	Roles    []string
}

// ClaimMapper turns verified claims into an Identity and enforces required roles.
type ClaimMapper struct {
	usernameClaim string
	roleClaim     string
	requiredRoles []string
}

// NewClaimMapper builds a mapper from the SSO configuration.
func NewClaimMapper(cfg *config.OIDCConfig) *ClaimMapper {
	return &ClaimMapper{
		usernameClaim: cfg.UsernameClaim,
		roleClaim:     cfg.RoleClaim,
		requiredRoles: cfg.RequiredRoles,
	}
}

// Map extracts the identity. Roles are required only when required_roles is set.
func (m *ClaimMapper) Map(claims map[string]interface{}) (*Identity, error) {
	username, err := claimString(claims, m.usernameClaim)
	if err != nil || username == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingUsername, m.usernameClaim)
	}

	id := &Identity{Username: username}
	id.Subject, _ = claimString(claims, "sub")
	id.Email, _ = claimString(claims, "email")

	if m.roleClaim != "" {
		if roles, err := claimStrings(claims, m.roleClaim); err == nil {
			id.Roles = roles
		}
	}

	if len(m.requiredRoles) > 0 {
		allowed := slices.ContainsFunc(m.requiredRoles, func(r string) bool {
			return slices.Contains(id.Roles, r)
		})
		if !allowed {
			return nil, fmt.Errorf("%w: need one of %v", ErrMissingRole, m.requiredRoles)
		}
	}
	return id, nil
}

func claimString(claims map[string]interface{}, path string) (string, error) {
	v, err := lookupClaim(claims, path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("claim %q is not a string", path)
	}
	return s, nil
}

func claimStrings(claims map[string]interface{}, path string) ([]string, error) {
	v, err := lookupClaim(claims, path)
	if err != nil {
		return nil, err
	}

	switch vals := v.(type) {
	case []string:
		return vals, nil
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("claim %q is not a string array", path)
}

// lookupClaim walks a dot-separated path such as "realm_access.roles".
func lookupClaim(claims map[string]interface{}, path string) (interface{}, error) {
	var cur interface{} = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("claim path %q not found at %q", path, part)
		}
		if cur, ok = m[part]; !ok {
			return nil, fmt.Errorf("claim path %q not found at %q", path, part)
		}
	}
	return cur, nil
}
