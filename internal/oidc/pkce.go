package oidc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// newVerifier returns a 43-character base64url PKCE verifier (RFC 7636).
func newVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeS256 is BASE64URL(SHA256(verifier)).
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// accessTokenClaims lists claims some IdPs (Keycloak) only put in the access token.
var accessTokenClaims = []string{"realm_access", "resource_access", "groups"}

// mergeAccessTokenClaims copies role claims from a JWT access token into dst
// when the ID token lacks them. Opaque access tokens are ignored.
func mergeAccessTokenClaims(accessToken string, dst map[string]interface{}) {
	if accessToken == "" {
		return
	}

	at, err := jwtPayload(accessToken)
	if err != nil {
		slog.Debug("access token is not a JWT", "error", err)
		return
	}

	for _, key := range accessTokenClaims {
		if _, ok := dst[key]; ok {
			continue
		}
		if v, ok := at[key]; ok {
			dst[key] = v
		}
	}
}

// jwtPayload decodes the payload segment without verifying the signature.
// Only used on tokens obtained directly from the token endpoint.
func jwtPayload(token string) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 JWT segments, got %d", len(parts))
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT payload: %w", err)
	}
	return claims, nil
}
