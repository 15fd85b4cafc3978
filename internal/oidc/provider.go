// Package oidc implements optional SSO login: OpenID Connect authorization
// code flow with PKCE, mapped onto local console users.
package oidc

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/pentest-console/internal/config"
)

// ErrUnknownState is returned when the callback state was never issued,
// was already used, or has expired.
var ErrUnknownState = errors.New("unknown or expired login state")

// Provider drives the SSO login against one issuer.
type Provider struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	mapper   *ClaimMapper
	pending  *PendingFlows
}

// NewProvider performs issuer discovery and prepares the OAuth2 client.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     discovered.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		verifier: discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		mapper:   NewClaimMapper(cfg),
		pending:  NewPendingFlows(PendingTTL),
	}, nil
}

// Begin starts a login. It returns the IdP authorization URL and the state
// the caller must bind to the browser that started the flow.
func (p *Provider) Begin() (authURL, state string, err error) {
	verifier, err := newVerifier()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	state, err = newState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	p.pending.Put(state, verifier)

	authURL = p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return authURL, state, nil
}

// Complete exchanges the authorization code, verifies the ID token and
// maps its claims. The state is consumed whether or not the exchange works.
func (p *Provider) Complete(ctx context.Context, state, code string) (*Identity, error) {
	verifier, ok := p.pending.Take(state)
	if !ok {
		return nil, ErrUnknownState
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	mergeAccessTokenClaims(token.AccessToken, claims)

	return p.mapper.Map(claims)
}
