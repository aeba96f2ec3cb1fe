package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultTokenExpiry = time.Hour
	maxErrorBody       = 4 << 10
)

// Config holds one OAuth2 provider's configuration.
type Config struct {
	Name          string        `yaml:"name"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	AuthURL       string        `yaml:"auth_url"`
	TokenURL      string        `yaml:"token_url"`
	ProbeURL      string        `yaml:"probe_url"`
	ProbeMethod   string        `yaml:"probe_method"`
	Scopes        []string      `yaml:"scopes"`
	Timeout       time.Duration `yaml:"timeout"`
	ManualRefresh *bool         `yaml:"manual_refresh"`
}

// OAuth2Provider exchanges refresh tokens against a standard OAuth2 token
// endpoint and probes an authenticated metadata URL.
type OAuth2Provider struct {
	name          string
	oauth         *oauth2.Config
	probeURL      string
	probeMethod   string
	manualRefresh bool
	httpClient    *http.Client
}

// NewOAuth2Provider creates a provider from cfg.
func NewOAuth2Provider(cfg Config) (*OAuth2Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: token_url is required", cfg.Name)
	}
	if cfg.ProbeURL == "" {
		return nil, fmt.Errorf("provider %s: probe_url is required", cfg.Name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	method := strings.ToUpper(cfg.ProbeMethod)
	if method == "" {
		method = http.MethodGet
	}
	manual := true
	if cfg.ManualRefresh != nil {
		manual = *cfg.ManualRefresh
	}

	return &OAuth2Provider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: cfg.Scopes,
		},
		probeURL:      cfg.ProbeURL,
		probeMethod:   method,
		manualRefresh: manual,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OAuth2Provider) Name() string {
	return p.name
}

// Capabilities reports whether manual refresh is allowed.
func (p *OAuth2Provider) Capabilities() Capabilities {
	return Capabilities{ManualRefresh: p.manualRefresh}
}

// ExchangeRefreshToken runs the refresh_token grant. Errors from the token
// endpoint are returned as *oauth2.RetrieveError.
func (p *OAuth2Provider) ExchangeRefreshToken(
	ctx context.Context,
	refreshToken string,
) (domain.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return domain.TokenGrant{}, fmt.Errorf("refresh token exchange: %w", err)
	}

	grant := domain.TokenGrant{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if grant.ExpiresAt.IsZero() {
		grant.ExpiresAt = time.Now().Add(defaultTokenExpiry)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		grant.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	return grant, nil
}

// ProbeConnectivity calls the probe URL with the access token. Non-2xx
// responses come back as *domain.ProviderError.
func (p *OAuth2Provider) ProbeConnectivity(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, p.probeMethod, p.probeURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return parseProviderError(resp.StatusCode, body)
}

// parseProviderError understands both the flat OAuth error shape and the
// nested {"error": {"message": ...}} shape used by storage APIs.
func parseProviderError(status int, body []byte) *domain.ProviderError {
	pe := &domain.ProviderError{StatusCode: status, Body: string(body)}

	var flat struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		pe.Code = flat.Error
		pe.Description = flat.ErrorDescription
		return pe
	}

	var nested struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Message != "" {
		pe.Code = nested.Error.Status
		pe.Description = nested.Error.Message
	}
	return pe
}
