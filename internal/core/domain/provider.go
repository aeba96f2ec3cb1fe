package domain

import (
	"fmt"
	"time"
)

// TokenGrant is the outcome of a successful refresh-token exchange.
type TokenGrant struct {
	AccessToken string
	// RefreshToken is set only when the provider rotated it.
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// ProviderError is a non-2xx response from a provider endpoint.
type ProviderError struct {
	StatusCode  int
	Code        string // OAuth "error" field, e.g. invalid_grant
	Description string
	Body        string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider http %d: %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}
