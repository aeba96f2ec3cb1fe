package domain

import (
	"fmt"
	"time"
)

// CredentialKey identifies one credential: a user connected to a provider.
type CredentialKey struct {
	UserID   string
	Provider string
}

func (k CredentialKey) String() string {
	return fmt.Sprintf("%s:%s", k.UserID, k.Provider)
}

// Credential is the persisted OAuth token material for one user and provider.
type Credential struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string

	RefreshFailureCount      int
	RequiresUserIntervention bool
	LastSuccessfulRefreshAt  *time.Time
	LastErrorKind            ErrorKind
	NextRetryAt              *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the credential's identity.
func (c *Credential) Key() CredentialKey {
	return CredentialKey{UserID: c.UserID, Provider: c.Provider}
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (c *Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(margin))
}

// InBackoff reports whether a previous recoverable failure asked callers to wait.
func (c *Credential) InBackoff(now time.Time) bool {
	return c.NextRetryAt != nil && now.Before(*c.NextRetryAt)
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	if c.LastSuccessfulRefreshAt != nil {
		t := *c.LastSuccessfulRefreshAt
		out.LastSuccessfulRefreshAt = &t
	}
	if c.NextRetryAt != nil {
		t := *c.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}
