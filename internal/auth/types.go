package auth

import (
	"errors"
	"time"
)

// Scopes granted to API callers
const (
	ScopeAnalysesRead  = "analyses:read"
	ScopeAnalysesWrite = "analyses:write"
)

// DefaultScopes is what a token without an explicit scope claim gets
var DefaultScopes = []string{ScopeAnalysesRead, ScopeAnalysesWrite}

var (
	ErrMissingCredentials = errors.New("missing authentication")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingScope       = errors.New("missing required scope")
)

// Principal is the authenticated caller attached to a request context
type Principal struct {
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Anonymous bool      `json:"anonymous,omitempty"`
}

// HasScope reports whether the principal was granted scope
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenResponse is returned by the CLI token command
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
