package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// PrincipalContextKey is the context key for the authenticated caller
	PrincipalContextKey ContextKey = "principal"
)

// anonymous is attached when auth is disabled
var anonymous = &Principal{
	Subject:   "anonymous",
	Scopes:    DefaultScopes,
	Anonymous: true,
}

// Middleware provides bearer-token authentication for the HTTP API
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. With skipAuth every
// request runs as an anonymous principal holding the default scopes.
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		jwtManager: jwtManager,
		skipAuth:   skipAuth || jwtManager == nil,
		logger:     logger,
	}
}

// HTTPMiddleware authenticates the request and stores the Principal in its context
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anonymous)))
			return
		}

		token, err := tokenFromRequest(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, err)
			return
		}
		p, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected access token", zap.String("path", r.URL.Path), zap.Error(err))
			writeAuthError(w, http.StatusUnauthorized, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireScope rejects requests whose principal lacks scope
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := RequireScopes(r.Context(), scope); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrMissingCredentials) {
				status = http.StatusUnauthorized
			}
			writeAuthError(w, status, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFromRequest reads the Authorization header. Websocket upgrades from a
// browser cannot set headers, so stream paths also accept ?access_token=.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return ExtractBearerToken(h)
	}
	if strings.Contains(r.URL.Path, "/stream/") {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
	}
	return "", ErrMissingCredentials
}

// RequireScopes checks if the caller has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !p.HasScope(required) {
			return fmt.Errorf("%w: %s", ErrMissingScope, required)
		}
	}
	return nil
}

// WithPrincipal returns ctx carrying p
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal extracts the caller from context
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok || p == nil {
		return nil, ErrMissingCredentials
	}
	return p, nil
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="analyst"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
