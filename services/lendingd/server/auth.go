package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"sodiumcore/services/lendingd/config"
)

// Scopes gate route groups. API tokens and mTLS clients hold every scope.
const (
	ScopeRead      = "loans:read"
	ScopeWrite     = "loans:write"
	ScopeAttest    = "loans:attest"
	ScopeRelay     = "transfers:relay"
	ScopeAdmin     = "loans:admin"
	allScopesLabel = "*"
)

type identityKey struct{}

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Method  string
	Scopes  []string
}

func (id Identity) has(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || s == allScopesLabel {
			return true
		}
	}
	return false
}

// IdentityFrom returns the caller installed by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type authenticator struct {
	tokens      [][]byte
	commonNames map[string]struct{}
	jwt         config.JWTConfig
	secret      []byte
	logger      *slog.Logger
}

func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &authenticator{
		commonNames: make(map[string]struct{}),
		jwt:         cfg.JWT,
		logger:      logger,
	}
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			a.tokens = append(a.tokens, []byte(trimmed))
		}
	}
	for _, name := range cfg.MTLS.AllowedCommonNames {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			a.commonNames[trimmed] = struct{}{}
		}
	}
	if cfg.JWT.Enabled {
		a.secret = []byte(strings.TrimSpace(cfg.JWT.HMACSecret))
	}
	if a.jwt.ScopeClaim == "" {
		a.jwt.ScopeClaim = "scope"
	}
	return a
}

// require rejects callers that cannot be authenticated or lack scope.
func (a *authenticator) require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.authenticate(r)
			if err != nil {
				a.logger.Debug("request rejected", "route", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required", Reason: "unauthenticated"})
				return
			}
			if !id.has(scope) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "insufficient scope", Reason: "forbidden"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

func (a *authenticator) authenticate(r *http.Request) (Identity, error) {
	if token := strings.TrimSpace(r.Header.Get("X-API-Token")); token != "" && a.tokenAllowed(token) {
		return Identity{Subject: "api-token", Method: "token", Scopes: []string{allScopesLabel}}, nil
	}
	bearer := parseBearerToken(r.Header.Get("Authorization"))
	if bearer != "" && a.tokenAllowed(bearer) {
		return Identity{Subject: "api-token", Method: "token", Scopes: []string{allScopesLabel}}, nil
	}
	if bearer != "" && len(a.secret) > 0 {
		return a.authenticateJWT(bearer)
	}
	if cn, ok := a.clientCommonName(r); ok {
		return Identity{Subject: cn, Method: "mtls", Scopes: []string{allScopesLabel}}, nil
	}
	return Identity{}, errors.New("no acceptable credentials")
}

func (a *authenticator) tokenAllowed(candidate string) bool {
	for _, token := range a.tokens {
		if subtle.ConstantTimeCompare(token, []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func (a *authenticator) authenticateJWT(raw string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.jwt.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.jwt.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwt.Issuer))
	}
	if a.jwt.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.jwt.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("token invalid")
	}
	subject, _ := claims.GetSubject()
	return Identity{Subject: subject, Method: "jwt", Scopes: extractScopes(claims, a.jwt.ScopeClaim)}, nil
}

func (a *authenticator) clientCommonName(r *http.Request) (string, bool) {
	if len(a.commonNames) == 0 || r.TLS == nil {
		return "", false
	}
	for _, chain := range r.TLS.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		if _, ok := a.commonNames[strings.TrimSpace(chain[0].Subject.CommonName)]; ok {
			return chain[0].Subject.CommonName, true
		}
	}
	return "", false
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
