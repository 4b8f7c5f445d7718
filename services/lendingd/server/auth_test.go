package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"sodiumcore/services/lendingd/config"
)

const jwtSecret = "0123456789abcdef0123456789abcdef"

func jwtAuth() config.AuthConfig {
	return config.AuthConfig{
		APITokens: []string{testToken},
		JWT: config.JWTConfig{
			Enabled:    true,
			HMACSecret: jwtSecret,
			Issuer:     "sodium-ops",
			Audience:   "lendingd",
			ScopeClaim: "scope",
			ClockSkew:  time.Minute,
		},
	}
}

func signJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func claims(scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "ops@sodium",
		"iss":   "sodium-ops",
		"aud":   "lendingd",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	f := newFixture(t, tokenAuth())
	var body errorBody
	resp := f.doAs(t, "", http.MethodGet, "/v1/loans", nil, &body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthenticated", body.Reason)

	resp = f.doAs(t, "Bearer wrong", http.MethodGet, "/v1/loans", nil, &body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJWTScopesGateRouteGroups(t *testing.T) {
	f := newFixture(t, jwtAuth())
	reader := signJWT(t, claims(ScopeRead))

	resp := f.doAs(t, reader, http.MethodGet, "/v1/loans", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body errorBody
	resp = f.doAs(t, reader, http.MethodPost, "/v1/admin/pause", pauseRequest{Paused: true}, &body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", body.Reason)

	admin := signJWT(t, claims(ScopeRead+" "+ScopeAdmin))
	resp = f.doAs(t, admin, http.MethodGet, "/v1/admin/pause", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJWTValidation(t *testing.T) {
	f := newFixture(t, jwtAuth())
	cases := map[string]jwt.MapClaims{
		"expired": func() jwt.MapClaims {
			c := claims(ScopeRead)
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return c
		}(),
		"wrong issuer": func() jwt.MapClaims {
			c := claims(ScopeRead)
			c["iss"] = "someone-else"
			return c
		}(),
		"wrong audience": func() jwt.MapClaims {
			c := claims(ScopeRead)
			c["aud"] = "gateway"
			return c
		}(),
		"no expiry": func() jwt.MapClaims {
			c := claims(ScopeRead)
			delete(c, "exp")
			return c
		}(),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			resp := f.doAs(t, signJWT(t, c), http.MethodGet, "/v1/loans", nil, nil)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestAPITokenHeaderAndScopeList(t *testing.T) {
	a := newAuthenticator(config.AuthConfig{APITokens: []string{" spaced "}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("X-API-Token", "spaced")
	id, err := a.authenticate(req)
	require.NoError(t, err)
	require.True(t, id.has(ScopeAdmin))

	scopes := extractScopes(jwt.MapClaims{"roles": []interface{}{"loans:read", 7, "transfers:relay"}}, "roles")
	require.Equal(t, []string{"loans:read", "transfers:relay"}, scopes)
	require.Empty(t, parseBearerToken("Basic abc"))
}
