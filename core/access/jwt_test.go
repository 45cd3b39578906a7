package access

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssueAndParse(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), "jerseymarket", time.Hour)
	accountID := uuid.New()

	token, expiresAt, err := issuer.Issue(accountID, "buyer@example.com", []string{RoleUser})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, accountID, claims.AccountID)
	assert.Equal(t, "buyer@example.com", claims.Email)
	assert.Equal(t, []string{RoleUser}, claims.Roles)
}

func TestTokenRejected(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), "jerseymarket", time.Hour)
	token, _, err := issuer.Issue(uuid.New(), "buyer@example.com", nil)
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("other secret"), "jerseymarket", time.Hour)
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewTokenIssuer([]byte("secret"), "somebody else", time.Hour)
	_, err = foreign.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewTokenIssuer([]byte("secret"), "jerseymarket", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err = expired.Issue(uuid.New(), "buyer@example.com", nil)
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", BearerToken(req))
}

func newProtectedRouter(mw ...mux.MiddlewareFunc) (*mux.Router, **Authorization) {
	router := mux.NewRouter()
	for _, m := range mw {
		router.Use(m)
	}
	var seen *Authorization
	router.HandleFunc("/accounts/me", func(w http.ResponseWriter, r *http.Request) {
		seen = AuthorizationFromContext(r.Context())
	})
	return router, &seen
}

func TestJwtMiddleware(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), "jerseymarket", time.Hour)
	accountID := uuid.New()
	blocked := uuid.New()
	lookups := 0

	router, seen := newProtectedRouter(NewJwtMiddleware(&JwtMiddlewareBuilder{
		Issuer: issuer,
		Cache:  NewAuthorizationCache(),
		Lookup: func(ctx context.Context, claims *Claims) (*Authorization, error) {
			lookups++
			if claims.AccountID == blocked {
				return nil, nil
			}
			return NewAccountAuthorization(claims.AccountID, claims.Email, []string{RoleUser, RoleAdmin}), nil
		},
	}))

	// anonymous passes through
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/me", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, *seen)

	token, _, err := issuer.Issue(accountID, "buyer@example.com", []string{RoleUser})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, *seen)
		assert.True(t, (*seen).HasRole(RoleAdmin), "roles come from the lookup, not the token")
	}
	assert.Equal(t, 1, lookups, "second request is served from the cache")

	// invalid token
	req := httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// blocked account
	token, _, err = issuer.Issue(blocked, "blocked@example.com", []string{RoleUser})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJwtMiddlewareLookupFailure(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), "jerseymarket", time.Hour)
	router, _ := newProtectedRouter(NewJwtMiddleware(&JwtMiddlewareBuilder{
		Issuer: issuer,
		Lookup: func(ctx context.Context, claims *Claims) (*Authorization, error) {
			return nil, errors.New("database down")
		},
	}))
	token, _, err := issuer.Issue(uuid.New(), "buyer@example.com", nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBackdoorMiddleware(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), "jerseymarket", time.Hour)
	router, seen := newProtectedRouter(
		NewBackdoorMiddleware(&BackdoorMiddlewareBuilder{
			Backdoors: map[string]Authorization{"please": {Roles: []string{RoleAdmin}}},
		}),
		NewJwtMiddleware(&JwtMiddlewareBuilder{Issuer: issuer}),
	)
	req := httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer please")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, *seen)
	assert.True(t, (*seen).HasRole(RoleAdmin))
}
