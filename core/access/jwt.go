package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// CookieName is the name of the cookie which may carry the bearer token
const CookieName = "Jersey-JWT"

// DefaultTokenLifetime is the lifetime of issued tokens unless configured otherwise
const DefaultTokenLifetime = 24 * time.Hour

// ErrInvalidToken is returned for tokens which cannot be verified
var ErrInvalidToken = errors.New("invalid token")

// Claims are the claims of a marketplace access token
type Claims struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies HS256 signed access tokens
type TokenIssuer struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenIssuer creates a token issuer. A lifetime of 0 selects DefaultTokenLifetime.
func NewTokenIssuer(secret []byte, issuer string, lifetime time.Duration) *TokenIssuer {
	if len(secret) == 0 {
		panic("token issuer requires a secret")
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &TokenIssuer{secret: secret, issuer: issuer, lifetime: lifetime, now: time.Now}
}

// Issuer returns the name of the issuer
func (t *TokenIssuer) Issuer() string {
	return t.issuer
}

// Issue returns a signed token for the account and its expiry time
func (t *TokenIssuer) Issue(accountID uuid.UUID, email string, roles []string) (string, time.Time, error) {
	now := t.now().UTC()
	expiresAt := now.Add(t.lifetime)
	claims := Claims{
		AccountID: accountID,
		Email:     email,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   accountID.String(),
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies the token's signature, expiry and issuer and returns its claims
func (t *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	if !token.Valid || claims.Issuer != t.issuer || claims.AccountID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the bearer token from the Authorization header or the Jersey-JWT cookie
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie(CookieName); cookie != nil {
		return cookie.Value
	}
	return ""
}

// AuthorizationLookup resolves the current authorization for verified claims. It returns
// nil if the account no longer exists or has been blocked.
type AuthorizationLookup func(ctx context.Context, claims *Claims) (*Authorization, error)

// JwtMiddlewareBuilder is a helper builder for JwtMiddleware
type JwtMiddlewareBuilder struct {
	// Issuer verifies the tokens. This is mandatory.
	Issuer *TokenIssuer
	// Lookup resolves the authorization from the database. If it is nil, the roles from the
	// token claims are used as they are.
	Lookup AuthorizationLookup
	// Cache caches looked up authorizations per token. Optional.
	Cache *AuthorizationCache
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer token.
//
// Requests without a token pass through unauthenticated. Requests with an invalid
// token, or a token for a blocked account, are rejected with http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if jmb.Issuer == nil {
		panic("jwt middleware requires a token issuer")
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := BearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			rlog := logger.FromContext(r.Context())
			claims, err := jmb.Issuer.Parse(tokenString)
			if err != nil {
				rlog.WithError(err).Debugln("rejected bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := ContextWithIdentity(r.Context(), claims.Email)
			ctx, rlog = logger.ContextWithLoggerIdentity(ctx, claims.Email)

			var auth *Authorization
			if jmb.Cache != nil {
				auth = jmb.Cache.Read(tokenString)
			}
			if auth == nil {
				if jmb.Lookup != nil {
					auth, err = jmb.Lookup(ctx, claims)
					if err != nil {
						rlog.WithError(err).Errorln("Error 4723: cannot look up authorization")
						http.Error(w, core.ErrorCode(4723, ""), http.StatusInternalServerError)
						return
					}
					if auth == nil {
						http.Error(w, "account is blocked or does not exist", http.StatusUnauthorized)
						return
					}
				} else {
					auth = NewAccountAuthorization(claims.AccountID, claims.Email, claims.Roles)
				}
				if jmb.Cache != nil {
					jmb.Cache.Write(tokenString, auth)
				}
			}

			ctx = ContextWithAuthorization(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
