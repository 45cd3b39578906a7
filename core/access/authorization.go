/*
Package access provides authentication and access control for the marketplace

Authorizations are added to a request context with

	ctx = ContextWithAuthorization(ctx, auth)

and retrieved with

	auth := AuthorizationFromContext(ctx)

Authorization objects are added to the context by middleware, depending on the
bearer token in the HTTP request. Tokens are JWTs issued by the marketplace at
login. For the benefit of simple frontend development, the token is also accepted
as a Jersey-JWT cookie.
*/
package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// the well-known roles
const (
	// RoleAdmin may do everything, unless a permit says otherwise
	RoleAdmin = "admin"
	// RoleUser is the role of every registered account
	RoleUser = "user"
	// RolePublic applies to every request, authenticated or not
	RolePublic = "public"
	// RoleEverybody applies to every authenticated request
	RoleEverybody = "everybody"
)

type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

// Authorization is a context object which stores authorization information
// for an account.
type Authorization struct {
	Roles      []string             `json:"roles"`
	Resources  map[string]uuid.UUID `json:"resources,omitempty"`
	Properties map[string]string    `json:"properties,omitempty"`
}

// NewAccountAuthorization returns the authorization for an account with the given roles
func NewAccountAuthorization(accountID uuid.UUID, email string, roles []string) *Authorization {
	return &Authorization{
		Roles:      roles,
		Resources:  map[string]uuid.UUID{"account_id": accountID},
		Properties: map[string]string{"email": email},
	}
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Identifier returns the identifier for the requested resource; if the
// identifier does not exist, it returns an empty uuid and false.
func (a *Authorization) Identifier(resource string) (uuid.UUID, bool) {
	if a == nil || a.Resources == nil {
		return uuid.UUID{}, false
	}
	value, ok := a.Resources[resource+"_id"]
	return value, ok
}

// AccountID is a shortcut for Identifier("account")
func (a *Authorization) AccountID() (uuid.UUID, bool) {
	return a.Identifier("account")
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// IsOwnerOrAdmin returns true if the authorization belongs to the owner account or has the admin role
func (a *Authorization) IsOwnerOrAdmin(ownerID uuid.UUID) bool {
	if a.HasRole(RoleAdmin) {
		return true
	}
	id, ok := a.AccountID()
	return ok && id == ownerID
}

// Permit grants a role a list of operations
type Permit struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
}

// IsAuthorized returns true if the authorization is authorized for the requested
// operation according to the passed permits.
//
// The "admin" role is always authorized by default, unless it is named explicitly in the permits.
// A permit for "public" applies to all requests, including anonymous ones. A permit for "everybody"
// applies to all authenticated requests.
func (a *Authorization) IsAuthorized(operation core.Operation, permits []Permit) bool {
	var roles []string
	if a != nil {
		roles = append(roles, a.Roles...)
		roles = append(roles, RoleEverybody)
	}
	roles = append(roles, RolePublic)

	adminNamed := false
	for _, permit := range permits {
		if permit.Role == RoleAdmin {
			adminNamed = true
		}
	}
	if a.HasRole(RoleAdmin) && !adminNamed {
		return true
	}

	for _, role := range roles {
		for _, permit := range permits {
			if permit.Role != role {
				continue
			}
			for _, o := range permit.Operations {
				if o == operation {
					return true
				}
			}
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return a
}

// ContextWithIdentity returns a new context with the authenticated identity (the account's email)
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	s, _ := ctx.Value(contextKeyIdentity).(string)
	return s
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// jwt middleware to cache authorization objects for bearer tokens, so that the
// account does not have to be looked up for every single request.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// Token should be the temporary token the authorization was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.cache[token]
}

// Write stores an authorization in the in-memory cache.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// Flush empties the cache. Call it after roles or account states have changed.
func (a *AuthorizationCache) Flush() {
	a.mutex.Lock()
	a.cache = make(map[string]*Authorization)
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.Marshal(auth)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)
}
