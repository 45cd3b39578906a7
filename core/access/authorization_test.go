package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/juaninavos/jerseymarket/core"
)

var categoryPermits = []Permit{
	{Role: RolePublic, Operations: []core.Operation{core.OperationRead, core.OperationList}},
}

var purchasePermits = []Permit{
	{Role: RoleEverybody, Operations: []core.Operation{core.OperationCreate, core.OperationList}},
}

func TestAuthorization_Admin(t *testing.T) {
	auth := &Authorization{Roles: []string{RoleAdmin}}
	assert.True(t, auth.IsAuthorized(core.OperationCreate, categoryPermits))
	assert.True(t, auth.IsAuthorized(core.OperationDelete, nil))

	// admin named explicitly restricts admin
	permits := []Permit{{Role: RoleAdmin, Operations: []core.Operation{core.OperationRead}}}
	assert.True(t, auth.IsAuthorized(core.OperationRead, permits))
	assert.False(t, auth.IsAuthorized(core.OperationDelete, permits))
}

func TestAuthorization_Public(t *testing.T) {
	auth := &Authorization{Roles: []string{RoleUser}}
	assert.True(t, auth.IsAuthorized(core.OperationList, categoryPermits))
	assert.False(t, auth.IsAuthorized(core.OperationCreate, categoryPermits))

	// anonymous works as well
	auth = nil
	assert.True(t, auth.IsAuthorized(core.OperationRead, categoryPermits))
	assert.False(t, auth.IsAuthorized(core.OperationCreate, categoryPermits))
}

func TestAuthorization_Everybody(t *testing.T) {
	auth := &Authorization{Roles: []string{RoleUser}}
	assert.True(t, auth.IsAuthorized(core.OperationCreate, purchasePermits))
	assert.False(t, auth.IsAuthorized(core.OperationDelete, purchasePermits))

	auth = nil
	assert.False(t, auth.IsAuthorized(core.OperationCreate, purchasePermits))
}

func TestAuthorization_Owner(t *testing.T) {
	owner := uuid.New()
	auth := NewAccountAuthorization(owner, "seller@example.com", []string{RoleUser})
	assert.True(t, auth.IsOwnerOrAdmin(owner))
	assert.False(t, auth.IsOwnerOrAdmin(uuid.New()))

	admin := NewAccountAuthorization(uuid.New(), "admin@example.com", []string{RoleAdmin})
	assert.True(t, admin.IsOwnerOrAdmin(owner))

	var anonymous *Authorization
	assert.False(t, anonymous.IsOwnerOrAdmin(owner))
	email, ok := auth.Property("email")
	assert.True(t, ok)
	assert.Equal(t, "seller@example.com", email)
}

func TestAuthorizationContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, AuthorizationFromContext(ctx))
	auth := &Authorization{Roles: []string{RoleUser}}
	ctx = ContextWithAuthorization(ctx, auth)
	assert.Equal(t, auth, AuthorizationFromContext(ctx))

	assert.Empty(t, IdentityFromContext(ctx))
	ctx = ContextWithIdentity(ctx, "buyer@example.com")
	assert.Equal(t, "buyer@example.com", IdentityFromContext(ctx))
}

func TestAuthorizationCache(t *testing.T) {
	cache := NewAuthorizationCache()
	assert.Nil(t, cache.Read("token"))
	auth := &Authorization{Roles: []string{RoleUser}}
	cache.Write("token", auth)
	assert.Equal(t, auth, cache.Read("token"))
	cache.Flush()
	assert.Nil(t, cache.Read("token"))
}

func TestHandleAuthorizationRoute(t *testing.T) {
	router := mux.NewRouter()
	HandleAuthorizationRoute(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorization", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/authorization", nil)
	req = req.WithContext(ContextWithAuthorization(req.Context(), &Authorization{Roles: []string{RoleAdmin}}))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"roles":["admin"]}`, rec.Body.String())
}
