package access

import (
	"net/http"

	"github.com/gorilla/mux"
)

// BackdoorMiddlewareBuilder is a helper builder for BackdoorMiddleware
type BackdoorMiddlewareBuilder struct {
	// Backdoors is a mapping from a bearer token to an actual authorization
	Backdoors map[string]Authorization
}

// NewBackdoorMiddleware returns a middleware handler for a backdoor. It must be installed
// before the jwt middleware.
//
// The key for the backdoors map is the bearer token passed with the request.
//
// Example: if you specify the backdoor
//
//	"please": Authorization{Roles:[]string{"admin"}}
//
// then any request with an authorization bearer token consisting of the single
// magic word "please" will be authorized with the admin role.
//
// With curl, use -H 'Authorization: Bearer please' or pass a cookie with
// -b 'Jersey-JWT=please'
func NewBackdoorMiddleware(bmb *BackdoorMiddlewareBuilder) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := BearerToken(r)
			if len(tokenString) > 0 && bmb.Backdoors != nil {
				if auth, ok := bmb.Backdoors[tokenString]; ok {
					r = r.WithContext(ContextWithAuthorization(r.Context(), &auth))
				}
			}
			h.ServeHTTP(w, r)
		})
	}
}
