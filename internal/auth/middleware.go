package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/posterbeat/posterbeat/internal/audit"
)

type identityContextKey struct{}

// ContextWithIdentity returns a context carrying the verified identity. This
// is primarily for test usage; production code relies on Middleware.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity set by the middleware, or false if
// none is present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// RequireIdentityFromContext returns the identity from the context, panicking
// if absent. This should only occur when a handler is mounted outside the
// auth middleware chain.
func RequireIdentityFromContext(ctx context.Context) Identity {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		panic("identity not present in context, likely used outside of the auth middleware")
	}
	return id
}

// Credential extracts the presented credential from a request: a bearer
// token from the Authorization header, or the X-API-Key header.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

// Middleware verifies the request credential against the gate, placing the
// resolved identity in the request context. Verification failures terminate
// the request with a 401 and are recorded on the audit entry.
func Middleware(gate *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := gate.Verify(Credential(r))
			if err != nil {
				entry := audit.Log(r.Context())
				entry.Error = "credential verification failed: " + err.Error()

				log.Info().Err(err).Msg("unauthorized request")
				unauthorized(w)
				return
			}

			entry := audit.Log(r.Context())
			entry.Authorized = true
			entry.Principal = identity.Principal
			entry.AuthMethod = string(identity.Method)

			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	body := struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}{Kind: "unauthorized", Error: "credential missing or invalid"}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Info().Msgf("failed to write unauthorized response: %v", err)
	}
}
