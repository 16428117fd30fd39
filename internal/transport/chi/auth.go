package chi

import (
	"context"
	"net/http"
	"strings"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// exemptPaths are routes that bypass authentication (health, status, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/status":  {},
	"/metrics": {},
}

type identityKey struct{}

// ContextWithIdentity stores the caller identity in the context.
func ContextWithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, domain.Anonymous when unknown.
func IdentityFromContext(ctx context.Context) domain.Identity {
	if id, ok := ctx.Value(identityKey{}).(domain.Identity); ok && id != "" {
		return id
	}
	return domain.Anonymous
}

// BearerAuthMiddleware returns a middleware that validates Bearer tokens.
// apiKeys maps each key to the user id its requests are admitted and billed as.
// If apiKeys is empty, authentication is disabled and callers are anonymous.
func BearerAuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	validKeys := make(map[string]domain.Identity, len(apiKeys))
	for k, user := range apiKeys {
		if k != "" && user != "" {
			validKeys[k] = domain.Identity(user)
		}
	}

	return func(next http.Handler) http.Handler {
		// Auth disabled, every caller is anonymous
		if len(validKeys) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exempt paths
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				writeError(w, http.StatusUnauthorized,
					CodeUnauthorized, "authorization header must use Bearer scheme")
				return
			}

			token := auth[len(bearerPrefix):]
			id, ok := validKeys[token]
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}
