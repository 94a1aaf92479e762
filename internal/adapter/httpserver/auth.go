package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Token string
	Role  string
}

type principalKey struct{}

// PrincipalFrom returns the request principal; anonymous/free when auth is
// disabled or the middleware did not run.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{Token: domain.AnonymousToken, Role: domain.RoleFree}
}

// ContextWithPrincipal attaches p for downstream handlers (exported for tests).
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// API keys are "cui_sk_" plus 43 URL-safe base64 chars (32 random bytes).
var apiKeyPattern = regexp.MustCompile(`^cui_sk_[A-Za-z0-9_-]{43}$`)

// HashAPIKey returns the lookup hash for a presented key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// Auth resolves the Bearer API key to a principal. With auth disabled every
// request runs as the anonymous free-tier principal.
func Auth(keys domain.APIKeyStore, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				ctx := ContextWithPrincipal(r.Context(), Principal{Token: domain.AnonymousToken, Role: domain.RoleFree})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, fmt.Errorf("%w: missing Authorization header", domain.ErrUnauthorized), nil)
				return
			}
			key, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !apiKeyPattern.MatchString(key) {
				writeError(w, r, fmt.Errorf("%w: malformed API key", domain.ErrUnauthorized), nil)
				return
			}

			rec, err := keys.GetAPIKey(r.Context(), HashAPIKey(key))
			if err != nil {
				if errors.Is(err, domain.ErrKVUnavailable) {
					writeError(w, r, err, nil)
					return
				}
				writeError(w, r, fmt.Errorf("%w: unknown API key", domain.ErrUnauthorized), nil)
				return
			}
			if !rec.IsActive {
				writeError(w, r, fmt.Errorf("%w: API key disabled", domain.ErrForbidden), nil)
				return
			}

			ctx := ContextWithPrincipal(r.Context(), Principal{Token: rec.UserID, Role: rec.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
