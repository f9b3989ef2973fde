package gateway

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/basket/conductor/internal/audit"
)

// publicPaths answer without a token: liveness probes must not need the
// operator's credential.
var publicPaths = []string{"/healthz"}

// requireToken rejects requests that do not present token. An empty token
// turns the check off; the daemon always resolves a non-empty one.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(publicPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			got := bearerToken(r)
			switch {
			case got == "":
				denyAuth(r, "missing_token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="conductor"`)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				denyAuth(r, "invalid_token")
				writeError(w, http.StatusForbidden, "FORBIDDEN", "invalid bearer token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func denyAuth(r *http.Request, reason string) {
	audit.Record(audit.Entry{
		Kind:     audit.KindAuth,
		Decision: audit.DecisionDeny,
		Subject:  r.Method + " " + r.URL.Path,
		Reason:   reason,
		Detail:   "remote=" + clientIP(r),
	})
}

// bearerToken reads the Authorization bearer credential, then X-API-Key,
// then ?api_key= for websocket dials from browsers, which cannot set
// headers.
func bearerToken(r *http.Request) string {
	if scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(cred)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
