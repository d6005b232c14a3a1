// Package middleware carries the HTTP middleware shared by the lobby API:
// bearer-token authentication for worker queues and admin endpoints, and
// panic recovery.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"

	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

// TokenFunc resolves the expected token for a request (e.g. per-queue
// pre-shared tokens). Empty means no token is configured and the request
// is rejected.
type TokenFunc func(r *http.Request) string

// Bearer enforces `Authorization: Bearer <token>` against the expected
// token. A bad token never consumes queue state.
func Bearer(expected TokenFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := expected(r)
		got := bearerToken(r)
		if want == "" || got == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			apperrors.WriteHTTP(w, apperrors.Newf(apperrors.AuthUnauthorized, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Recoverer converts panics into 500s instead of dropping the connection.
func Recoverer(log *telemetry.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = telemetry.Nop
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic", map[string]any{
					"path":  r.URL.Path,
					"panic": rec,
					"stack": string(debug.Stack()),
				})
				apperrors.WriteHTTP(w, apperrors.Newf(apperrors.Internal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
