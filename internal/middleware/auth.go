package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// subjectHeader is the header the gateway injects onto the forwarded
// request once a JWT's "sub" claim has been verified, so the chosen
// backend receives the caller's identity without having to re-verify the
// token itself.
const subjectHeader = "X-Auth-Subject"

// JWTAuth returns a middleware that enforces Bearer JWT authentication using
// HMAC-SHA256 (HS256). Tokens must be present in the Authorization header as
// "Bearer <token>". On success the token's "sub" claim, if present, is
// forwarded to the backend in the X-Auth-Subject header — the same
// injected-header convention internal/proxy uses for X-Forwarded-For et al.
//
//   - secret  — the shared HMAC signing secret.
//   - exclude — exact URL paths that bypass authentication (e.g. "/healthz").
//
// Returns 401 Unauthorized when the header is missing or the token is invalid.
//
// ⚠  In production the secret should come from an environment variable or a
// secrets manager, not from the config file on disk.
func JWTAuth(secret string, exclude []string) func(http.Handler) http.Handler {
	key := []byte(secret)

	excludeSet := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		excludeSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow excluded paths through without any token check.
			if _, ok := excludeSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			reqID := r.Header.Get("X-Request-Id") // set by the outer Logger middleware

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				slog.Warn("auth: missing or malformed Authorization header",
					"request_id", reqID,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				// Reject any algorithm that is not HMAC to prevent the "alg:none" attack.
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return key, nil
			})

			if err != nil || !token.Valid {
				slog.Warn("auth: invalid JWT",
					"request_id", reqID,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			r.Header.Del(subjectHeader) // never trust a caller-supplied value
			if sub, ok := claims["sub"].(string); ok && sub != "" {
				r.Header.Set(subjectHeader, sub)
			}

			next.ServeHTTP(w, r)
		})
	}
}
