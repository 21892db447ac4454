// Package auth provides JWT Bearer token validation guarding the
// administrative circuit endpoints (force-open and reset).
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/metrics"
)

// Guard wraps an administrative handler with HS256 Bearer validation.
// When auth is disabled in config, the handler is returned unchanged —
// useful for local demos and tests.
func Guard(cfg config.AuthConfig, logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if !cfg.Enabled {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				writeAuthError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			if err := validateToken(tokenStr, cfg); err != nil {
				logger.Warn("admin auth failure", "error", err, "path", r.URL.Path)
				if isScopeError(err) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					writeAuthError(w, http.StatusForbidden, err.Error())
				} else {
					metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
					writeAuthError(w, http.StatusUnauthorized, err.Error())
				}
				return
			}

			next(w, r)
		}
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func validateToken(tokenStr string, cfg config.AuthConfig) error {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token claims")
	}

	// Validate required scopes — space-separated string per OAuth2 spec.
	if len(cfg.Scopes) > 0 {
		var scopes []string
		if scopeStr, ok := mapClaims["scope"].(string); ok {
			scopes = strings.Fields(scopeStr)
		}
		scopeSet := make(map[string]bool, len(scopes))
		for _, s := range scopes {
			scopeSet[s] = true
		}
		for _, required := range cfg.Scopes {
			if !scopeSet[required] {
				return &ScopeError{MissingScope: required}
			}
		}
	}

	return nil
}

// ScopeError indicates the token is valid but lacks required scopes.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

func isScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}

// Pre-serialized auth error body for the most common rejection (missing token).
var errBodyMissingAuth = []byte(`{"error":"Unauthorized","message":"missing or malformed Authorization header"}` + "\n")

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if status == http.StatusUnauthorized && message == "missing or malformed Authorization header" {
		w.Write(errBodyMissingAuth)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
