package middleware

import (
	"encoding/json"
	"net/http"

	"collabsync/internal/auth"
	"collabsync/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Authenticator verifies the bearer credential of a request
type Authenticator interface {
	Authenticate(r *http.Request) (*models.UserInfo, error)
}

// AuthMiddleware rejects requests without a valid bearer token and puts
// the user into the request context for handlers
func AuthMiddleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := a.Authenticate(r)
			if err != nil {
				AddSpanError(r.Context(), err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", user.ID))
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}
