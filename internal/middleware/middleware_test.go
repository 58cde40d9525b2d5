package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collabsync/internal/auth"
	"collabsync/internal/models"

	"github.com/rs/zerolog"
)

func TestTracingMiddlewareLogsAndTagsRequest(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	var seenID string
	h := TracingMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if seenID == "" || seenID == "unknown" {
		t.Fatalf("request id not in context: %q", seenID)
	}
	if rec.Header().Get("X-Request-ID") != seenID {
		t.Errorf("header id %q, context id %q", rec.Header().Get("X-Request-ID"), seenID)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, buf.String())
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["path"] != "/api/health" || entry["bytes"] != float64(15) {
		t.Errorf("log entry = %v", entry)
	}
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetRequestID(r.Context()); got != "unknown" {
		t.Errorf("GetRequestID = %q", got)
	}
}

func TestErrorRecoveryMiddleware(t *testing.T) {
	h := ErrorRecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/documents", nil))

	if called {
		t.Error("preflight reached the handler")
	}
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("status %d headers %v", rec.Code, rec.Header())
	}
}

func TestAuthMiddleware(t *testing.T) {
	authn := auth.NewAuthenticator("secret")
	token, err := auth.NewIssuer("secret", time.Hour).Issue(models.UserInfo{ID: "u1", Name: "Ursula"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var user *models.UserInfo
	h := AuthMiddleware(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ = auth.UserFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user = nil
			req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && (user == nil || user.ID != "u1") {
				t.Errorf("user in context = %+v", user)
			}
			if tt.want != http.StatusOK && !strings.Contains(rec.Body.String(), "error") {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}
