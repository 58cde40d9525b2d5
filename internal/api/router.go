package api

import (
	"collabsync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func SetupRoutes(h *Handler, authn middleware.Authenticator, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(log))
	r.Use(middleware.ErrorRecoveryMiddleware(log))
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Health endpoints are unauthenticated
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/health/metrics", h.Metrics).Methods("GET")

	// Document endpoints
	docs := api.PathPrefix("/documents").Subrouter()
	docs.Use(middleware.AuthMiddleware(authn))
	docs.HandleFunc("", h.CreateDocument).Methods("POST")
	docs.HandleFunc("", h.ListDocuments).Methods("GET")
	docs.HandleFunc("/{id}", h.GetDocument).Methods("GET")
	docs.HandleFunc("/{id}", h.DeleteDocument).Methods("DELETE")
	docs.HandleFunc("/{id}/access", h.SetAccess).Methods("PUT")
	docs.HandleFunc("/{id}/operations", h.ListOperations).Methods("GET")

	// WebSocket route
	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
