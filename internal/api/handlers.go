package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"collabsync/internal/auth"
	"collabsync/internal/crdt"
	"collabsync/internal/models"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	docs    DocumentStore
	access  AccessStore
	oplog   OperationLog
	engine  SyncEngine
	rooms   Rooms
	metrics GatewayMetrics
	db      Pinger
	core    crdt.Core
	ws      http.Handler
	log     zerolog.Logger
}

// Deps groups the handler's collaborators
type Deps struct {
	Documents DocumentStore
	Access    AccessStore
	Oplog     OperationLog
	Engine    SyncEngine
	Rooms     Rooms
	Metrics   GatewayMetrics
	DB        Pinger
	Core      crdt.Core
	WebSocket http.Handler
}

func NewHandler(d Deps, log zerolog.Logger) *Handler {
	return &Handler{
		docs:    d.Documents,
		access:  d.Access,
		oplog:   d.Oplog,
		engine:  d.Engine,
		rooms:   d.Rooms,
		metrics: d.Metrics,
		db:      d.DB,
		core:    d.Core,
		ws:      d.WebSocket,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// DocumentView is a document with its live state
type DocumentView struct {
	*models.Document
	Role    models.Role `json:"role"`
	State   []byte      `json:"state"`
	Version uint64      `json:"version"`
}

type accessRequest struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"` // empty revokes
}

// Document handlers

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req models.DocumentCreate
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	// Learning: Every document starts as the encoding of an empty replica,
	// so the first join always has a loadable snapshot
	doc, err := h.docs.Create(r.Context(), req.Title, user.ID, h.core.New().Encode())
	if err != nil {
		h.internalError(w, err, "failed to create document")
		return
	}

	respondJSON(w, http.StatusCreated, doc)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	documents, err := h.docs.ListForUser(r.Context(), user.ID, limit, offset)
	if err != nil {
		h.internalError(w, err, "failed to list documents")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	role, ok := h.authorize(w, r, id, models.RoleViewer)
	if !ok {
		return
	}

	doc, err := h.docs.GetByID(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}

	state, err := h.engine.GetState(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.releaseIdle(r, id)

	doc.VectorClock = state.VectorClock
	doc.LastModified = state.LastModified

	respondJSON(w, http.StatusOK, DocumentView{
		Document: doc,
		Role:     role,
		State:    state.Encoded,
		Version:  state.Version,
	})
}

func (h *Handler) SetAccess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := h.authorize(w, r, id, models.RoleOwner); !ok {
		return
	}

	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	doc, err := h.docs.GetByID(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if req.UserID == doc.OwnerID {
		respondError(w, http.StatusBadRequest, "the owner's role cannot be changed")
		return
	}

	switch req.Role {
	case models.RoleNone:
		err = h.access.Revoke(r.Context(), id, req.UserID)
	case models.RoleViewer, models.RoleEditor:
		err = h.access.Grant(r.Context(), id, req.UserID, req.Role)
	default:
		respondError(w, http.StatusBadRequest, "role must be viewer, editor or empty")
		return
	}
	if err != nil {
		h.internalError(w, err, "failed to update access")
		return
	}

	grants, err := h.access.ListAccess(r.Context(), id)
	if err != nil {
		h.internalError(w, err, "failed to list access")
		return
	}

	h.log.Info().
		Str("document_id", id).
		Str("user_id", req.UserID).
		Str("role", string(req.Role)).
		Msg("access changed")

	respondJSON(w, http.StatusOK, map[string]interface{}{"access": grants})
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := h.authorize(w, r, id, models.RoleOwner); !ok {
		return
	}

	// flush and drop the replica first so nothing writes a snapshot afterwards
	if err := h.engine.Evict(r.Context(), id); err != nil {
		h.log.Warn().Err(err).Str("document_id", id).Msg("evict before delete failed")
	}

	if err := h.docs.Delete(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	if err := h.oplog.DeleteByDocument(r.Context(), id); err != nil {
		h.log.Warn().Err(err).Str("document_id", id).Msg("failed to drop operation log")
	}

	h.log.Info().Str("document_id", id).Msg("document deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := h.authorize(w, r, id, models.RoleViewer); !ok {
		return
	}

	after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	if err != nil && r.URL.Query().Get("after") != "" {
		respondError(w, http.StatusBadRequest, "after must be a sequence number")
		return
	}

	entries, err := h.oplog.Query(r.Context(), id, after)
	if err != nil {
		h.internalError(w, err, "failed to query operations")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"after":       after,
		"operations":  entries,
	})
}

// Health handlers

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, dbStatus, code := "ok", "up", http.StatusOK
	if err := h.db.Ping(); err != nil {
		h.log.Error().Err(err).Msg("database ping failed")
		status, dbStatus, code = "degraded", "down", http.StatusServiceUnavailable
	}

	m := h.metrics.Snapshot()
	respondJSON(w, code, map[string]interface{}{
		"status":             status,
		"database":           dbStatus,
		"connections":        m.Connections,
		"average_latency_ms": m.AverageLatencyMs,
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateway": h.metrics.Snapshot(),
		"engine":  h.engine.Stats(),
		"rooms":   h.rooms.RoomCount(),
	})
}

// authorize checks the caller's role on a document and writes the error
// response when it is not enough
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, documentID string, min models.Role) (models.Role, bool) {
	user, _ := auth.UserFromContext(r.Context())

	role, err := h.access.RoleOf(r.Context(), documentID, user.ID)
	if err != nil {
		h.storeError(w, err)
		return role, false
	}
	if !role.AtLeast(min) {
		respondError(w, http.StatusForbidden, "access denied")
		return role, false
	}
	return role, true
}

// releaseIdle drops a replica loaded only to serve a REST read
func (h *Handler) releaseIdle(r *http.Request, documentID string) {
	if h.rooms.MemberCount(documentID) > 0 {
		return
	}
	if err := h.engine.Evict(r.Context(), documentID); err != nil {
		h.log.Debug().Err(err).Str("document_id", documentID).Msg("replica kept in memory")
	}
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrDocumentNotFound) {
		respondError(w, http.StatusNotFound, "document not found")
		return
	}
	h.internalError(w, err, "storage error")
}

func (h *Handler) internalError(w http.ResponseWriter, err error, msg string) {
	h.log.Error().Err(err).Msg(msg)
	respondError(w, http.StatusInternalServerError, msg)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
