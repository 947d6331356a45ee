// Package gateway terminates the collaboration WebSocket connections. It
// enforces the per-connection auth state machine, routes presence events to
// the session registry and edit events to the conflict engine, and exposes
// the small HTTP surface (health, readiness, comment search).
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"aegis/collab/internal/config"
	"aegis/collab/internal/conflict"
	"aegis/collab/internal/history"
	"aegis/collab/internal/ratelimit"
	"aegis/collab/internal/session"
	"aegis/collab/internal/store"
)

// DataStore persists room comments and new documents.
type DataStore interface {
	CreateThreatModel(ctx context.Context, tm *store.ThreatModel) error
	InsertComment(ctx context.Context, c store.Comment) error
	ListComments(ctx context.Context, threatModelID string) ([]store.Comment, error)
}

// Searcher serves comment search queries and accepts new comments for
// indexing.
type Searcher interface {
	Search(ctx context.Context, threatModelID, query string, limit int) ([]store.Comment, error)
	IndexComment(c store.Comment)
}

type Server struct {
	cfg      config.Config
	engine   *conflict.Engine
	registry *session.Registry
	bridge   *session.Bridge
	data     DataStore
	search   Searcher
	history  *history.Service
	limiter  *ratelimit.Limiter
	db       *sql.DB
	rdb      *redis.Client
}

// NewServer wires the gateway. bridge, search, hist, db and rdb may be nil;
// the corresponding features degrade (no cross-instance fanout, no comment
// search, no version history, readiness check skipped).
func NewServer(cfg config.Config, engine *conflict.Engine, registry *session.Registry, bridge *session.Bridge, data DataStore, searcher Searcher, hist *history.Service, db *sql.DB, rdb *redis.Client) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		bridge:   bridge,
		data:     data,
		search:   searcher,
		history:  hist,
		limiter:  ratelimit.New(cfg.EditLimit, cfg.EditWindow),
		db:       db,
		rdb:      rdb,
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	isGet := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case r.URL.Path == "/ws":
		s.handleWS(w, r)

	case isGet && r.URL.Path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case isGet && r.URL.Path == "/api/ready":
		s.handleReady(w, r)

	case r.Method == http.MethodGet && r.URL.Path == "/api/comments/search":
		s.handleCommentSearch(w, r)

	case r.Method == http.MethodGet && r.URL.Path == "/api/comments":
		s.handleListComments(w, r)

	case r.Method == http.MethodPost && r.URL.Path == "/api/threat-models":
		s.handleCreateModel(w, r)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/threat-models/"):
		s.handleHistory(w, r)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	tm := &store.ThreatModel{
		ID:         body.ID,
		Name:       body.Name,
		Components: map[string]*store.Component{},
		DataFlows:  map[string]*store.DataFlow{},
		Threats:    map[string]*store.Threat{},
	}
	if err := s.data.CreateThreatModel(r.Context(), tm); err != nil {
		writeError(w, http.StatusInternalServerError, "CREATE_FAILED", "Could not create threat model", nil)
		return
	}
	writeJSON(w, http.StatusCreated, tm)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	threatModelID := r.URL.Query().Get("threatModelId")
	if threatModelID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threatModelId is required", nil)
		return
	}
	comments, err := s.data.ListComments(r.Context(), threatModelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", "Could not list comments", nil)
		return
	}
	if comments == nil {
		comments = []store.Comment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

// handleHistory serves /api/threat-models/{id}/history and
// /api/threat-models/{id}/history/{hash}.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history is not configured", nil)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/threat-models/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "history":
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
				return
			}
			limit = parsed
		}
		versions, err := s.history.Versions(parts[0], limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "HISTORY_FAILED", "Could not read version history", nil)
			return
		}
		if versions == nil {
			versions = []history.Version{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})

	case len(parts) == 3 && parts[1] == "history" && parts[2] != "":
		tm, err := s.history.StateAt(parts[0], parts[2])
		if err != nil {
			writeError(w, http.StatusNotFound, "VERSION_NOT_FOUND", "No such version", nil)
			return
		}
		writeJSON(w, http.StatusOK, tm)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	checks := map[string]any{}

	if s.db != nil {
		checks["database"] = map[string]any{"status": "ok"}
		if err := s.db.PingContext(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}
	if s.rdb != nil {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"checks": checks,
	})
}

func (s *Server) handleCommentSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Comment search is not configured", nil)
		return
	}

	threatModelID := r.URL.Query().Get("threatModelId")
	query := r.URL.Query().Get("q")
	if threatModelID == "" || query == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threatModelId and q are required", nil)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	results, err := s.search.Search(r.Context(), threatModelID, query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SEARCH_FAILED", "Comment search failed", nil)
		return
	}
	if results == nil {
		results = []store.Comment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": results})
}
