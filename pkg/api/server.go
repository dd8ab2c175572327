package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stratalabs/strata/pkg/ledger"
	"github.com/stratalabs/strata/pkg/link"
	"github.com/stratalabs/strata/pkg/membrane"
	"github.com/stratalabs/strata/pkg/projection"
	"github.com/stratalabs/strata/pkg/stream"
)

// maxCommitBody bounds commit request bodies.
const maxCommitBody = 1 << 20 // 1MB

// ProjectionSet bundles the built-in read models behind the query surface.
type ProjectionSet struct {
	Engine   *projection.Engine
	Timeline *projection.TimelineProjection
	Jobs     *projection.JobsProjection
	Presence *projection.PresenceProjection
}

// Server exposes the ledger over HTTP.
type Server struct {
	engine      *ledger.Engine
	store       ledger.Store
	hub         *stream.Hub
	projections ProjectionSet
	permits     *membrane.PermitIssuer
	limiter     *RateLimiter
	logger      *slog.Logger
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Engine      *ledger.Engine
	Store       ledger.Store
	Hub         *stream.Hub
	Projections ProjectionSet
	Permits     *membrane.PermitIssuer // nil disables POST /v1/permits
	Limiter     *RateLimiter           // nil disables rate limiting
	Logger      *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		engine:      cfg.Engine,
		store:       cfg.Store,
		hub:         cfg.Hub,
		projections: cfg.Projections,
		permits:     cfg.Permits,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the routed, middleware-wrapped handler. Container ids
// containing "/" are percent-encoded into a single path segment.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/containers/{id}/commit", s.handleCommit)
	mux.HandleFunc("GET /v1/containers/{id}", s.handleState)
	mux.HandleFunc("GET /v1/containers/{id}/entries", s.handleEntries)
	mux.HandleFunc("GET /v1/containers/{id}/tail", s.handleTail)
	mux.HandleFunc("GET /v1/containers/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/atoms/{hash}", s.handleAtom)
	mux.HandleFunc("GET /v1/projections/{name}", s.handleProjection)
	mux.HandleFunc("POST /v1/permits", s.handlePermit)

	mws := []Middleware{RequestID, RequestLog(s.logger), Recover(s.logger)}
	if s.limiter != nil {
		mws = append(mws, s.limiter.Middleware)
	}
	return Chain(mux, mws...)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBody)
	var draft link.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		WriteBadRequest(w, r, "invalid draft body: "+err.Error())
		return
	}
	if draft.ContainerID == "" {
		draft.ContainerID = containerID
	}
	if draft.ContainerID != containerID {
		WriteBadRequest(w, r, "draft container_id does not match the request path")
		return
	}

	ctx := r.Context()
	if tenant := r.Header.Get("X-Tenant"); tenant != "" {
		ctx = membrane.WithTenant(ctx, tenant)
	}

	receipt, err := s.engine.Commit(ctx, &draft)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.State(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")
	from, err := queryUint(r, "from", 0)
	if err != nil {
		WriteBadRequest(w, r, "from must be a non-negative integer")
		return
	}
	limit, err := queryUint(r, "limit", 100)
	if err != nil || limit == 0 || limit > 1000 {
		WriteBadRequest(w, r, "limit must be between 1 and 1000")
		return
	}

	entries, err := s.store.Range(r.Context(), containerID, from, int(limit))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"container_id": containerID,
		"entries":      entries,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")
	n, err := s.engine.VerifyChain(r.Context(), containerID)
	if err != nil {
		WriteProblem(w, r, http.StatusConflict, "", "Chain Verification Failed", err.Error(), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"container_id": containerID,
		"verified":     n,
	})
}

func (s *Server) handleAtom(w http.ResponseWriter, r *http.Request) {
	payload, err := s.store.Atom(r.Context(), r.PathValue("hash"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			WriteNotFound(w, r, "no atom with that hash")
			return
		}
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Consistency", "eventual")

	switch r.PathValue("name") {
	case "timeline":
		containerID := r.URL.Query().Get("container")
		if containerID == "" {
			WriteBadRequest(w, r, "timeline requires a container parameter")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"container_id": containerID,
			"messages":     s.projections.Timeline.Timeline(containerID),
		})
	case "jobs":
		if jobID := r.URL.Query().Get("job_id"); jobID != "" {
			job, ok := s.projections.Jobs.Job(jobID)
			if !ok {
				WriteNotFound(w, r, "no such job")
				return
			}
			writeJSON(w, http.StatusOK, job)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": s.projections.Jobs.Jobs()})
	case "presence":
		if actor := r.URL.Query().Get("actor"); actor != "" {
			ts, ok := s.projections.Presence.LastSeen(actor)
			if !ok {
				WriteNotFound(w, r, "no presence for that actor")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"actor": actor, "last_seen": ts})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"actors": s.projections.Presence.Actors()})
	default:
		WriteNotFound(w, r, "no such projection")
	}
}

func (s *Server) handlePermit(w http.ResponseWriter, r *http.Request) {
	if s.permits == nil {
		WriteNotFound(w, r, "permit issuance is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBody)
	var req membrane.PermitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid permit request: "+err.Error())
		return
	}
	grant, err := s.permits.RequestPermit(req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
