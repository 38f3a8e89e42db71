// Package leased is an in-memory lease service for development and tests.
//
// It implements the HTTP protocol consumed by the core lease client: rented
// time budgets per owner, authoritative expiry refreshed by heartbeats, and
// exactly-once destruction with consumed-minute accounting.
package leased

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/auricle-ai/auricle/pkg/core/lease"
)

// DefaultBudget is the time budget granted to an owner that has no
// recorded balance yet.
const DefaultBudget = 60 * time.Minute

// Options configures a Server.
type Options struct {
	// Budget is the initial per-owner time budget. Default: DefaultBudget.
	Budget time.Duration
	// AuthToken, when set, is required as a bearer token on every request.
	AuthToken string
	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

type record struct {
	ownerID   string
	startedAt time.Time
	expiresAt time.Time
	ended     bool
	endResp   lease.EndResponse
}

// Server holds all lease state in memory.
type Server struct {
	log    *slog.Logger
	budget time.Duration
	token  string
	now    func() time.Time

	mu        sync.Mutex
	leases    map[string]*record
	remaining map[string]time.Duration
}

// New creates a Server with the given options.
func New(opts Options) *Server {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Server{
		log:       opts.Logger,
		budget:    opts.Budget,
		token:     opts.AuthToken,
		now:       opts.Clock,
		leases:    make(map[string]*record),
		remaining: make(map[string]time.Duration),
	}
}

// Handler returns the HTTP handler for the lease API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.token != "" {
		r.Use(s.requireToken)
	}
	r.Post("/v1/leases", s.handleStart)
	r.Post("/v1/leases/{id}/heartbeat", s.handleHeartbeat)
	r.Post("/v1/leases/{id}/end", s.handleEnd)
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req lease.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "undecodable request body")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "owner_id must not be empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, ok := s.remaining[req.OwnerID]
	if !ok {
		remaining = s.budget
		s.remaining[req.OwnerID] = remaining
	}
	if remaining <= 0 {
		writeError(w, http.StatusForbidden, "budget_exhausted", "owner has no remaining time")
		return
	}

	now := s.now()
	id := uuid.NewString()
	rec := &record{
		ownerID:   req.OwnerID,
		startedAt: now,
		expiresAt: now.Add(remaining),
	}
	s.leases[id] = rec

	s.log.Info("lease started",
		slog.String("session_id", id),
		slog.String("owner_id", req.OwnerID),
		slog.Duration("remaining", remaining))

	writeJSON(w, http.StatusOK, lease.StartResponse{
		SessionID:   id,
		ServerNow:   now,
		ExpiresAt:   rec.expiresAt,
		RemainingMS: remaining.Milliseconds(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.leases[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	if rec.ended {
		writeError(w, http.StatusConflict, "ended", "session already ended")
		return
	}

	now := s.now()
	remaining := rec.expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, lease.HeartbeatResponse{
		ServerNow:   now,
		ExpiresAt:   rec.expiresAt,
		RemainingMS: remaining.Milliseconds(),
		TimeUp:      remaining <= 0,
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req lease.EndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "undecodable request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.leases[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	// Ending twice returns the original accounting rather than an error;
	// teardown paths are allowed to race.
	if rec.ended {
		writeJSON(w, http.StatusOK, rec.endResp)
		return
	}

	now := s.now()
	elapsed := now.Sub(rec.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if granted := rec.expiresAt.Sub(rec.startedAt); elapsed > granted {
		elapsed = granted
	}

	s.remaining[rec.ownerID] -= elapsed
	if s.remaining[rec.ownerID] < 0 {
		s.remaining[rec.ownerID] = 0
	}

	rec.ended = true
	rec.endResp = lease.EndResponse{
		SessionID:       id,
		ConsumedMinutes: consumedMinutes(elapsed),
	}

	s.log.Info("lease ended",
		slog.String("session_id", id),
		slog.String("owner_id", rec.ownerID),
		slog.String("reason", string(req.Reason)),
		slog.Int("consumed_minutes", rec.endResp.ConsumedMinutes))

	writeJSON(w, http.StatusOK, rec.endResp)
}

// consumedMinutes rounds elapsed time up to whole minutes; any started
// minute counts.
func consumedMinutes(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	mins := int(elapsed / time.Minute)
	if elapsed%time.Minute != 0 {
		mins++
	}
	return mins
}

// Remaining reports the owner's current balance. Owners never seen before
// hold the full initial budget.
func (s *Server) Remaining(ownerID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rem, ok := s.remaining[ownerID]; ok {
		return rem
	}
	return s.budget
}

// Grant sets the owner's balance, replacing any prior value.
func (s *Server) Grant(ownerID string, budget time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining[ownerID] = budget
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
