// Package rest provides the HTTP control plane of the nodee runner: a chi
// router, optional JWT authentication middleware, and read-only JSON handlers
// over the node's services, journal, and chore-keeper state.
//
// The control plane is deliberately read-only. The chore keeper's behavior is
// driven entirely by the capacities declared in the manifest; there is no
// endpoint that tunes thresholds or triggers kills.
package rest

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/la3lma/nodee/internal/journal"
	"github.com/la3lma/nodee/internal/supervisor"
)

// Keeper exposes the chore keeper's observable state.
type Keeper interface {
	// Window returns the thrash-window slots, newest first.
	Window() [8]bool
}

// Server holds the dependencies needed by the control-plane handlers.
type Server struct {
	sup     *supervisor.Supervisor
	events  *journal.Journal
	keeper  Keeper
	started time.Time
}

// NewServer creates a Server over the given supervisor, journal, and keeper.
// journal and keeper may be nil; the corresponding endpoints then serve empty
// results.
func NewServer(sup *supervisor.Supervisor, events *journal.Journal, keeper Keeper) *Server {
	return &Server{
		sup:     sup,
		events:  events,
		keeper:  keeper,
		started: time.Now(),
	}
}

// handleHealthz responds to GET /healthz. No authentication: load balancers
// and orchestrators use it to verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(s.started).Seconds(),
	})
}

// handleListServices responds to GET /api/v1/services with the status of
// every managed service.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services := s.sup.Services()
	out := make([]supervisor.Status, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetService responds to GET /api/v1/services/{name}.
func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	svc := s.sup.ByName(name)
	if svc == nil {
		writeError(w, http.StatusNotFound, "no such service")
		return
	}
	writeJSON(w, http.StatusOK, svc.Status())
}

// handleEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	limit – maximum number of events, newest first (default 50, max 500)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	if s.events == nil {
		writeJSON(w, http.StatusOK, []journal.Event{})
		return
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// nodeStatus is the payload of GET /api/v1/node.
type nodeStatus struct {
	Hostname     string  `json:"hostname"`
	UptimeS      float64 `json:"uptime_s"`
	Services     int     `json:"services"`
	ThrashWindow []bool  `json:"thrash_window,omitempty"`
}

// handleNode responds to GET /api/v1/node with a node-level summary,
// including the keeper's thrash window (newest verdict first).
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	st := nodeStatus{
		Hostname: hostname,
		UptimeS:  time.Since(s.started).Seconds(),
		Services: len(s.sup.Services()),
	}
	if s.keeper != nil {
		win := s.keeper.Window()
		st.ThrashWindow = win[:]
	}
	writeJSON(w, http.StatusOK, st)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response, {"error": "<message>"}, with the
// given status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
