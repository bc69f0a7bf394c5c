package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the nodee control plane.
//
// Route layout:
//
//	GET /healthz                 – liveness probe (no authentication required)
//	GET /api/v1/node             – node summary incl. thrash window (JWT)
//	GET /api/v1/services         – status of every managed service (JWT)
//	GET /api/v1/services/{name}  – status of one service (JWT)
//	GET /api/v1/events           – recent journal events (JWT)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (the manifest's auth
// section is optional, and tests cover handlers without it).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/node", srv.handleNode)
		r.Get("/services", srv.handleListServices)
		r.Get("/services/{name}", srv.handleGetService)
		r.Get("/events", srv.handleEvents)
	})

	return r
}
