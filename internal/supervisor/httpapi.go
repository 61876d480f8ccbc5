package supervisor

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/Sponsorn/streamloop/internal/apiauth"
)

// newRouter builds the embedded HTTP server's route table, grounded on
// the teacher's chi_router.go route-group shape but scoped to spec §6's
// minimal loopback-only surface: the player transport upgrade at /ws, a
// liveness root, and a read-only snapshot plus apiToken-gated reload/
// restart triggers.
func (s *Supervisor) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleLiveness)
	r.Get("/ws", s.xport.Handler())
	r.Get("/snapshot", s.handleSnapshot)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return apiauth.RequireToken(s.apiToken, next)
		})
		r.Post("/reload", s.handleReload)
		r.Post("/restart", s.handleRestart)
	})

	return r
}

func (s *Supervisor) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Supervisor) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode snapshot response")
	}
}

func (s *Supervisor) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.reloadConfig(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Supervisor) handleRestart(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusAccepted)
	go s.triggerRestart()
}
