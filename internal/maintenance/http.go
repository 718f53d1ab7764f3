package maintenance

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/austindbirch/pallet_sync/internal/auth"
)

// Handler serves POST /cron/{job}. Each job sits behind its own scope.
type Handler struct {
	runner *Runner
	routes map[string]http.Handler
}

func NewHandler(runner *Runner, validator *auth.JWTValidator) *Handler {
	h := &Handler{runner: runner, routes: make(map[string]http.Handler, len(Jobs))}
	for _, job := range Jobs {
		h.routes[job] = validator.RequireScope(Scope(job), h.trigger(job))
	}
	return h
}

// Serve dispatches to the job named in the path
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, job string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	route, ok := h.routes[job]
	if !ok {
		http.Error(w, ErrUnknownJob(job).Error(), http.StatusNotFound)
		return
	}
	route.ServeHTTP(w, r)
}

func (h *Handler) trigger(job string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep, err := h.runner.Run(r.Context(), job)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			status := http.StatusInternalServerError
			var unknown ErrUnknownJob
			if errors.As(err, &unknown) {
				status = http.StatusNotFound
			}
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"job": job, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}
