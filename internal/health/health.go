package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency check
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// PingCheck pings a pool. A nil pool (memory backend) always passes.
func PingCheck(name string, p Pinger) Check {
	return Check{Name: name, Fn: func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		return p.Ping(ctx)
	}}
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Evaluate runs every check with a shared one second budget
func Evaluate(ctx context.Context, checks ...Check) Status {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	st := Status{OK: true, Message: "ok"}
	for _, c := range checks {
		if st.Checks == nil {
			st.Checks = make(map[string]string, len(checks))
		}
		if err := c.Fn(ctx); err != nil {
			st.OK = false
			st.Message = c.Name + " check failed"
			st.Checks[c.Name] = err.Error()
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks...)

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps a gRPC health server in step with the checks until ctx ends
func Watch(ctx context.Context, hs *grpchealth.Server, service string, interval time.Duration, checks ...Check) {
	update := func() {
		if Evaluate(ctx, checks...).OK {
			hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
		} else {
			hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
