// Package api assembles the public HTTP surface of the sync service
package api

import (
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/pallet_sync/internal/health"
	"github.com/austindbirch/pallet_sync/internal/maintenance"
)

// Routes holds the handlers the router serves. Nil handlers are not mounted.
type Routes struct {
	Webhook  http.Handler
	Cron     *maintenance.Handler
	Push     http.Handler
	Registry *prometheus.Registry
	Checks   []health.Check
}

// NewRouter mounts:
//
//	GET|POST /webhooks/graph   change notifications and the validation handshake
//	POST     /cron/{job}       scheduled maintenance triggers
//	GET      /v1/push          websocket push channel
//	GET      /healthz
//	GET      /metrics
func NewRouter(rt Routes) (http.Handler, error) {
	mux := runtime.NewServeMux()

	handle := func(method, pattern string, h runtime.HandlerFunc) error {
		if err := mux.HandlePath(method, pattern, h); err != nil {
			return fmt.Errorf("register %s %s: %w", method, pattern, err)
		}
		return nil
	}
	plain := func(h http.Handler) runtime.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request, _ map[string]string) { h.ServeHTTP(w, r) }
	}

	if rt.Webhook != nil {
		for _, m := range []string{http.MethodGet, http.MethodPost} {
			if err := handle(m, "/webhooks/graph", plain(rt.Webhook)); err != nil {
				return nil, err
			}
		}
	}
	if rt.Cron != nil {
		err := handle(http.MethodPost, "/cron/{job}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			rt.Cron.Serve(w, r, params["job"])
		})
		if err != nil {
			return nil, err
		}
	}
	if rt.Push != nil {
		if err := handle(http.MethodGet, "/v1/push", plain(rt.Push)); err != nil {
			return nil, err
		}
	}
	if err := handle(http.MethodGet, "/healthz", plain(health.HTTPHandler(rt.Checks...))); err != nil {
		return nil, err
	}
	if rt.Registry != nil {
		if err := handle(http.MethodGet, "/metrics", plain(promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))); err != nil {
			return nil, err
		}
	}
	return mux, nil
}
