package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports backend reachability. The cache backend implements it when
// one is configured.
type Pinger interface {
	Ping(ctx context.Context) error
}

// health is a liveness probe for Docker/Kubernetes. Returns 200 OK with
// {"status":"ok"}.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness reports whether the backing store is reachable. The cache is
// advisory: an unreachable cache degrades to pass-through misses, so it is
// reported but never fails readiness.
func readiness(store ConversationStore, cache Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := map[string]string{"status": "ready"}
		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				body["cache"] = err.Error()
			} else {
				body["cache"] = "ok"
			}
		}

		if err := store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	})
}
