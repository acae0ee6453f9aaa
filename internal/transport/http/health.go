package http

import (
	stdhttp "net/http"
)

// HealthHandler answers the sync daemon's liveness probe with a plain
// "ok". It does not touch the store; readiness lives with the startup
// dependency pings in main.
func HealthHandler(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(stdhttp.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
