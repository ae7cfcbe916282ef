package api

import "net/http"

// healthHandler answers GET /healthz with a constant body. It bypasses
// auth and rate limiting entirely (§4.7) and never touches the store, so
// it stays cheap to poll under a liveness probe even while the database
// is unreachable.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
