package httpx

import (
	"io"
	"net/http"
)

// healthHandler answers liveness and readiness probes. HEAD gets the status
// line only; GET gets a minimal JSON body.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	io.WriteString(w, `{"status":"ok"}`) //nolint:errcheck
}
