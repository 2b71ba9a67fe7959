package hc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pandodao/ecash-wallet/core"
)

// Handler reports the build version, uptime and the size of the pending
// queue. It answers 503 when the database cannot be read.
func Handler(version string, pending core.PendingService) http.Handler {
	t := time.Now()
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resp := map[string]any{
			"version": version,
			"uptime":  time.Since(t).String(),
		}

		ops, err := pending.Gather(r.Context(), false)
		if err != nil {
			resp["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		resp["pending"], resp["giving_liveness"] = ops.Counts()
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}

	return http.HandlerFunc(fn)
}
