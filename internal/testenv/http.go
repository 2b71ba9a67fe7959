package testenv

import (
	"encoding/json"
	"net/http"
	"sync"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// faults injects failure statuses and counts requests per path.
type faults struct {
	mu      sync.Mutex
	pending map[string][]int
	counts  map[string]int
}

func newFaults() *faults {
	return &faults{
		pending: map[string][]int{},
		counts:  map[string]int{},
	}
}

func (f *faults) add(path string, status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < n; i++ {
		f.pending[path] = append(f.pending[path], status)
	}
}

func (f *faults) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.counts[path]
}

func (f *faults) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.counts[r.URL.Path]++
		var status int
		if q := f.pending[r.URL.Path]; len(q) > 0 {
			status = q[0]
			f.pending[r.URL.Path] = q[1:]
		}
		f.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "injected failure"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
