package metrics

import (
	"encoding/json"
	"net/http"
)

// SnapshotProvider is satisfied by *Metrics.
type SnapshotProvider interface {
	GetSnapshot() *Snapshot
}

// Handler serves GET requests with the current snapshot as JSON.
type Handler struct {
	provider SnapshotProvider
}

// NewHandler creates a handler reading from provider.
func NewHandler(provider SnapshotProvider) *Handler {
	return &Handler{provider: provider}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.provider.GetSnapshot())
}
