package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"parley/internal/domain"
)

// ActorSource lists the live actors.
type ActorSource interface {
	Status() []domain.ActorStatus
}

// ActorsResponse is the body of GET /api/v1/actors.
type ActorsResponse struct {
	UptimeSeconds int64                `json:"uptime_seconds"`
	Running       int                  `json:"running"`
	Queued        int                  `json:"queued"`
	Actors        []domain.ActorStatus `json:"actors"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorsHandler(src ActorSource, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := ActorsResponse{UptimeSeconds: int64(time.Since(started).Seconds())}
		if src != nil {
			resp.Actors = src.Status()
		}
		agent := r.URL.Query().Get("agent")
		filtered := make([]domain.ActorStatus, 0, len(resp.Actors))
		for _, st := range resp.Actors {
			if agent != "" && st.AgentID != agent {
				continue
			}
			if st.State == domain.ActorRunning {
				resp.Running++
			}
			resp.Queued += st.MailboxDepth
			filtered = append(filtered, st)
		}
		resp.Actors = filtered

		if agent != "" && len(filtered) == 0 {
			http.Error(w, "actor not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
