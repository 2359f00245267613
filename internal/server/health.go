package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// healthHandler reports liveness plus a few cheap gauges.
// GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.relay.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"version":       s.cfg.Build.Version,
		"commit":        s.cfg.Build.Commit,
		"uptime_s":      int64(time.Since(s.startedAt).Seconds()),
		"live_objects":  stats.LiveObjects,
		"expired_total": stats.ExpiredTotal,
	})
}

// quotaHandler returns the caller's quota usage and limits, keyed by the
// same client IP used for quota accounting.
// GET /quota
//
// Returns JSON:
//
//	{
//	  "client": "203.0.113.7",
//	  "used_bytes": 123456789,
//	  "quota_bytes": 10737418240,
//	  "remaining_bytes": 10613961451
//	}
func (s *Server) quotaHandler(w http.ResponseWriter, r *http.Request) {
	client := getClientIP(r)

	used, err := s.relay.Usage(r.Context(), client)
	if err != nil {
		http.Error(w, "ledger error", http.StatusInternalServerError)
		return
	}

	quota := s.relay.Config().DailyQuotaBytes
	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"client":          client,
		"used_bytes":      used,
		"quota_bytes":     quota,
		"remaining_bytes": remaining,
	})
}
