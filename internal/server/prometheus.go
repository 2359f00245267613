// prometheus.go - metrics exposition in Prometheus text format and JSON
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// snapshot merges the HTTP counters with the relay's lifecycle gauges.
func (s *Server) snapshot() MetricsSnapshot {
	snap := GetMetrics().Snapshot()
	stats := s.relay.Stats()
	snap.LiveObjects = stats.LiveObjects
	snap.ExpiredTotal = stats.ExpiredTotal
	snap.DownloadDeletes = stats.DownloadDeletes
	return snap
}

// metricsJSONHandler returns the counter snapshot as JSON.
// GET /metrics.json
func (s *Server) metricsJSONHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

// metricsTextHandler renders the snapshot in Prometheus text format.
// GET /metrics
func (s *Server) metricsTextHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()

	var out strings.Builder

	writeCounter := func(name, help string, v int64) {
		fmt.Fprintf(&out, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&out, "# TYPE %s counter\n", name)
		fmt.Fprintf(&out, "%s %d\n\n", name, v)
	}
	writeGauge := func(name, help string, v int64) {
		fmt.Fprintf(&out, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&out, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&out, "%s %d\n\n", name, v)
	}

	fmt.Fprintf(&out, "# HELP tu_info Application version info\n")
	fmt.Fprintf(&out, "# TYPE tu_info gauge\n")
	fmt.Fprintf(&out, "tu_info{version=%q} 1\n\n", s.cfg.Build.Version)

	writeCounter("tu_requests_total", "Total number of HTTP requests", snap.RequestsTotal)
	writeCounter("tu_uploads_total", "Total number of accepted uploads", snap.UploadsTotal)
	writeCounter("tu_upload_bytes_total", "Total bytes accepted", snap.UploadBytesTotal)
	writeCounter("tu_quota_rejected_total", "Uploads rejected by the daily quota", snap.QuotaRejectedTotal)
	writeCounter("tu_downloads_total", "Total number of completed downloads", snap.DownloadsTotal)
	writeCounter("tu_download_bytes_total", "Total bytes served", snap.DownloadBytesTotal)
	writeCounter("tu_expired_total", "Objects deleted by retention expiry", snap.ExpiredTotal)
	writeCounter("tu_download_deletes_total", "Objects deleted after a single download", snap.DownloadDeletes)
	writeGauge("tu_live_objects", "Objects currently stored and undeleted", int64(snap.LiveObjects))

	fmt.Fprintf(&out, "# HELP tu_uptime_seconds Application uptime in seconds\n")
	fmt.Fprintf(&out, "# TYPE tu_uptime_seconds counter\n")
	fmt.Fprintf(&out, "tu_uptime_seconds %.0f\n", time.Since(s.startedAt).Seconds())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out.String()))
}
