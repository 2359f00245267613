package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"trash-upload/internal/relay"
)

// downloadHandler handles GET /download/{id}. The object is streamed
// with its original display name as the suggested filename. Deletion of
// single-download objects happens only after the transfer completed its
// full byte count: a client disconnect mid-stream leaves the object in
// place so the download can be retried.
func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	rc, obj, err := s.relay.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		rid := RequestIDFromContext(r.Context())
		log.Printf("rid=%s msg=open_failed id=%s err=%v", rid, id, err)
		http.Error(w, "storage error", http.StatusBadGateway)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	// Encourage safe download behavior in browsers.
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, obj.Name))
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	n, err := io.Copy(w, rc)
	if err != nil || n != obj.Size {
		// Aborted transfer: the object survives for a retry.
		GetMetrics().RecordDownloadError()
		rid := RequestIDFromContext(r.Context())
		log.Printf("rid=%s msg=transfer_incomplete id=%s sent=%d want=%d err=%v",
			rid, id, n, obj.Size, err)
		return
	}

	GetMetrics().RecordDownload(n, time.Since(start))
	s.relay.FinishDownload(obj)
}
