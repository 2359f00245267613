package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"trash-upload/internal/relay"
)

// uploadResp is the JSON response returned after a successful upload.
type uploadResp struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Policy    string `json:"policy"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// multipartOverhead is headroom on top of the object size cap for
// multipart framing and field headers.
const multipartOverhead = 1 << 20

// uploadHandler handles POST / with a multipart "file" field. The query
// flag d24=true selects the 24h time-boxed policy; the default is
// delete-after-first-download. The file part is streamed straight into
// the lifecycle manager, never buffered whole.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.relay.Config().MaxObjectBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "No file uploaded.", http.StatusBadRequest)
		return
	}

	var filePart io.Reader
	var fileName string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		defer func() { _ = part.Close() }()

		if part.FormName() != "file" {
			continue
		}

		filePart = part
		fileName = sanitizeDisplayName(part.FileName())
		break
	}

	if filePart == nil {
		http.Error(w, "No file uploaded.", http.StatusBadRequest)
		return
	}

	policy := relay.SingleDownload
	if r.URL.Query().Get("d24") == "true" {
		policy = relay.TimeBoxed
	}

	clientIP := getClientIP(r)
	start := time.Now()

	obj, expiresAt, err := s.relay.Upload(r.Context(), clientIP, fileName, filePart, policy)
	if err != nil {
		GetMetrics().RecordUploadError()
		switch {
		case errors.Is(err, relay.ErrQuotaExceeded):
			GetMetrics().RecordQuotaRejection()
			http.Error(w, "Daily upload limit exceeded.", http.StatusBadRequest)
		case errors.Is(err, relay.ErrTooLarge):
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		default:
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
				return
			}
			rid := RequestIDFromContext(r.Context())
			log.Printf("rid=%s msg=upload_failed err=%v", rid, err)
			http.Error(w, "upload failed", http.StatusBadGateway)
		}
		return
	}

	GetMetrics().RecordUpload(obj.Size, time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(uploadResp{
		ID:        obj.ID,
		Name:      obj.Name,
		SizeBytes: obj.Size,
		Policy:    obj.Policy.String(),
		URL:       s.downloadURL(r, obj.ID),
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

// downloadURL builds the absolute download link. BaseURL wins when
// configured; otherwise the scheme and host come from the request, so
// local dev and proxied deployments both produce usable links.
func (s *Server) downloadURL(r *http.Request, id string) string {
	base := s.cfg.BaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		host := r.Host
		if host == "" {
			host = "localhost:8080"
		}
		base = scheme + "://" + host
	}
	return strings.TrimSuffix(base, "/") + "/download/" + id
}

// sanitizeDisplayName reduces the untrusted original filename to a safe
// suggested download name: no path components, no control characters,
// no quotes that would break the Content-Disposition header.
func sanitizeDisplayName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
