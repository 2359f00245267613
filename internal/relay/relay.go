// Package relay implements the upload/retention lifecycle of the file
// relay: quota accounting against a durable usage ledger, per-object
// retention policy tracking, and exactly-once cleanup of stored objects
// under concurrent upload/download/expiry events.
package relay

import (
	"context"
	"errors"
	"io"
	"time"
)

// Policy selects when a stored object is deleted.
type Policy int

const (
	// SingleDownload deletes the object after the first completed download.
	SingleDownload Policy = iota
	// TimeBoxed keeps the object downloadable until the retention window
	// elapses, regardless of how many downloads happen.
	TimeBoxed
)

func (p Policy) String() string {
	switch p {
	case SingleDownload:
		return "single-download"
	case TimeBoxed:
		return "time-boxed"
	default:
		return "unknown"
	}
}

// Object describes one stored upload. The identifier is generated at
// upload time and is distinct from the untrusted display name, which is
// only ever used as the suggested download filename.
type Object struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time
	Policy    Policy
}

var (
	// ErrQuotaExceeded means accepting the upload would push the client
	// over its daily byte budget. Nothing was mutated.
	ErrQuotaExceeded = errors.New("daily upload quota exceeded")

	// ErrTooLarge means the stream exceeded its byte cap mid-transfer.
	// Partial data has been cleaned up.
	ErrTooLarge = errors.New("object exceeds size limit")

	// ErrNotFound means the object is absent or already deleted.
	ErrNotFound = errors.New("object not found")
)

// ObjectStore is blob storage keyed by generated identifiers. Implemented
// by the filesystem store (default) and the S3 store.
type ObjectStore interface {
	// Put streams r to a uniquely named location, enforcing limit bytes.
	// A stream that crosses the limit is aborted, partial data removed,
	// and ErrTooLarge returned.
	Put(ctx context.Context, name string, policy Policy, r io.Reader, limit int64) (Object, error)

	// Open returns a streaming reader for the object. The caller closes it.
	Open(ctx context.Context, id string) (io.ReadCloser, Object, error)

	// Delete removes the backing storage. Idempotent: deleting an absent
	// id reports ErrNotFound, never a fatal error.
	Delete(ctx context.Context, id string) error
}
