package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store is the ObjectStore for an S3-compatible backend (MinIO in
// practice). Unlike the filesystem store it keeps object metadata in
// S3 user metadata, so it has no in-memory index to lose.
type S3Store struct {
	client *minio.Client
	bucket string
}

const (
	metaName    = "Display-Name"
	metaPolicy  = "Policy"
	metaCreated = "Created-At"
)

// NewS3Store connects to the endpoint and verifies the bucket exists.
// The endpoint may be "host:port" or carry an http(s) scheme.
func NewS3Store(endpoint, accessKey, secretKey, bucket string) (*S3Store, error) {
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, errors.New("s3 configuration incomplete")
	}

	host, secure, err := normaliseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("s3 bucket does not exist: %s", bucket)
	}

	return &S3Store{client: client, bucket: bucket}, nil
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

func (s *S3Store) Put(ctx context.Context, name string, policy Policy, r io.Reader, limit int64) (Object, error) {
	id, err := s.newID(ctx)
	if err != nil {
		return Object{}, err
	}

	created := time.Now().UTC()
	cr := &capReader{r: r, remaining: limit}

	info, err := s.client.PutObject(ctx, s.bucket, id, cr, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			metaName:    name,
			metaPolicy:  policy.String(),
			metaCreated: created.Format(time.RFC3339),
		},
	})
	if err != nil {
		// PutObject aborts the multipart upload itself; remove any
		// simple-path remnant so an oversize stream leaves nothing.
		_ = s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{})
		if cr.exceeded {
			return Object{}, ErrTooLarge
		}
		return Object{}, fmt.Errorf("put object: %w", err)
	}

	return Object{
		ID:        id,
		Name:      name,
		Size:      info.Size,
		CreatedAt: created,
		Policy:    policy,
	}, nil
}

func (s *S3Store) Open(ctx context.Context, id string) (io.ReadCloser, Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, fmt.Errorf("get object: %w", err)
	}

	// Force an early error for a missing object.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("stat object: %w", err)
	}

	meta := Object{
		ID:     id,
		Name:   metaValue(info, metaName),
		Size:   info.Size,
		Policy: parsePolicy(metaValue(info, metaPolicy)),
	}
	if t, err := time.Parse(time.RFC3339, metaValue(info, metaCreated)); err == nil {
		meta.CreatedAt = t
	}
	return obj, meta, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("stat object: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Store) newID(ctx context.Context) (string, error) {
	for range 5 {
		id := uuid.NewString()
		_, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check identifier: %w", err)
		}
	}
	return "", fmt.Errorf("identifier collision in bucket %s", s.bucket)
}

// metaValue reads user metadata regardless of header canonicalization.
func metaValue(info minio.ObjectInfo, key string) string {
	if v, ok := info.UserMetadata[key]; ok {
		return v
	}
	if v, ok := info.UserMetadata[strings.ToLower(key)]; ok {
		return v
	}
	return info.Metadata.Get("X-Amz-Meta-" + key)
}

func parsePolicy(s string) Policy {
	if s == TimeBoxed.String() {
		return TimeBoxed
	}
	return SingleDownload
}

// capReader errors once more than remaining bytes have been read,
// aborting the upstream PutObject.
type capReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		c.exceeded = true
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		c.exceeded = true
		return n, ErrTooLarge
	}
	return n, err
}
