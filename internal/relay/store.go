package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FSStore keeps blobs as flat files named by generated identifier.
// Object metadata (display name, size, policy) lives in an in-memory
// index; like the registry it does not survive restarts, so blobs left
// behind by a previous process are invisible until the sweeper removes
// them.
type FSStore struct {
	dir string

	mu    sync.RWMutex
	index map[string]Object
}

const tempPrefix = "upload-"

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &FSStore{dir: dir, index: make(map[string]Object)}, nil
}

// Put streams r into a temp file and renames it into place under a fresh
// identifier. The stream is capped at limit bytes; crossing the cap
// aborts the write, removes the partial file, and returns ErrTooLarge.
func (s *FSStore) Put(ctx context.Context, name string, policy Policy, r io.Reader, limit int64) (Object, error) {
	id, err := s.newID()
	if err != nil {
		return Object{}, err
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err != nil {
		_ = tmp.Close()
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	if n > limit {
		_ = tmp.Close()
		return Object{}, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		return Object{}, fmt.Errorf("place object: %w", err)
	}

	obj := Object{
		ID:        id,
		Name:      name,
		Size:      n,
		CreatedAt: time.Now().UTC(),
		Policy:    policy,
	}

	s.mu.Lock()
	s.index[id] = obj
	s.mu.Unlock()

	return obj, nil
}

func (s *FSStore) Open(ctx context.Context, id string) (io.ReadCloser, Object, error) {
	s.mu.RLock()
	obj, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, Object{}, ErrNotFound
	}

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("open object: %w", err)
	}
	return f, obj, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Sweep removes blobs with no index entry whose mtime is older than
// olderThan. Fresh files are skipped so an in-flight temp write is never
// ripped out from under its uploader. Returns the number removed.
func (s *FSStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read object dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, de := range dirents {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if de.IsDir() {
			continue
		}

		name := de.Name()
		if !strings.HasPrefix(name, tempPrefix) {
			s.mu.RLock()
			_, live := s.index[name]
			s.mu.RUnlock()
			if live {
				continue
			}
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *FSStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

// newID generates an identifier and re-checks it against existing blobs.
// The random namespace makes a collision all but impossible; hitting one
// repeatedly is treated as a storage fault.
func (s *FSStore) newID() (string, error) {
	for range 5 {
		id := uuid.NewString()
		if _, err := os.Stat(s.path(id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	return "", fmt.Errorf("identifier collision in %s", s.dir)
}
