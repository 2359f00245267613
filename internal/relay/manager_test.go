package relay

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *FSStore) {
	t.Helper()

	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	store, err := NewFSStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	m := NewManager(cfg, ledger, store)
	t.Cleanup(m.Close)
	return m, store
}

func blobCount(t *testing.T, s *FSStore) int {
	t.Helper()
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(dirents)
}

func TestUploadWithinQuota(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1 << 20,
		DailyQuotaBytes: 1 << 20,
		Retention:       time.Hour,
	})

	obj, expiresAt, err := m.Upload(context.Background(), "10.0.0.1", "a.txt", strings.NewReader("payload"), SingleDownload)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if obj.Size != int64(len("payload")) {
		t.Errorf("Size = %d, want %d", obj.Size, len("payload"))
	}
	if expiresAt.Before(time.Now()) {
		t.Error("expiry deadline in the past")
	}
	if m.Stats().LiveObjects != 1 {
		t.Errorf("LiveObjects = %d, want 1", m.Stats().LiveObjects)
	}
}

func TestUploadQuotaExhaustedNoSideEffects(t *testing.T) {
	m, store := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1000,
		DailyQuotaBytes: 100,
		Retention:       time.Hour,
	})
	ctx := context.Background()

	if _, _, err := m.Upload(ctx, "10.0.0.1", "a", strings.NewReader(strings.Repeat("x", 100)), SingleDownload); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	// Budget is gone: rejected before any byte is written.
	_, _, err := m.Upload(ctx, "10.0.0.1", "b", strings.NewReader("y"), SingleDownload)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	total, err := m.ledger.DailyTotal(ctx, "10.0.0.1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if total != 100 {
		t.Errorf("ledger total = %d after rejection, want 100", total)
	}
	if n := blobCount(t, store); n != 1 {
		t.Errorf("blob count = %d after rejection, want 1", n)
	}
}

func TestUploadCrossingQuotaAbortsMidStream(t *testing.T) {
	// 9.9 of 10 used; a stream bigger than the remainder is cut off and
	// reported as a quota failure, with the partial file removed.
	m, store := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  10_000,
		DailyQuotaBytes: 10_000,
		Retention:       time.Hour,
	})
	ctx := context.Background()

	if _, _, err := m.Upload(ctx, "10.0.0.1", "a", strings.NewReader(strings.Repeat("x", 9_900)), SingleDownload); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	_, _, err := m.Upload(ctx, "10.0.0.1", "b", strings.NewReader(strings.Repeat("y", 2_000)), SingleDownload)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	total, err := m.ledger.DailyTotal(ctx, "10.0.0.1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if total != 9_900 {
		t.Errorf("ledger total = %d, want 9900", total)
	}
	if n := blobCount(t, store); n != 1 {
		t.Errorf("blob count = %d, want 1", n)
	}
}

func TestUploadTooLargeDistinctFromQuota(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  50,
		DailyQuotaBytes: 10_000,
		Retention:       time.Hour,
	})

	_, _, err := m.Upload(context.Background(), "10.0.0.1", "big", strings.NewReader(strings.Repeat("x", 100)), SingleDownload)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Error("object-size rejection must not masquerade as a quota failure")
	}
}

func TestQuotaPerClient(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1000,
		DailyQuotaBytes: 100,
		Retention:       time.Hour,
	})
	ctx := context.Background()

	if _, _, err := m.Upload(ctx, "10.0.0.1", "a", strings.NewReader(strings.Repeat("x", 100)), SingleDownload); err != nil {
		t.Fatalf("client 1: %v", err)
	}
	if _, _, err := m.Upload(ctx, "10.0.0.2", "b", strings.NewReader(strings.Repeat("x", 100)), SingleDownload); err != nil {
		t.Errorf("client 2 should have its own budget: %v", err)
	}
}

func TestSingleDownloadLifecycle(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1 << 20,
		DailyQuotaBytes: 1 << 20,
		Retention:       time.Hour,
	})
	ctx := context.Background()

	obj, _, err := m.Upload(ctx, "10.0.0.1", "once.txt", strings.NewReader("secret"), SingleDownload)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, meta, err := m.Open(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(data) != "secret" {
		t.Fatalf("read = %q, %v", data, err)
	}

	if !m.FinishDownload(meta) {
		t.Fatal("FinishDownload should delete a single-download object")
	}

	if _, _, err := m.Open(ctx, obj.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after consume err = %v, want ErrNotFound", err)
	}
	if m.Stats().LiveObjects != 0 {
		t.Errorf("LiveObjects = %d, want 0", m.Stats().LiveObjects)
	}
	if m.Stats().DownloadDeletes != 1 {
		t.Errorf("DownloadDeletes = %d, want 1", m.Stats().DownloadDeletes)
	}
}

func TestTimeBoxedSurvivesDownloads(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1 << 20,
		DailyQuotaBytes: 1 << 20,
		Retention:       time.Hour,
	})
	ctx := context.Background()

	obj, _, err := m.Upload(ctx, "10.0.0.1", "keep.txt", strings.NewReader("again"), TimeBoxed)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	for i := 0; i < 3; i++ {
		rc, meta, err := m.Open(ctx, obj.ID)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		if _, err := io.ReadAll(rc); err != nil {
			t.Fatal(err)
		}
		rc.Close()
		if m.FinishDownload(meta) {
			t.Error("FinishDownload must not delete a time-boxed object")
		}
	}
}

func TestTimeBoxedExpires(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1 << 20,
		DailyQuotaBytes: 1 << 20,
		Retention:       30 * time.Millisecond,
	})
	ctx := context.Background()

	obj, _, err := m.Upload(ctx, "10.0.0.1", "brief.txt", strings.NewReader("gone soon"), TimeBoxed)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, err := m.Open(ctx, obj.ID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("object never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if m.Stats().ExpiredTotal != 1 {
		t.Errorf("ExpiredTotal = %d, want 1", m.Stats().ExpiredTotal)
	}
}

func TestAbandonedSingleDownloadExpires(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{
		MaxObjectBytes:  1 << 20,
		DailyQuotaBytes: 1 << 20,
		Retention:       30 * time.Millisecond,
	})
	ctx := context.Background()

	obj, _, err := m.Upload(ctx, "10.0.0.1", "never-fetched", strings.NewReader("x"), SingleDownload)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, err := m.Open(ctx, obj.ID)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned single-download object was never reclaimed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// countingStore counts deletes that actually removed something.
type countingStore struct {
	ObjectStore
	deletes atomic.Int64
}

func (c *countingStore) Delete(ctx context.Context, id string) error {
	err := c.ObjectStore.Delete(ctx, id)
	if err == nil {
		c.deletes.Add(1)
	}
	return err
}

func TestDownloadExpiryRaceDeletesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatal(err)
		}
		fs, err := NewFSStore(filepath.Join(t.TempDir(), "objects"))
		if err != nil {
			t.Fatal(err)
		}
		cs := &countingStore{ObjectStore: fs}

		m := NewManager(ManagerConfig{
			MaxObjectBytes:  1 << 20,
			DailyQuotaBytes: 1 << 20,
			Retention:       time.Millisecond,
		}, ledger, cs)

		obj, _, err := m.Upload(context.Background(), "10.0.0.1", "raced", strings.NewReader("x"), SingleDownload)
		if err != nil {
			t.Fatal(err)
		}

		// Fire the download completion while the 1ms expiry timer races it.
		m.FinishDownload(obj)

		deadline := time.Now().Add(time.Second)
		for m.reg.Len() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		// Give a losing timer callback time to (incorrectly) delete.
		time.Sleep(20 * time.Millisecond)

		if got := cs.deletes.Load(); got != 1 {
			t.Fatalf("iteration %d: deletes = %d, want exactly 1", i, got)
		}

		s := m.Stats()
		if s.ExpiredTotal+s.DownloadDeletes != 1 {
			t.Fatalf("iteration %d: consume winners = %d, want 1", i, s.ExpiredTotal+s.DownloadDeletes)
		}

		m.Close()
		_ = ledger.Close()
	}
}

func TestUploadFailsWithBrokenLedger(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewFSStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(ManagerConfig{
		MaxObjectBytes:  1 << 20,
		DailyQuotaBytes: 1 << 20,
		Retention:       time.Hour,
	}, ledger, store)
	defer m.Close()

	// Close the ledger out from under the manager. The quota check
	// fails before any byte is written, so no blob may be left behind.
	_ = ledger.Close()

	_, _, err = m.Upload(context.Background(), "10.0.0.1", "x", strings.NewReader("x"), SingleDownload)
	if err == nil {
		t.Fatal("upload should fail with a closed ledger")
	}
	if n := blobCount(t, store); n != 0 {
		t.Errorf("blob count = %d after failed upload, want 0", n)
	}
}
