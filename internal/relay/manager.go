package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ManagerConfig carries the three recognized policy knobs.
type ManagerConfig struct {
	MaxObjectBytes  int64
	DailyQuotaBytes int64
	Retention       time.Duration
}

// Manager orchestrates the object lifecycle: Uploading -> Stored ->
// Deleted, no reverts. Uploads are quota-checked against the ledger
// before any byte is written; downloads and expiry timers both funnel
// deletion through Registry.Consume so exactly one path fires per object.
type Manager struct {
	cfg    ManagerConfig
	ledger *Ledger
	store  ObjectStore
	reg    *Registry

	mu      sync.Mutex
	clients map[string]*sync.Mutex

	expiredTotal  atomic.Int64
	consumedTotal atomic.Int64

	now func() time.Time
}

func NewManager(cfg ManagerConfig, ledger *Ledger, store ObjectStore) *Manager {
	return &Manager{
		cfg:     cfg,
		ledger:  ledger,
		store:   store,
		reg:     NewRegistry(),
		clients: make(map[string]*sync.Mutex),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upload runs the Uploading -> Stored transition: quota precheck, store
// write, ledger record, registry registration. The whole cycle holds the
// client's lock, so two in-flight uploads from one client cannot both
// pass the quota check on stale totals; distinct clients proceed in
// parallel. Returns the stored object and its expiry deadline.
func (m *Manager) Upload(ctx context.Context, clientID, name string, r io.Reader, policy Policy) (Object, time.Time, error) {
	lock := m.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	total, err := m.ledger.DailyTotal(ctx, clientID, now)
	if err != nil {
		return Object{}, time.Time{}, err
	}

	remaining := m.cfg.DailyQuotaBytes - total
	if remaining <= 0 {
		return Object{}, time.Time{}, ErrQuotaExceeded
	}

	// The store enforces the smaller of the object cap and what is left
	// of today's budget, so a quota-crossing stream is aborted
	// mid-transfer instead of written and then rejected.
	capBytes := m.cfg.MaxObjectBytes
	quotaBound := false
	if remaining < capBytes {
		capBytes = remaining
		quotaBound = true
	}

	obj, err := m.store.Put(ctx, name, policy, r, capBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) && quotaBound {
			return Object{}, time.Time{}, ErrQuotaExceeded
		}
		return Object{}, time.Time{}, err
	}

	if err := m.ledger.RecordUpload(ctx, clientID, obj.Size, now); err != nil {
		// All-or-nothing: an object the ledger never saw must not stay
		// reachable, or crash-retry would bypass the quota.
		if derr := m.store.Delete(ctx, obj.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
			log.Printf("service=relay msg=%q id=%s err=%v", "compensating_delete_failed", obj.ID, derr)
		}
		return Object{}, time.Time{}, fmt.Errorf("ledger record failed: %w", err)
	}

	expiresAt := m.reg.Register(obj.ID, policy, m.cfg.Retention, m.expire)

	log.Printf("service=relay msg=%q id=%s client=%s size=%d policy=%s",
		"object_stored", obj.ID, clientID, obj.Size, policy)

	return obj, expiresAt, nil
}

// Open returns a streaming reader for the Stored object. Deletion is not
// triggered here: the caller reports a byte-complete transfer via
// FinishDownload, so an aborted download leaves the object retriable.
func (m *Manager) Open(ctx context.Context, id string) (io.ReadCloser, Object, error) {
	return m.store.Open(ctx, id)
}

// FinishDownload runs the download-triggered Stored -> Deleted transition
// after a transfer completed its full byte count. TimeBoxed objects stay
// downloadable; SingleDownload objects are deleted by whichever of this
// call and the expiry timer wins Consume. Reports whether this call
// deleted the object.
func (m *Manager) FinishDownload(obj Object) bool {
	if obj.Policy != SingleDownload {
		return false
	}
	if _, ok := m.reg.Consume(obj.ID); !ok {
		return false
	}
	m.consumedTotal.Add(1)

	// Not the request context: the client hanging up after the last
	// byte must not cancel the cleanup it already earned.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := m.store.Delete(ctx, obj.ID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("service=relay msg=%q id=%s err=%v", "delete_after_download_failed", obj.ID, err)
		return false
	}
	log.Printf("service=relay msg=%q id=%s", "deleted_after_single_download", obj.ID)
	return true
}

// expire is the timer-triggered Stored -> Deleted transition. Losing the
// Consume race or finding the blob already gone are silent no-ops.
func (m *Manager) expire(id string) {
	if _, ok := m.reg.Consume(id); !ok {
		return
	}
	m.expiredTotal.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := m.store.Delete(ctx, id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("service=relay msg=%q id=%s err=%v", "expiry_delete_failed", id, err)
		}
		return
	}
	log.Printf("service=relay msg=%q id=%s retention=%s", "deleted_after_retention", id, m.cfg.Retention)
}

// Usage reports the client's ledger total for today.
func (m *Manager) Usage(ctx context.Context, clientID string) (int64, error) {
	return m.ledger.DailyTotal(ctx, clientID, m.now())
}

// Stats is a point-in-time view for health and metrics endpoints.
type Stats struct {
	LiveObjects     int
	ExpiredTotal    int64
	DownloadDeletes int64
}

func (m *Manager) Stats() Stats {
	return Stats{
		LiveObjects:     m.reg.Len(),
		ExpiredTotal:    m.expiredTotal.Load(),
		DownloadDeletes: m.consumedTotal.Load(),
	}
}

// Config returns the manager's policy knobs.
func (m *Manager) Config() ManagerConfig {
	return m.cfg
}

// Close stops all pending expiry timers.
func (m *Manager) Close() {
	m.reg.Close()
}

// clientLock returns the mutex serializing one client's uploads. Entries
// are never evicted; the map is bounded by the distinct-client count.
func (m *Manager) clientLock(clientID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.clients[clientID]
	if !ok {
		l = &sync.Mutex{}
		m.clients[clientID] = l
	}
	return l
}
