package relay

import (
	"context"
	"log"
	"time"
)

// sweepable is implemented by stores that can reclaim orphaned blobs.
// The filesystem store needs it because its metadata index and the
// registry are both memory-only: after a restart, files from the
// previous process have no deletion path left. The S3 store does not
// implement it (bucket lifecycle rules cover that deployment).
type sweepable interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// StartSweeper runs an orphan sweep immediately and then on every tick
// until ctx is cancelled. Blobs younger than the retention window are
// never touched. No-op for stores without sweep support.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	st, ok := m.store.(sweepable)
	if !ok {
		log.Printf("service=sweep msg=%q", "store_not_sweepable")
		return
	}

	log.Printf("service=sweep msg=%q interval=%s older_than=%s",
		"starting", interval, m.cfg.Retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start to reclaim pre-restart orphans.
	m.runSweep(ctx, st)

	for {
		select {
		case <-ctx.Done():
			log.Printf("service=sweep msg=%q", "shutting_down")
			return
		case <-ticker.C:
			m.runSweep(ctx, st)
		}
	}
}

func (m *Manager) runSweep(ctx context.Context, st sweepable) {
	start := time.Now()
	removed, err := st.Sweep(ctx, m.cfg.Retention)
	if err != nil {
		log.Printf("service=sweep msg=%q err=%v", "sweep_failed", err)
		return
	}
	if removed > 0 {
		log.Printf("service=sweep msg=%q removed=%d duration_ms=%d",
			"sweep_complete", removed, time.Since(start).Milliseconds())
	}
}
