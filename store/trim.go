package store

import (
	"context"
	"time"

	"github.com/ayodejiige/cpp-client-telemetry/telelog"
)

// Maintainer runs Store's periodic quota check on a ticker, the same shape
// as the teacher's Cleaner (server/internal/engine/cleaner.go): a single
// background goroutine that wakes on an interval, does a bounded unit of
// work, and stops cleanly on context cancellation.
type Maintainer struct {
	store    *Store
	interval time.Duration
	log      *telelog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewMaintainer returns a Maintainer that ticks store's quota check every
// interval. interval should typically match Config.DBFullCheckTimeMs.
func NewMaintainer(store *Store, interval time.Duration) *Maintainer {
	return &Maintainer{
		store:    store,
		interval: interval,
		log:      telelog.New("maintainer"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking store.MaintenanceTick until ctx is cancelled or Stop
// is called. Intended to be run in its own goroutine.
func (m *Maintainer) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Printf("started, interval=%v", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Printf("stopping: %v", ctx.Err())
			return
		case <-m.stop:
			m.log.Printf("stopped")
			return
		case <-ticker.C:
			if err := m.store.MaintenanceTick(); err != nil {
				m.log.Printf("maintenance tick failed: %v", err)
			}
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (m *Maintainer) Stop() {
	close(m.stop)
	<-m.done
}
