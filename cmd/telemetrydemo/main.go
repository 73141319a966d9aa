// Command telemetrydemo is a thin bootstrap over the offline event storage
// and reservation engine, demonstrating the emit/acquire/complete lifecycle
// end to end. It is not the SDK's public surface; that stays out of scope
// per spec.md §1.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ayodejiige/cpp-client-telemetry/manager"
	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
	"github.com/ayodejiige/cpp-client-telemetry/registry"
	"github.com/ayodejiige/cpp-client-telemetry/store"
)

type demoObserver struct{}

func (demoObserver) OnStorageOpened(kind observer.StorageKind) {
	log.Printf("[demo] storage opened: %s", kind)
}
func (demoObserver) OnStorageFull(pct float64) {
	log.Printf("[demo] storage full: %.1f%% utilized", pct)
}
func (demoObserver) OnRecordsDropped(reason observer.DropReason, count int, byTenant map[string]int) {
	log.Printf("[demo] dropped %d records (%s): %v", count, reason, byTenant)
}
func (demoObserver) OnStorageFailed(kind observer.ErrorKind, details string) {
	log.Printf("[demo] storage failed: %v: %s", kind, details)
}

func main() {
	dbPath := flag.String("db", "telemetry.db", "path to the SQLite backing store, or empty for pure in-memory")
	tenant := flag.String("tenant", "demo-tenant", "tenant token to emit under")
	cacheFileSize := flag.Int64("cache-file-size", 3*1024*1024, "hard size limit for the backing store, in bytes")
	maxRetryCount := flag.Int("max-retry-count", 5, "retry budget: a record is dropped once its failed upload attempts exceed this count")
	leaseSeconds := flag.Int64("lease-seconds", 60, "lease duration handed to the simulated uploader")
	flag.Parse()

	reg := registry.New()

	cfg := store.DefaultConfig()
	cfg.CacheFileSize = *cacheFileSize
	cfg.MaxRetryCount = *maxRetryCount

	m, err := manager.New(reg, manager.Config{
		StoreConfig: cfg,
		NewBackend:  func() store.Backend { return store.NewSQLiteBackend(*dbPath) },
		Observer:    demoObserver{},
	})
	if err != nil {
		log.Fatalf("initialize log manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maintainer := store.NewMaintainer(m.Store(), time.Duration(cfg.DBFullCheckTimeMs)*time.Millisecond)
	go maintainer.Run(ctx)
	defer maintainer.Stop()

	log.Printf("emitting sample events for tenant %q", *tenant)
	for i := 0; i < 5; i++ {
		outcome, err := m.Emit(0, "demo.event", record.Record{
			ID:          record.NewID(),
			TenantToken: *tenant,
			Latency:     record.LatencyNormal,
			Timestamp:   time.Now().UnixMilli(),
			Payload:     []byte("sample payload"),
		})
		if err != nil {
			log.Printf("emit failed: %v", err)
			continue
		}
		log.Printf("emit outcome: %s", outcome)
	}

	var acquired []string
	delivered, err := m.Acquire(record.LatencyNormal, 10, *leaseSeconds*1000, func(r record.Record) bool {
		acquired = append(acquired, r.ID)
		return true
	})
	if err != nil {
		log.Fatalf("acquire: %v", err)
	}
	if delivered {
		log.Printf("acquired %d records, simulating successful upload", len(acquired))
		if err := m.Complete(acquired, nil); err != nil {
			log.Printf("complete failed: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	default:
	}

	if err := m.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if remaining := reg.Len(); remaining > 0 {
		log.Printf("warning: %d manager instances still registered at exit", remaining)
	}
}
