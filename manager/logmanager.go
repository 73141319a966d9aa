// Package manager implements LogManager: the top-level type owning one
// ContextFieldsProvider, one DiagLevelFilter, one EventFilterRegulator, and
// one RecordStore, registered into a process-wide registry on construction
// and deregistered on Shutdown. This is the wiring spec.md's admission
// pipeline (C7) describes in prose, made concrete as a constructible type —
// grounded on original_source/lib/api/LogManagerImpl.hpp, which owns
// exactly these four collaborators behind the same public surface
// (Emit/Acquire/Complete/Release/Shutdown, each a direct call into a C1-C7
// operation).
package manager

import (
	"github.com/ayodejiige/cpp-client-telemetry/admission"
	"github.com/ayodejiige/cpp-client-telemetry/diaglevel"
	"github.com/ayodejiige/cpp-client-telemetry/eventfilter"
	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
	"github.com/ayodejiige/cpp-client-telemetry/registry"
	"github.com/ayodejiige/cpp-client-telemetry/semcontext"
	"github.com/ayodejiige/cpp-client-telemetry/store"
)

// LogManager owns one instance of each C1-C7 collaborator for a single
// logical logger/tenant scope.
type LogManager struct {
	id       string
	reg      *registry.Registry
	levels   *diaglevel.Filter
	context  *semcontext.Provider
	filters  *eventfilter.Regulator
	store    *store.Store
	pipeline *admission.Pipeline
}

// Config bundles the pieces needed to construct a LogManager. NewBackend
// must return a fresh, unopened store.Backend on every call (see
// store.New).
type Config struct {
	StoreConfig store.Config
	NewBackend  func() store.Backend
	Observer    observer.StorageObserver
	CommonOnly  bool
	Parent      *semcontext.Provider
}

// New constructs a LogManager, opens its store, and registers it into reg
// under a fresh instance id. If reg is nil, the manager is not registered
// anywhere — useful for tests that don't need registry-wide teardown.
func New(reg *registry.Registry, cfg Config) (*LogManager, error) {
	m := &LogManager{
		id:      record.NewID(),
		reg:     reg,
		levels:  diaglevel.New(),
		filters: eventfilter.New(),
		store:   store.New(cfg.StoreConfig, cfg.NewBackend),
	}
	if cfg.Parent != nil {
		m.context = semcontext.New(semcontext.WithParent(cfg.Parent))
	} else {
		m.context = semcontext.New()
	}

	obs := cfg.Observer
	if obs == nil {
		obs = observer.Noop{}
	}
	if err := m.store.Initialize(obs); err != nil {
		return nil, err
	}
	m.pipeline = admission.New(m.levels, m.context, m.filters, m.store, cfg.CommonOnly)

	if reg != nil {
		reg.Register(m)
	}
	return m, nil
}

// InstanceID satisfies registry.Instance.
func (m *LogManager) InstanceID() string { return m.id }

// Levels returns the manager's DiagLevelFilter for configuration.
func (m *LogManager) Levels() *diaglevel.Filter { return m.levels }

// Context returns the manager's ContextFieldsProvider for configuration.
func (m *LogManager) Context() *semcontext.Provider { return m.context }

// Filters returns the manager's EventFilterRegulator for configuration.
func (m *LogManager) Filters() *eventfilter.Regulator { return m.filters }

// Store returns the manager's underlying RecordStore, for callers that need
// to run a store.Maintainer or introspect size/count directly.
func (m *LogManager) Store() *store.Store { return m.store }

// Emit runs r through the admission pipeline.
func (m *LogManager) Emit(level uint8, eventName string, r record.Record) (admission.Outcome, error) {
	return m.pipeline.Emit(level, eventName, r)
}

// Acquire loans up to maxCount available records to consumer under a
// lease, per store.Store.Acquire.
func (m *LogManager) Acquire(minLatency record.Latency, maxCount int, leaseMs int64, consumer func(record.Record) bool) (bool, error) {
	return m.store.Acquire(minLatency, maxCount, leaseMs, consumer)
}

// Complete deletes ids from the store, attaching headers to their
// pre-deletion diagnostic trace.
func (m *LogManager) Complete(ids []string, headers []record.Header) error {
	return m.store.Complete(ids, headers)
}

// Release clears leases on ids, optionally incrementing retry_count, and
// persists headers as the last-upload-attempt diagnostic bag.
func (m *LogManager) Release(ids []string, incrementRetry bool, headers []record.Header) error {
	return m.store.Release(ids, incrementRetry, headers)
}

// Shutdown flushes and closes the store and deregisters the manager.
// Idempotent.
func (m *LogManager) Shutdown() error {
	err := m.store.Shutdown()
	if m.reg != nil {
		m.reg.Unregister(m.id)
	}
	return err
}
