// Package admission implements the admission pipeline (C7): the thin
// orchestration spec.md §2 describes as "caller -> DiagLevelFilter (admit?)
// -> ContextFieldsProvider (decorate) -> EventFilterRegulator (tenant
// filter) -> RecordStore.insert".
package admission

import (
	"github.com/ayodejiige/cpp-client-telemetry/diaglevel"
	"github.com/ayodejiige/cpp-client-telemetry/eventfilter"
	"github.com/ayodejiige/cpp-client-telemetry/record"
	"github.com/ayodejiige/cpp-client-telemetry/semcontext"
	"github.com/ayodejiige/cpp-client-telemetry/store"
)

// Outcome reports what happened to an Emit call without treating filter
// rejections as errors (spec.md §7: "The admission pipeline converts
// filter rejections into a neutral 'filtered' outcome (no error)").
type Outcome uint8

const (
	OutcomeStored Outcome = iota
	OutcomeFilteredByLevel
	OutcomeFilteredByTenant
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeFilteredByLevel:
		return "filtered_by_level"
	case OutcomeFilteredByTenant:
		return "filtered_by_tenant"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Pipeline binds C3, C5, C4, and C1 together on the emit path.
type Pipeline struct {
	levels   *diaglevel.Filter
	context  *semcontext.Provider
	tenant   *eventfilter.Regulator
	store    *store.Store
	commonOnly bool
}

// New returns a Pipeline wired to the given components. commonOnly is
// forwarded to ContextFieldsProvider.WriteToRecord on every emit.
func New(levels *diaglevel.Filter, context *semcontext.Provider, tenant *eventfilter.Regulator, recordStore *store.Store, commonOnly bool) *Pipeline {
	return &Pipeline{levels: levels, context: context, tenant: tenant, store: recordStore, commonOnly: commonOnly}
}

// Emit runs r through the admission pipeline at the given diagnostic level
// and event name, decorating r in place via the context provider before the
// tenant filter and store see it.
func (p *Pipeline) Emit(level uint8, eventName string, r record.Record) (Outcome, error) {
	if !p.levels.IsEnabled(level) {
		return OutcomeFilteredByLevel, nil
	}

	p.context.WriteToRecord(&r, eventName, p.commonOnly)

	if !p.tenant.ShouldSend(r.TenantToken, eventName, r.ID) {
		return OutcomeFilteredByTenant, nil
	}

	ok, err := p.store.Store(r)
	if err != nil {
		return OutcomeRejected, err
	}
	if !ok {
		return OutcomeRejected, nil
	}
	return OutcomeStored, nil
}
