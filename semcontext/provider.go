// Package semcontext implements the ContextFieldsProvider (C5): a
// hierarchical (parent/child) bag of common fields, custom fields,
// per-event experiment ids, and auth tickets, stamped onto records at emit
// time. Grounded on original_source/lib/api/ContextFieldsProvider.hpp's
// shape (separate common/custom maps, an event-to-experiment-ids map, a
// tickets map, and a single parent back-reference under one lock).
package semcontext

import (
	"sort"
	"strings"
	"sync"

	"github.com/ayodejiige/cpp-client-telemetry/record"
)

// ticketFieldPrefix namespaces ticket values when stamped onto a record, so
// they never collide with a common/custom field of the same name.
const ticketFieldPrefix = "ticket."

// Provider is the ContextFieldsProvider. The zero value is not usable; use
// New.
type Provider struct {
	mu sync.Mutex

	commonFields map[string]string
	commonOrder  []string
	customFields map[string]string
	customOrder  []string

	eventExperimentIDs map[string]string
	tickets            map[string]string

	// parent is a non-owning back-reference, set once at construction time
	// per spec.md §9's decision to require the parent link immutable after
	// construction rather than revalidated on each traversal: Go's GC
	// removes the dangling-pointer hazard the original raw pointer design
	// had, so the remaining precondition is purely "parent outlives
	// child", documented here and on WithParent.
	parent *Provider
}

// Option configures a Provider at construction time.
type Option func(*Provider)

// WithParent sets p's parent. The caller must guarantee parent outlives p;
// set once at construction and never reassigned (spec.md §9).
func WithParent(parent *Provider) Option {
	return func(p *Provider) { p.parent = parent }
}

// New returns an empty Provider, optionally linked to a parent.
func New(opts ...Option) *Provider {
	p := &Provider{
		commonFields:       make(map[string]string),
		customFields:       make(map[string]string),
		eventExperimentIDs: make(map[string]string),
		tickets:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetCommonField upserts a common field.
func (p *Provider) SetCommonField(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.commonFields[name]; !exists {
		p.commonOrder = append(p.commonOrder, name)
	}
	p.commonFields[name] = value
}

// SetCustomField upserts a custom field, which takes precedence over a
// common field of the same name within the same provider level.
func (p *Provider) SetCustomField(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.customFields[name]; !exists {
		p.customOrder = append(p.customOrder, name)
	}
	p.customFields[name] = value
}

// SetTicket upserts ticketType's value.
func (p *Provider) SetTicket(ticketType, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickets[ticketType] = value
}

// SetEventExperimentIDs upserts the comma-joined experiment id string for
// eventName. ids is opaque to the provider.
func (p *Provider) SetEventExperimentIDs(eventName, ids string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventExperimentIDs[eventName] = ids
}

// ClearExperimentIDs wipes the event-to-experiment-ids table.
func (p *Provider) ClearExperimentIDs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventExperimentIDs = make(map[string]string)
}

// resolvedFields walks parent->self, applying CFP1's precedence (self
// overrides parent; custom overrides common within a level), and returns
// a flat, snapshot-consistent map plus the stable field order it was built
// in. Traversal releases this provider's lock before taking the parent's,
// per spec.md §4.5's ordered-lock-inversion note — the snapshot may observe
// a parent mutated concurrently with this call, which the spec accepts.
func (p *Provider) resolvedFields(commonOnly bool) (map[string]string, []string) {
	var parent *Provider
	var selfCommon, selfCustom map[string]string
	var selfCommonOrder, selfCustomOrder []string

	p.mu.Lock()
	parent = p.parent
	selfCommon = cloneMap(p.commonFields)
	selfCommonOrder = append([]string(nil), p.commonOrder...)
	if !commonOnly {
		selfCustom = cloneMap(p.customFields)
		selfCustomOrder = append([]string(nil), p.customOrder...)
	}
	p.mu.Unlock()

	fields := make(map[string]string)
	var order []string
	if parent != nil {
		parentFields, parentOrder := parent.resolvedFields(commonOnly)
		for _, name := range parentOrder {
			fields[name] = parentFields[name]
			order = append(order, name)
		}
	}
	for _, name := range selfCommonOrder {
		if _, seen := fields[name]; !seen {
			order = append(order, name)
		}
		fields[name] = selfCommon[name]
	}
	for _, name := range selfCustomOrder {
		if _, seen := fields[name]; !seen {
			order = append(order, name)
		}
		fields[name] = selfCustom[name]
	}
	return fields, order
}

// WriteToRecord stamps accumulated fields, tickets, and matching experiment
// ids onto r in the resolution order CFP1 defines. When commonOnly is true,
// custom fields (at every level) are skipped.
func (p *Provider) WriteToRecord(r *record.Record, eventName string, commonOnly bool) {
	fields, order := p.resolvedFields(commonOnly)

	headers := make([]record.Header, 0, len(order)+len(p.tickets)+1)
	for _, name := range order {
		headers = append(headers, record.Header{Name: name, Value: fields[name]})
	}

	p.mu.Lock()
	for ticketType, value := range p.tickets {
		headers = append(headers, record.Header{Name: ticketFieldPrefix + ticketType, Value: value})
	}
	ids, ok := p.eventExperimentIDs[eventName]
	p.mu.Unlock()

	if ok {
		headers = append(headers, record.Header{Name: "experiment_ids", Value: ids})
	}

	sortHeadersDeterministically(headers, order)
	r.HTTPHeaders = headers
}

// sortHeadersDeterministically keeps field headers in resolution order but
// sorts the remaining, unordered ticket/experiment headers lexically, so
// repeated stamps of unchanged state produce byte-identical output (spec.md
// §8's write_to_record idempotence property).
func sortHeadersDeterministically(headers []record.Header, fieldOrder []string) {
	rank := make(map[string]int, len(fieldOrder))
	for i, name := range fieldOrder {
		rank[name] = i
	}
	sort.SliceStable(headers, func(i, j int) bool {
		ri, iok := rank[headers[i].Name]
		rj, jok := rank[headers[j].Name]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return strings.Compare(headers[i].Name, headers[j].Name) < 0
		}
	})
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
