package semcontext

import (
	"reflect"
	"testing"

	"github.com/ayodejiige/cpp-client-telemetry/record"
)

func headerMap(r record.Record) map[string]string {
	out := make(map[string]string)
	for _, h := range r.HTTPHeaders {
		out[h.Name] = h.Value
	}
	return out
}

// Scenario 5 (spec.md §8): child overrides parent, custom overrides common.
func TestProvider_ContextInheritance(t *testing.T) {
	parent := New()
	parent.SetCommonField("app", "foo")

	child := New(WithParent(parent))
	child.SetCustomField("user", "bar")
	child.SetCommonField("app", "baz")

	var r record.Record
	child.WriteToRecord(&r, "any.event", false)

	got := headerMap(r)
	want := map[string]string{"app": "baz", "user": "bar"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("headers = %v, want %v", got, want)
	}
}

func TestProvider_CustomOverridesCommonWithinSameLevel(t *testing.T) {
	p := New()
	p.SetCommonField("x", "common-value")
	p.SetCustomField("x", "custom-value")

	var r record.Record
	p.WriteToRecord(&r, "evt", false)

	got := headerMap(r)
	if got["x"] != "custom-value" {
		t.Fatalf("x = %q, want custom-value", got["x"])
	}
}

func TestProvider_CommonOnlySkipsCustomFields(t *testing.T) {
	p := New()
	p.SetCommonField("a", "1")
	p.SetCustomField("b", "2")

	var r record.Record
	p.WriteToRecord(&r, "evt", true)

	got := headerMap(r)
	if _, ok := got["b"]; ok {
		t.Fatalf("expected custom field to be skipped in common-only mode")
	}
	if got["a"] != "1" {
		t.Fatalf("a = %q, want 1", got["a"])
	}
}

func TestProvider_MutatingChildDoesNotMutateParent(t *testing.T) {
	parent := New()
	parent.SetCommonField("app", "foo")
	child := New(WithParent(parent))
	child.SetCommonField("app", "child-value")

	var r record.Record
	parent.WriteToRecord(&r, "evt", false)
	if headerMap(r)["app"] != "foo" {
		t.Fatalf("parent mutated by child write")
	}
}

func TestProvider_ParentMutationVisibleToChildAfterward(t *testing.T) {
	parent := New()
	child := New(WithParent(parent))

	parent.SetCommonField("region", "us")
	var r record.Record
	child.WriteToRecord(&r, "evt", false)
	if headerMap(r)["region"] != "us" {
		t.Fatalf("expected child to observe parent mutation made before the write")
	}
}

func TestProvider_EventExperimentIDsOnlyAttachForMatchingEvent(t *testing.T) {
	p := New()
	p.SetEventExperimentIDs("checkout.completed", "c1,c2")

	var matched, unmatched record.Record
	p.WriteToRecord(&matched, "checkout.completed", false)
	p.WriteToRecord(&unmatched, "other.event", false)

	if headerMap(matched)["experiment_ids"] != "c1,c2" {
		t.Fatalf("expected experiment ids on matching event")
	}
	if _, ok := headerMap(unmatched)["experiment_ids"]; ok {
		t.Fatalf("experiment ids leaked onto a non-matching event")
	}
}

func TestProvider_ClearExperimentIDs(t *testing.T) {
	p := New()
	p.SetEventExperimentIDs("evt", "c1")
	p.ClearExperimentIDs()

	var r record.Record
	p.WriteToRecord(&r, "evt", false)
	if _, ok := headerMap(r)["experiment_ids"]; ok {
		t.Fatalf("expected experiment ids cleared")
	}
}

func TestProvider_TicketsNamespaced(t *testing.T) {
	p := New()
	p.SetTicket("auth", "token-123")

	var r record.Record
	p.WriteToRecord(&r, "evt", false)
	if headerMap(r)["ticket.auth"] != "token-123" {
		t.Fatalf("expected namespaced ticket field")
	}
}

// spec.md §8: WriteToRecord is idempotent.
func TestProvider_WriteToRecordIsIdempotent(t *testing.T) {
	p := New()
	p.SetCommonField("a", "1")
	p.SetCustomField("b", "2")
	p.SetTicket("auth", "t")
	p.SetEventExperimentIDs("evt", "e1")

	var r1, r2 record.Record
	p.WriteToRecord(&r1, "evt", false)
	p.WriteToRecord(&r2, "evt", false)

	if !reflect.DeepEqual(r1.HTTPHeaders, r2.HTTPHeaders) {
		t.Fatalf("WriteToRecord not idempotent: %v != %v", r1.HTTPHeaders, r2.HTTPHeaders)
	}
}
