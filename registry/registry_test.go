package registry

import (
	"errors"
	"testing"
)

type fakeInstance struct {
	id       string
	shutdown bool
	err      error
}

func (f *fakeInstance) InstanceID() string { return f.id }
func (f *fakeInstance) Shutdown() error {
	f.shutdown = true
	return f.err
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	inst := &fakeInstance{id: "a"}
	r.Register(inst)

	got, ok := r.Get("a")
	if !ok || got != inst {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	r.Register(&fakeInstance{id: "a"})
	r.Unregister("a")

	if _, ok := r.Get("a"); ok {
		t.Fatalf("expected a to be unregistered")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	r := New()
	r.Unregister("does-not-exist")
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ShutdownAll(t *testing.T) {
	r := New()
	a := &fakeInstance{id: "a"}
	b := &fakeInstance{id: "b", err: errors.New("boom")}
	r.Register(a)
	r.Register(b)

	errs := r.ShutdownAll()
	if !a.shutdown || !b.shutdown {
		t.Fatalf("expected both instances shut down: a=%v b=%v", a.shutdown, b.shutdown)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one error", errs)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry cleared after ShutdownAll")
	}
}

func TestRegistry_RegisterReplacesExistingID(t *testing.T) {
	r := New()
	first := &fakeInstance{id: "a"}
	second := &fakeInstance{id: "a"}
	r.Register(first)
	r.Register(second)

	got, _ := r.Get("a")
	if got != second {
		t.Fatalf("expected second registration to replace the first")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
