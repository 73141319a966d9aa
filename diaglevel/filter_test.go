package diaglevel

import "testing"

func TestFilter_DefaultAcceptsAll(t *testing.T) {
	f := New()
	if f.IsFilteringEnabled() {
		t.Fatalf("expected default filter to report filtering disabled")
	}
	for _, level := range []uint8{0, 1, 128, 255} {
		if !f.IsEnabled(level) {
			t.Fatalf("level %d should be enabled by default", level)
		}
	}
}

func TestFilter_RangeMode(t *testing.T) {
	f := New()
	f.SetRange(2, 1, 3)

	if !f.IsFilteringEnabled() {
		t.Fatalf("expected filtering enabled after SetRange")
	}
	cases := map[uint8]bool{0: false, 1: true, 2: true, 3: true, 4: false}
	for level, want := range cases {
		if got := f.IsEnabled(level); got != want {
			t.Errorf("IsEnabled(%d) = %v, want %v", level, got, want)
		}
	}
	if f.DefaultLevel() != 2 {
		t.Fatalf("DefaultLevel = %d, want 2", f.DefaultLevel())
	}
}

func TestFilter_InvertedRangeRejectsEverything(t *testing.T) {
	f := New()
	f.SetRange(0, 5, 1)
	if f.IsEnabled(3) {
		t.Fatalf("inverted range should never be enabled")
	}
}

func TestFilter_SetMode(t *testing.T) {
	f := New()
	f.SetSet(0, map[uint8]struct{}{1: {}, 5: {}})

	if !f.IsEnabled(1) || !f.IsEnabled(5) {
		t.Fatalf("expected explicit set members to be enabled")
	}
	if f.IsEnabled(2) {
		t.Fatalf("expected non-member level to be disabled")
	}
}

func TestFilter_EmptySetRevertsToRangeMode(t *testing.T) {
	f := New()
	f.SetSet(0, map[uint8]struct{}{1: {}})
	f.SetSet(3, nil)

	if !f.IsEnabled(0) || !f.IsEnabled(255) {
		t.Fatalf("expected identity range after empty set")
	}
	if !f.IsFilteringEnabled() {
		t.Fatalf("expected filtering still enabled: identity range, but default level 3 differs from the default of 0")
	}
	if f.DefaultLevel() != 3 {
		t.Fatalf("DefaultLevel = %d, want 3", f.DefaultLevel())
	}
}

func TestFilter_IsEnabledIsPure(t *testing.T) {
	f := New()
	f.SetRange(0, 1, 3)
	a := f.IsEnabled(2)
	b := f.IsEnabled(2)
	if a != b {
		t.Fatalf("IsEnabled not pure: %v != %v", a, b)
	}
}
