package store

import (
	"path/filepath"
	"testing"

	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
)

func newSQLiteTestBackend(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.db")
	b := NewSQLiteBackend(path)
	kind, err := b.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if kind != observer.StorageKindFile {
		t.Fatalf("kind = %v, want StorageKindFile", kind)
	}
	t.Cleanup(func() { b.Close() })
	return b, path
}

func TestSQLiteBackend_OpenInMemoryWhenPathEmpty(t *testing.T) {
	b := NewSQLiteBackend("")
	kind, err := b.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if kind != observer.StorageKindInMemory {
		t.Fatalf("kind = %v, want StorageKindInMemory", kind)
	}
	defer b.Close()

	if _, err := b.InsertRecord(record.Record{ID: "a", TenantToken: "T", Payload: []byte("x")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// Scenario 1 (spec.md §8), run against the durable backend: round-trip
// delivery order and reservation exclusivity.
func TestSQLiteBackend_RoundTrip(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	for _, r := range []record.Record{
		{ID: "A", TenantToken: "T", Latency: record.LatencyNormal, Timestamp: 1, Payload: []byte("a")},
		{ID: "B", TenantToken: "T", Latency: record.LatencyRealTime, Timestamp: 2, Payload: []byte("b")},
		{ID: "C", TenantToken: "T", Latency: record.LatencyNormal, Timestamp: 3, Payload: []byte("c")},
	} {
		if ok, err := b.InsertRecord(r); err != nil || !ok {
			t.Fatalf("insert %s: ok=%v err=%v", r.ID, ok, err)
		}
	}

	got, err := b.ReserveBatch(record.LatencyNormal, 10, 60000, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	want := []string{"B", "A", "C"}
	if len(got) != len(want) {
		t.Fatalf("reserved = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("reserved = %v, want %v", got, want)
		}
		if got[i].ReservedUntil != 60000 {
			t.Fatalf("reserved[%d].ReservedUntil = %d, want 60000", i, got[i].ReservedUntil)
		}
	}

	// A second reservation attempt at time 0 must not re-select the
	// already-reserved records.
	second, err := b.ReserveBatch(record.LatencyNormal, 10, 60000, 0)
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no reselection, got %v", second)
	}

	if err := b.DeleteRecords([]string{"B"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, err := b.RecordCount(nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

// Scenario 2: lease expiry makes a record reselectable exactly once.
func TestSQLiteBackend_LeaseExpiry(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	if _, err := b.InsertRecord(record.Record{ID: "D", TenantToken: "T", Latency: record.LatencyNormal, Payload: []byte("d")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := b.ReserveBatch(record.LatencyNormal, 10, 100, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first reserve = %v", first)
	}

	// Before the lease deadline, the record must not be reselectable.
	stillLeased, err := b.ReserveBatch(record.LatencyNormal, 10, 60000, 50)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(stillLeased) != 0 {
		t.Fatalf("expected no reselection before lease expiry, got %v", stillLeased)
	}

	// Past the lease deadline, it becomes reselectable again.
	after, err := b.ReserveBatch(record.LatencyNormal, 10, 60000, 150)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(after) != 1 || after[0].ID != "D" {
		t.Fatalf("second reserve = %v", after)
	}
}

// Scenario 3: retry exhaustion. IncrementRetry reports the running count so
// the caller (Store) can decide to delete once it crosses max_retry_count.
func TestSQLiteBackend_RetryExhaustion(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	if _, err := b.InsertRecord(record.Record{ID: "E", TenantToken: "tenant-e", Latency: record.LatencyNormal, Payload: []byte("e")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.ReserveBatch(record.LatencyNormal, 10, 60000, 0); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		counts, err := b.IncrementRetry([]string{"E"})
		if err != nil {
			t.Fatalf("increment retry %d: %v", i, err)
		}
		if counts["E"] != i+1 {
			t.Fatalf("retry count after attempt %d = %d, want %d", i, counts["E"], i+1)
		}
	}

	if err := b.DeleteRecords([]string{"E"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, err := b.RecordCount(nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

// Scenario 4: SelectTrimCandidates returns ids in reverse selection order —
// lowest latency, Normal persistence, oldest timestamp first — matching
// "ORDER BY latency ASC, persistence ASC, timestamp ASC".
func TestSQLiteBackend_SelectTrimCandidatesOrder(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	rows := []record.Record{
		{ID: "low-old", TenantToken: "T", Latency: record.LatencyNormal, Persistence: record.PersistenceNormal, Timestamp: 1, Payload: []byte("x")},
		{ID: "low-new", TenantToken: "T", Latency: record.LatencyNormal, Persistence: record.PersistenceNormal, Timestamp: 2, Payload: []byte("x")},
		{ID: "high", TenantToken: "T", Latency: record.LatencyRealTime, Persistence: record.PersistenceCritical, Timestamp: 0, Payload: []byte("x")},
	}
	for _, r := range rows {
		if _, err := b.InsertRecord(r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	ids, err := b.SelectTrimCandidates("", 2)
	if err != nil {
		t.Fatalf("select trim candidates: %v", err)
	}
	want := []string{"low-old", "low-new"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

// spec.md §8's shutdown-then-initialize property, run against the durable
// backend rather than the in-process fallback: after shutdown then
// initialize against the same on-disk file, every previously-stored,
// non-completed record is present with its reservation cleared.
func TestSQLiteBackend_ReopenAcrossRealFilePreservesUncompletedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")

	s := New(DefaultConfig(), func() Backend { return NewSQLiteBackend(path) })
	if err := s.Initialize(&observer.Noop{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if ok, err := s.Store(record.Record{ID: "G", TenantToken: "T", Payload: []byte("g")}); err != nil || !ok {
		t.Fatalf("store: ok=%v err=%v", ok, err)
	}
	s.Acquire(record.LatencyOff, 10, 60000, func(record.Record) bool { return true })

	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// A brand new Store, backed by a brand new SQLiteBackend instance
	// pointed at the same file, stands in for the process restart.
	reopened := New(DefaultConfig(), func() Backend { return NewSQLiteBackend(path) })
	if err := reopened.Initialize(&observer.Noop{}); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	defer reopened.Shutdown()

	count, err := reopened.GetRecordCount(nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("record count after reopen = %d, want 1", count)
	}

	var delivered []string
	ok, err := reopened.Acquire(record.LatencyOff, 10, 60000, func(r record.Record) bool {
		delivered = append(delivered, r.ID)
		return true
	})
	if err != nil {
		t.Fatalf("acquire after reopen: %v", err)
	}
	if !ok || len(delivered) != 1 || delivered[0] != "G" {
		t.Fatalf("acquire after reopen = %v, ok=%v, want [G]", delivered, ok)
	}
}

func TestSQLiteBackend_SetHeadersPersists(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	if _, err := b.InsertRecord(record.Record{ID: "H", TenantToken: "T", Payload: []byte("h")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	headers := []record.Header{{Name: "status", Value: "503"}}
	if err := b.SetHeaders([]string{"H"}, headers); err != nil {
		t.Fatalf("set headers: %v", err)
	}

	all, err := b.AllRecords()
	if err != nil {
		t.Fatalf("all records: %v", err)
	}
	if len(all) != 1 || len(all[0].HTTPHeaders) != 1 || all[0].HTTPHeaders[0].Value != "503" {
		t.Fatalf("expected headers persisted, got %v", all)
	}
}

func TestSQLiteBackend_OversizePayloadRoundTripsThroughCompression(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	payload := make([]byte, compressThresholdBytes*4)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	if _, err := b.InsertRecord(record.Record{ID: "big", TenantToken: "T", Payload: payload}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := b.AllRecords()
	if err != nil {
		t.Fatalf("all records: %v", err)
	}
	if len(all) != 1 || string(all[0].Payload) != string(payload) {
		t.Fatalf("payload did not round-trip through compression")
	}
}

func TestSQLiteBackend_SettingsRoundTrip(t *testing.T) {
	b, _ := newSQLiteTestBackend(t)

	if _, ok, err := b.GetSetting("missing"); err != nil || ok {
		t.Fatalf("expected missing setting, ok=%v err=%v", ok, err)
	}
	if err := b.SetSetting("schema_version", "1"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	value, ok, err := b.GetSetting("schema_version")
	if err != nil || !ok || value != "1" {
		t.Fatalf("get setting = %q, ok=%v, err=%v", value, ok, err)
	}
	if err := b.SetSetting("schema_version", "2"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	value, ok, err = b.GetSetting("schema_version")
	if err != nil || !ok || value != "2" {
		t.Fatalf("get setting after overwrite = %q, ok=%v, err=%v", value, ok, err)
	}
}
