package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
)

// SQLiteBackend is the durable Backend (spec.md §6's persisted layout),
// implemented against zombiezen.com/go/sqlite/sqlitex rather than
// database/sql + a driver: the retrieved pack's own SQLite user,
// bureau-foundation-bureau's cmd/bureau-telemetry-service/store.go, talks to
// SQLite exactly this way (sqlitex.Execute with ResultFunc callbacks,
// sqlitex.ImmediateTransaction for writes), and modernc.org/sqlite rides
// along underneath it as the pure-Go driver rather than being opened
// directly.
//
// Unlike sqlitepool.Pool (bureau's pattern), this backend takes a pool of
// exactly one connection and never returns it: spec.md §5 states the backing
// store is assumed single-connection, so a multi-connection pool would model
// a concurrency allowance this spec explicitly does not grant. Opening
// through sqlitex.NewPool with PoolSize: 1 rather than a bare single-open
// call keeps the same PrepareConn-based pragma hook bureau's sqlitepool.Open
// uses, instead of inventing a connection-opening path the pack never
// demonstrates.
type SQLiteBackend struct {
	mu   sync.Mutex
	path string
	pool *sqlitex.Pool
	conn *sqlite.Conn
}

// NewSQLiteBackend returns a backend that will open path on Open. path may
// be "" for an anonymous in-memory SQLite database, useful for tests that
// want the real SQL engine without a file on disk.
func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

func (b *SQLiteBackend) Open() (observer.StorageKind, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dsn := b.path
	if dsn == "" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	pool, err := sqlitex.NewPool(dsn, sqlitex.PoolOptions{
		PoolSize:    1,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return observer.StorageKindFile, fmt.Errorf("sqlite open: %w", err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return observer.StorageKindFile, fmt.Errorf("sqlite take: %w", err)
	}
	if err := createSchema(conn); err != nil {
		pool.Put(conn)
		pool.Close()
		return observer.StorageKindFile, err
	}
	b.pool = pool
	b.conn = conn

	kind := observer.StorageKindFile
	if b.path == "" {
		kind = observer.StorageKindInMemory
	}
	return kind, nil
}

// prepareConnection applies the pragmas bureau's sqlitepool.prepareConnection
// uses for a durable, single-writer SQLite file: WAL journaling, a relaxed
// synchronous level appropriate for a local cache rather than a ledger, a
// busy timeout so a second accidental opener blocks instead of erroring, and
// foreign keys off (this schema has none).
func prepareConnection(conn *sqlite.Conn) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=OFF;",
		"PRAGMA cache_size=-8192;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, s := range stmts {
		if err := sqlitex.ExecuteTransient(conn, s, nil); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", s, err)
		}
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	record_id TEXT PRIMARY KEY,
	tenant_token TEXT NOT NULL,
	latency INTEGER NOT NULL,
	persistence INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	reserved_until INTEGER NOT NULL DEFAULT 0,
	http_headers_blob BLOB,
	payload_blob BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_latency_timestamp ON events(latency, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_tenant_token ON events(tenant_token);
CREATE TABLE IF NOT EXISTS settings (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func createSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schemaDDL, nil); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		return nil
	}
	b.pool.Put(b.conn)
	b.conn = nil
	err := b.pool.Close()
	b.pool = nil
	return err
}

func encodeHeaders(hdrs []record.Header) []byte {
	if len(hdrs) == 0 {
		return nil
	}
	return headersToJSON(hdrs)
}

func (b *SQLiteBackend) InsertRecord(r record.Record) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := sqlitex.Execute(b.conn,
		`INSERT INTO events(record_id, tenant_token, latency, persistence, timestamp, retry_count, reserved_until, http_headers_blob, payload_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				r.ID, r.TenantToken, int64(r.Latency), int64(r.Persistence), r.Timestamp,
				r.RetryCount, r.ReservedUntil, encodeHeaders(r.HTTPHeaders), compressPayload(r.Payload),
			},
		})
	if err != nil {
		return false, fmt.Errorf("sqlite insert: %w", err)
	}
	return true, nil
}

func scanRecord(stmt *sqlite.Stmt) (record.Record, error) {
	var hdrBlob []byte
	if !stmt.ColumnIsNull(7) {
		n := stmt.ColumnLen(7)
		hdrBlob = make([]byte, n)
		stmt.ColumnBytes(7, hdrBlob)
	}
	rawPayload := make([]byte, stmt.ColumnLen(8))
	stmt.ColumnBytes(8, rawPayload)
	payload, err := decompressPayload(rawPayload)
	if err != nil {
		return record.Record{}, err
	}

	return record.Record{
		ID:            stmt.ColumnText(0),
		TenantToken:   stmt.ColumnText(1),
		Latency:       record.Latency(stmt.ColumnInt64(2)),
		Persistence:   record.Persistence(stmt.ColumnInt64(3)),
		Timestamp:     stmt.ColumnInt64(4),
		RetryCount:    int(stmt.ColumnInt64(5)),
		ReservedUntil: stmt.ColumnInt64(6),
		HTTPHeaders:   headersFromJSON(hdrBlob),
		Payload:       payload,
	}, nil
}

// ReserveBatch selects candidates and stamps reservedUntil inside a single
// immediate transaction, so the L1 exclusivity invariant (spec.md §4.2) holds
// even though selection and update are two statements: no other connection
// can interleave because this backend holds the only connection, and the
// transaction still protects against a crash splitting the two steps.
func (b *SQLiteBackend) ReserveBatch(minLatency record.Latency, maxCount int, reservedUntil int64, nowMonotonic int64) ([]record.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if maxCount <= 0 {
		return nil, nil
	}

	endFn, err := sqlitex.ImmediateTransaction(b.conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite reserve tx: %w", err)
	}
	defer endFn(&err)

	var candidates []record.Record
	err = sqlitex.Execute(b.conn,
		`SELECT record_id, tenant_token, latency, persistence, timestamp, retry_count, reserved_until, http_headers_blob, payload_blob
		 FROM events
		 WHERE latency >= ? AND reserved_until <= ?
		 ORDER BY latency DESC, persistence DESC, timestamp ASC, record_id ASC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(minLatency), nowMonotonic, maxCount},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				candidates = append(candidates, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite reserve select: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for i := range candidates {
		if err = sqlitex.Execute(b.conn, `UPDATE events SET reserved_until = ? WHERE record_id = ?`,
			&sqlitex.ExecOptions{Args: []any{reservedUntil, candidates[i].ID}}); err != nil {
			return nil, fmt.Errorf("sqlite reserve update: %w", err)
		}
		candidates[i].ReservedUntil = reservedUntil
	}
	return candidates, nil
}

func (b *SQLiteBackend) UnreserveRecords(ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withTx(func() error {
		for _, id := range ids {
			if err := sqlitex.Execute(b.conn, `UPDATE events SET reserved_until = 0 WHERE record_id = ?`,
				&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return fmt.Errorf("sqlite unreserve: %w", err)
			}
		}
		return nil
	})
}

func (b *SQLiteBackend) IncrementRetry(ids []string) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]int, len(ids))
	err := b.withTx(func() error {
		for _, id := range ids {
			if err := sqlitex.Execute(b.conn,
				`UPDATE events SET retry_count = retry_count + 1, reserved_until = 0 WHERE record_id = ?`,
				&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return fmt.Errorf("sqlite increment retry: %w", err)
			}
			var count int64
			found := false
			if err := sqlitex.Execute(b.conn, `SELECT retry_count FROM events WHERE record_id = ?`,
				&sqlitex.ExecOptions{
					Args: []any{id},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						count = stmt.ColumnInt64(0)
						found = true
						return nil
					},
				}); err != nil {
				return fmt.Errorf("sqlite read retry: %w", err)
			}
			if found {
				result[id] = int(count)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *SQLiteBackend) DeleteRecords(ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withTx(func() error {
		for _, id := range ids {
			if err := sqlitex.Execute(b.conn, `DELETE FROM events WHERE record_id = ?`,
				&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return fmt.Errorf("sqlite delete: %w", err)
			}
		}
		return nil
	})
}

func (b *SQLiteBackend) SetHeaders(ids []string, headers []record.Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob := encodeHeaders(headers)
	return b.withTx(func() error {
		for _, id := range ids {
			if err := sqlitex.Execute(b.conn, `UPDATE events SET http_headers_blob = ? WHERE record_id = ?`,
				&sqlitex.ExecOptions{Args: []any{blob, id}}); err != nil {
				return fmt.Errorf("sqlite set headers: %w", err)
			}
		}
		return nil
	})
}

var filterColumns = map[string]string{
	"id":           "record_id",
	"tenant_token": "tenant_token",
	"latency":      "latency",
	"persistence":  "persistence",
}

func (b *SQLiteBackend) buildFilterClause(filter map[string]string) (string, []any, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any
	for _, k := range keys {
		col, ok := filterColumns[k]
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown filter key %q", ErrInvalidArgument, k)
		}
		v := filter[k]
		switch k {
		case "latency":
			lat, ok := parseLatencyName(v)
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown latency %q", ErrInvalidArgument, v)
			}
			clauses = append(clauses, col+" = ?")
			args = append(args, int64(lat))
		case "persistence":
			per, ok := parsePersistenceName(v)
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown persistence %q", ErrInvalidArgument, v)
			}
			clauses = append(clauses, col+" = ?")
			args = append(args, int64(per))
		default:
			clauses = append(clauses, col+" = ?")
			args = append(args, v)
		}
	}
	if len(clauses) == 0 {
		return "1=1", nil, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (b *SQLiteBackend) DeleteMatching(filter map[string]string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	where, args, err := b.buildFilterClause(filter)
	if err != nil {
		return 0, err
	}

	count := 0
	err = b.withTx(func() error {
		if err := sqlitex.Execute(b.conn, `SELECT COUNT(*) FROM events WHERE `+where,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = int(stmt.ColumnInt64(0))
					return nil
				},
			}); err != nil {
			return fmt.Errorf("sqlite delete-matching count: %w", err)
		}
		if count == 0 {
			return nil
		}
		if err := sqlitex.Execute(b.conn, `DELETE FROM events WHERE `+where, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("sqlite delete-matching: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (b *SQLiteBackend) RecordCount(minLatency *record.Latency) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	query := `SELECT COUNT(*) FROM events`
	var args []any
	if minLatency != nil {
		query += ` WHERE latency >= ?`
		args = append(args, int64(*minLatency))
	}

	var count int64
	err := sqlitex.Execute(b.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return int(count), nil
}

// SizeBytes reports the current database file size via SQLite's own page
// accounting, matching bureau's store.go use of
// pragma_page_count()*pragma_page_size() rather than summing row payload
// lengths — this tracks actual on-disk usage, including index overhead.
func (b *SQLiteBackend) SizeBytes() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var size int64
	err := sqlitex.Execute(b.conn,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlite size: %w", err)
	}
	return size, nil
}

func (b *SQLiteBackend) TenantByteUsage() (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	usage := make(map[string]int64)
	err := sqlitex.Execute(b.conn,
		`SELECT tenant_token, SUM(LENGTH(payload_blob) + LENGTH(COALESCE(http_headers_blob, X'')) + 64) FROM events GROUP BY tenant_token`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				usage[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite tenant usage: %w", err)
	}
	return usage, nil
}

func (b *SQLiteBackend) TenantRecordCount(tenant string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var count int64
	err := sqlitex.Execute(b.conn, `SELECT COUNT(*) FROM events WHERE tenant_token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{tenant},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlite tenant record count: %w", err)
	}
	return int(count), nil
}

func (b *SQLiteBackend) SelectTrimCandidates(tenant string, count int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	query := `SELECT record_id FROM events`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant_token = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY latency ASC, persistence ASC, timestamp ASC LIMIT ?`
	args = append(args, count)

	var ids []string
	err := sqlitex.Execute(b.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite trim candidates: %w", err)
	}
	return ids, nil
}

func (b *SQLiteBackend) GetSetting(name string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var value string
	found := false
	err := sqlitex.Execute(b.conn, `SELECT value FROM settings WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("sqlite get setting: %w", err)
	}
	return value, found, nil
}

func (b *SQLiteBackend) SetSetting(name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := sqlitex.Execute(b.conn,
		`INSERT INTO settings(name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{name, value}})
	if err != nil {
		return fmt.Errorf("sqlite set setting: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ClearExpiredReservations(nowMonotonic int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withTx(func() error {
		err := sqlitex.Execute(b.conn,
			`UPDATE events SET reserved_until = 0 WHERE reserved_until != 0 AND reserved_until <= ?`,
			&sqlitex.ExecOptions{Args: []any{nowMonotonic}})
		if err != nil {
			return fmt.Errorf("sqlite clear expired: %w", err)
		}
		return nil
	})
}

func (b *SQLiteBackend) ClearAllReservations() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withTx(func() error {
		if err := sqlitex.Execute(b.conn, `UPDATE events SET reserved_until = 0 WHERE reserved_until != 0`, nil); err != nil {
			return fmt.Errorf("sqlite clear all: %w", err)
		}
		return nil
	})
}

func (b *SQLiteBackend) AllRecords() ([]record.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []record.Record
	err := sqlitex.Execute(b.conn,
		`SELECT record_id, tenant_token, latency, persistence, timestamp, retry_count, reserved_until, http_headers_blob, payload_blob FROM events`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite all records: %w", err)
	}
	return out, nil
}

// withTx runs fn inside an immediate transaction, committing on nil error
// and rolling back otherwise. Caller must already hold b.mu.
func (b *SQLiteBackend) withTx(fn func() error) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(b.conn)
	if err != nil {
		return fmt.Errorf("sqlite tx begin: %w", err)
	}
	defer endFn(&err)
	return fn()
}

func parseLatencyName(s string) (record.Latency, bool) {
	switch s {
	case "Off":
		return record.LatencyOff, true
	case "Normal":
		return record.LatencyNormal, true
	case "CostDeferred":
		return record.LatencyCostDeferred, true
	case "RealTime":
		return record.LatencyRealTime, true
	case "Max":
		return record.LatencyMax, true
	default:
		return 0, false
	}
}

func parsePersistenceName(s string) (record.Persistence, bool) {
	switch s {
	case "Normal":
		return record.PersistenceNormal, true
	case "Critical":
		return record.PersistenceCritical, true
	default:
		return 0, false
	}
}
