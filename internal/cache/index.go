package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// index mirrors every entry's sidecar into sqlite so scope invalidation
// and LRU pruning run as single queries instead of a full shard walk.
// The index is advisory: the sidecars remain the source of truth, and
// any index failure falls back to walking them.
type index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS entries (
	hash       TEXT PRIMARY KEY,
	scope      TEXT NOT NULL,
	engine     TEXT NOT NULL,
	compile_ms INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_used  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_scope ON entries(scope);
CREATE INDEX IF NOT EXISTS idx_entries_last_used ON entries(last_used);
`

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	// Single writer; the coordinator is the only process-local user.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache index: %w", err)
	}
	return &index{db: db}, nil
}

func (x *index) close() error { return x.db.Close() }

func (x *index) upsert(sc sidecar) error {
	_, err := x.db.Exec(`
		INSERT INTO entries (hash, scope, engine, compile_ms, size_bytes, created_at, last_used)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(hash) DO UPDATE SET
			scope=excluded.scope, engine=excluded.engine,
			compile_ms=excluded.compile_ms, size_bytes=excluded.size_bytes,
			created_at=excluded.created_at, last_used=excluded.last_used`,
		sc.Hash, sc.Scope, sc.Engine, sc.CompileMs, sc.SizeBytes,
		sc.CreatedUnix, sc.CreatedUnix)
	return err
}

func (x *index) touch(hash string, at time.Time) error {
	_, err := x.db.Exec(`UPDATE entries SET last_used=? WHERE hash=?`, at.Unix(), hash)
	return err
}

func (x *index) remove(hash string) error {
	_, err := x.db.Exec(`DELETE FROM entries WHERE hash=?`, hash)
	return err
}

func (x *index) clear() error {
	_, err := x.db.Exec(`DELETE FROM entries`)
	return err
}

func (x *index) stats() (int, int64, error) {
	var n int
	var bytes sql.NullInt64
	err := x.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM entries`).
		Scan(&n, &bytes)
	return n, bytes.Int64, err
}

func (x *index) hashesNotInScope(scope string) ([]string, error) {
	return x.queryHashes(`SELECT hash FROM entries WHERE scope != ?`, scope)
}

func (x *index) hashesOlderThan(cutoff time.Time) ([]string, error) {
	return x.queryHashes(`SELECT hash FROM entries WHERE created_at < ?`, cutoff.Unix())
}

// lruVictims returns hashes to delete, least recently used first, so the
// remaining entries fit within maxBytes.
func (x *index) lruVictims(maxBytes int64) ([]string, error) {
	_, total, err := x.stats()
	if err != nil {
		return nil, err
	}
	if total <= maxBytes {
		return nil, nil
	}

	rows, err := x.db.Query(`SELECT hash, size_bytes FROM entries ORDER BY last_used ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var victims []string
	for rows.Next() && total > maxBytes {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return victims, err
		}
		victims = append(victims, hash)
		total -= size
	}
	return victims, rows.Err()
}

func (x *index) queryHashes(query string, args ...any) ([]string, error) {
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return hashes, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
