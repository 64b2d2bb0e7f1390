package possum

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// manifest is the transactional key -> locator index described in SPEC_FULL
// §4.1. It is backed by an embedded SQL database (modernc.org/sqlite) rather
// than the teacher's in-memory valuelocmap + append-only TOC files, because
// the spec requires serialisable multi-key transactions and prefix range
// scans that a pure in-memory sharded map doesn't give us for free.
type manifest struct {
	db *sql.DB
}

const manifestSchema = `
CREATE TABLE IF NOT EXISTS manifest (
	key             BLOB PRIMARY KEY,
	file_id         INTEGER NOT NULL,
	offset          INTEGER NOT NULL,
	length          INTEGER NOT NULL,
	last_used_secs  INTEGER NOT NULL,
	last_used_nanos INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS manifest_last_used ON manifest(last_used_secs, last_used_nanos, key);
`

func openManifest(path string) (*manifest, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newErr("open-manifest", KindStorage, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(manifestSchema); err != nil {
		db.Close()
		return nil, newErr("open-manifest", KindStorage, err)
	}
	return &manifest{db: db}, nil
}

func (m *manifest) close() error {
	return m.db.Close()
}

// withTx runs fn inside one manifest transaction, committing on success and
// rolling back otherwise. Used directly by BatchWriter.commit to satisfy the
// "caller-supplied sequence of updates in one transaction" requirement.
func (m *manifest) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return newErr("manifest-tx", KindStorage, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return newErr("manifest-tx-commit", KindStorage, err)
	}
	return nil
}

func getLocatorTx(tx *sql.Tx, key []byte) (*Locator, error) {
	row := tx.QueryRow(`SELECT file_id, offset, length, last_used_secs, last_used_nanos FROM manifest WHERE key = ?`, key)
	var loc Locator
	err := row.Scan(&loc.FileID, &loc.Offset, &loc.Length, &loc.LastUsed.Secs, &loc.LastUsed.Nanos)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newKeyErr("get", KindStorage, key, err)
	}
	return &loc, nil
}

func (m *manifest) get(key []byte) (*Locator, error) {
	var loc *Locator
	err := m.withTx(func(tx *sql.Tx) error {
		var err error
		loc, err = getLocatorTx(tx, key)
		return err
	})
	return loc, err
}

// insertOrReplaceTx sets key -> loc, returning the previously stored
// locator, if any. Must run inside an existing transaction so callers (the
// Batch Writer, eviction) can combine several of these atomically.
func insertOrReplaceTx(tx *sql.Tx, key []byte, loc Locator) (*Locator, error) {
	prev, err := getLocatorTx(tx, key)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		`INSERT INTO manifest (key, file_id, offset, length, last_used_secs, last_used_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			file_id = excluded.file_id,
			offset = excluded.offset,
			length = excluded.length,
			last_used_secs = excluded.last_used_secs,
			last_used_nanos = excluded.last_used_nanos`,
		key, loc.FileID, loc.Offset, loc.Length, loc.LastUsed.Secs, loc.LastUsed.Nanos,
	)
	if err != nil {
		return nil, newKeyErr("insert-or-replace", KindStorage, key, err)
	}
	return prev, nil
}

func (m *manifest) insertOrReplace(key []byte, loc Locator) (*Locator, error) {
	var prev *Locator
	err := m.withTx(func(tx *sql.Tx) error {
		var err error
		prev, err = insertOrReplaceTx(tx, key, loc)
		return err
	})
	return prev, err
}

func deleteTx(tx *sql.Tx, key []byte) (*Locator, error) {
	prev, err := getLocatorTx(tx, key)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, newKeyErr("delete", KindNoSuchKey, key, nil)
	}
	if _, err := tx.Exec(`DELETE FROM manifest WHERE key = ?`, key); err != nil {
		return nil, newKeyErr("delete", KindStorage, key, err)
	}
	return prev, nil
}

func (m *manifest) delete(key []byte) (*Locator, error) {
	var loc *Locator
	err := m.withTx(func(tx *sql.Tx) error {
		var err error
		loc, err = deleteTx(tx, key)
		return err
	})
	return loc, err
}

// touchTx refreshes key's last-used timestamp (§4.1's touch operation).
// Called from within Reader.Begin's resolving transaction so every
// successful read advances LRU recency per invariant 5.
func touchTx(tx *sql.Tx, key []byte, now Timestamp) error {
	_, err := tx.Exec(`UPDATE manifest SET last_used_secs = ?, last_used_nanos = ? WHERE key = ?`, now.Secs, now.Nanos, key)
	if err != nil {
		return newKeyErr("touch", KindStorage, key, err)
	}
	return nil
}

// prefixBounds returns the inclusive lower bound and, if ok, the exclusive
// upper bound of the key range beginning with prefix. ok is false when
// prefix cannot be incremented (every byte is 0xFF), in which case callers
// must query with only the lower bound.
func prefixBounds(prefix []byte) (lower []byte, upper []byte, ok bool) {
	// A non-nil lower bound, so an empty prefix binds as an empty blob
	// (matching every key) rather than as SQL NULL (matching none).
	lower = append([]byte{}, prefix...)
	upper = append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return lower, upper[:i+1], true
		}
	}
	return lower, nil, false
}

func listTx(tx *sql.Tx, prefix []byte) ([]Item, error) {
	lower, upper, ok := prefixBounds(prefix)
	var rows *sql.Rows
	var err error
	if ok {
		rows, err = tx.Query(`SELECT key, length, last_used_secs, last_used_nanos FROM manifest WHERE key >= ? AND key < ? ORDER BY key`, lower, upper)
	} else {
		rows, err = tx.Query(`SELECT key, length, last_used_secs, last_used_nanos FROM manifest WHERE key >= ? ORDER BY key`, lower)
	}
	if err != nil {
		return nil, newErr("list", KindStorage, err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Stat.Size, &it.Stat.LastUsed.Secs, &it.Stat.LastUsed.Nanos); err != nil {
			return nil, newErr("list", KindStorage, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr("list", KindStorage, err)
	}
	return items, nil
}

func (m *manifest) list(prefix []byte) ([]Item, error) {
	var items []Item
	err := m.withTx(func(tx *sql.Tx) error {
		var err error
		items, err = listTx(tx, prefix)
		return err
	})
	return items, err
}

// movePrefixTx rewrites every key starting with from so that it starts with
// to instead, preserving the remainder of the key unchanged. Runs in one
// transaction per §4.1.
func movePrefixTx(tx *sql.Tx, from, to []byte) error {
	lower, upper, ok := prefixBounds(from)
	var rows *sql.Rows
	var err error
	if ok {
		rows, err = tx.Query(`SELECT key FROM manifest WHERE key >= ? AND key < ? ORDER BY key`, lower, upper)
	} else {
		rows, err = tx.Query(`SELECT key FROM manifest WHERE key >= ? ORDER BY key`, lower)
	}
	if err != nil {
		return newErr("move-prefix", KindStorage, err)
	}
	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return newErr("move-prefix", KindStorage, err)
		}
		keys = append(keys, k)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return newErr("move-prefix", KindStorage, rowsErr)
	}
	for _, k := range keys {
		newKey := append(append([]byte(nil), to...), k[len(from):]...)
		if _, err := tx.Exec(`UPDATE manifest SET key = ? WHERE key = ?`, newKey, k); err != nil {
			return newErr("move-prefix", KindStorage, err)
		}
	}
	return nil
}

func (m *manifest) movePrefix(from, to []byte) error {
	return m.withTx(func(tx *sql.Tx) error { return movePrefixTx(tx, from, to) })
}

// deletePrefixTx deletes every key starting with prefix and returns the
// locators that were freed so the caller can hole-punch their extents.
func deletePrefixTx(tx *sql.Tx, prefix []byte) ([]Locator, error) {
	lower, upper, ok := prefixBounds(prefix)
	var rows *sql.Rows
	var err error
	if ok {
		rows, err = tx.Query(`SELECT key, file_id, offset, length, last_used_secs, last_used_nanos FROM manifest WHERE key >= ? AND key < ?`, lower, upper)
	} else {
		rows, err = tx.Query(`SELECT key, file_id, offset, length, last_used_secs, last_used_nanos FROM manifest WHERE key >= ?`, lower)
	}
	if err != nil {
		return nil, newErr("delete-prefix", KindStorage, err)
	}
	var keys [][]byte
	var locs []Locator
	for rows.Next() {
		var k []byte
		var loc Locator
		if err := rows.Scan(&k, &loc.FileID, &loc.Offset, &loc.Length, &loc.LastUsed.Secs, &loc.LastUsed.Nanos); err != nil {
			rows.Close()
			return nil, newErr("delete-prefix", KindStorage, err)
		}
		keys = append(keys, k)
		locs = append(locs, loc)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, newErr("delete-prefix", KindStorage, rowsErr)
	}
	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM manifest WHERE key = ?`, k); err != nil {
			return nil, newErr("delete-prefix", KindStorage, err)
		}
	}
	return locs, nil
}

func (m *manifest) deletePrefix(prefix []byte) ([]Locator, error) {
	var locs []Locator
	err := m.withTx(func(tx *sql.Tx) error {
		var err error
		locs, err = deletePrefixTx(tx, prefix)
		return err
	})
	return locs, err
}

// getManyTx resolves every key in keys within a single transaction,
// returning the locator for each found key and the list of keys that were
// not found. Used by Reader.Begin to take a consistent snapshot.
func getManyTx(tx *sql.Tx, keys [][]byte) (map[string]Locator, [][]byte, error) {
	found := make(map[string]Locator, len(keys))
	var missing [][]byte
	for _, k := range keys {
		loc, err := getLocatorTx(tx, k)
		if err != nil {
			return nil, nil, err
		}
		if loc == nil {
			missing = append(missing, k)
			continue
		}
		found[string(k)] = *loc
	}
	return found, missing, nil
}

// liveLengthSumTx returns the sum of lengths of all live manifest entries.
func liveLengthSumTx(tx *sql.Tx) (uint64, error) {
	row := tx.QueryRow(`SELECT COALESCE(SUM(length), 0) FROM manifest`)
	var sum uint64
	if err := row.Scan(&sum); err != nil {
		return 0, newErr("live-length-sum", KindStorage, err)
	}
	return sum, nil
}

// lruCandidatesTx streams live entries ordered by ascending last-used, then
// key, for eviction scanning (§4.7).
func lruCandidatesTx(tx *sql.Tx) (*sql.Rows, error) {
	rows, err := tx.Query(`SELECT key, file_id, offset, length, last_used_secs, last_used_nanos FROM manifest ORDER BY last_used_secs, last_used_nanos, key`)
	if err != nil {
		return nil, newErr("lru-scan", KindStorage, err)
	}
	return rows, nil
}
