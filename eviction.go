package possum

import (
	"database/sql"
)

// evictToLimit enforces max_value_length_sum inside tx, deleting
// least-recently-used live entries (ties broken by key, ascending) until
// the live length sum is at or below limit. Returns the locators it freed
// so the caller can hole-punch them once the transaction commits. A limit
// of 0 means unlimited. Returns a storage error if the manifest doesn't
// hold enough entries to reach the limit.
func evictToLimit(tx *sql.Tx, limit uint64) ([]Locator, error) {
	if limit == 0 {
		return nil, nil
	}
	sum, err := liveLengthSumTx(tx)
	if err != nil {
		return nil, err
	}
	if sum <= limit {
		return nil, nil
	}
	excess := sum - limit

	// TODO: this reads every live entry into memory before picking victims;
	// a cursor bounded by a running sum would avoid that for huge manifests.
	rows, err := lruCandidatesTx(tx)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		key []byte
		loc Locator
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.key, &c.loc.FileID, &c.loc.Offset, &c.loc.Length, &c.loc.LastUsed.Secs, &c.loc.LastUsed.Nanos); err != nil {
			rows.Close()
			return nil, newErr("evict", KindStorage, err)
		}
		candidates = append(candidates, c)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, newErr("evict", KindStorage, rowsErr)
	}

	var freed []Locator
	var freedLen uint64
	for _, c := range candidates {
		if freedLen >= excess {
			break
		}
		if _, err := tx.Exec(`DELETE FROM manifest WHERE key = ?`, c.key); err != nil {
			return nil, newKeyErr("evict", KindStorage, c.key, err)
		}
		freed = append(freed, c.loc)
		freedLen += c.loc.Length
	}
	if freedLen < excess {
		return nil, newErr("evict", KindStorage, errNotEnoughToEvict)
	}
	return freed, nil
}

var errNotEnoughToEvict = errString("insufficient live entries to satisfy max_value_length_sum")

type errString string

func (e errString) Error() string { return string(e) }
