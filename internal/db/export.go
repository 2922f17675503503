package db

import (
	"database/sql"
	"fmt"
)

// Snapshot support: bulk readers for export, seeders for import. The
// merge bookkeeping travels with the data so a restored ledger can keep
// judging causality where the source left off.

// TargetClockEntry is one row of the target_clock dump.
type TargetClockEntry struct {
	TargetUUID string
	DeviceID   string
	LastID     int64
}

// AllTargetClocks dumps every target's observed sequence vector.
func (db *DB) AllTargetClocks() ([]TargetClockEntry, error) {
	rows, err := db.conn.Query(`
		SELECT target_uuid, device_id, last_id FROM target_clock ORDER BY target_uuid, device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TargetClockEntry
	for rows.Next() {
		var e TargetClockEntry
		if err := rows.Scan(&e.TargetUUID, &e.DeviceID, &e.LastID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllFieldWrites dumps the last applied write of every (target, field).
func (db *DB) AllFieldWrites() ([]FieldWrite, error) {
	rows, err := db.conn.Query(`
		SELECT target_uuid, field, device_id, mutation_id, mutation_uuid, hlc, value, is_delete, basis, applied_at
		FROM field_writes ORDER BY target_uuid, field
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FieldWrite
	for rows.Next() {
		fw, err := scanFieldWrite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fw)
	}
	return out, rows.Err()
}

// AppliedWatermarks returns the highest applied mutation id per author
// device.
func (db *DB) AppliedWatermarks() (map[string]int64, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, MAX(mutation_id) FROM applied_log GROUP BY device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var deviceID string
		var id int64
		if err := rows.Scan(&deviceID, &id); err != nil {
			return nil, err
		}
		marks[deviceID] = id
	}
	return marks, rows.Err()
}

// SeedAppliedThroughTx marks ids 1..through from deviceID as applied,
// without knowing their uuids. A snapshot vouches that its source had
// applied everything up to the watermark, so chunks overlapping it replay
// as duplicates instead of double-applying.
func SeedAppliedThroughTx(tx *sql.Tx, deviceID string, through int64) error {
	if through < 1 {
		return nil
	}
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO applied_log (device_id, mutation_id, uuid)
		WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < ?)
		SELECT ?, n, '' FROM seq
	`, through, deviceID)
	if err != nil {
		return fmt.Errorf("seed applied log for %s: %w", deviceID, err)
	}
	return nil
}
