package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// Well-known sync_config keys.
const (
	MetaMode            = "mode"              // solo | synced
	MetaSelfPersonUUID  = "self_person_uuid"  // uuid of the ledger owner
	MetaSnapshotAddress = "snapshot_address"  // content address of the last exported snapshot
	MetaSnapshotMaxID   = "snapshot_max_id"   // highest mutation id folded into the snapshot
	MetaPersonalKey     = "personal_key_hex"      // this person's private-scope key, travels only in invites
	MetaLastHLC         = "last_hlc"              // latest clock reading, for monotonicity across restarts
	MetaPossiblyRemoved = "possibly_removed"      // "1" once removal suspicion trips
	MetaPrevPublishID   = "prev_publish_identity" // old pointer kept hot through one transition publish
)

// GetMeta returns the value for key, or "" when unset.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM sync_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta stores a key/value pair.
func (db *DB) SetMeta(key, value string) error {
	return db.withWriteLock(func() error {
		return setMetaConn(db.conn, key, value)
	})
}

// SetMetaTx stores a key/value pair inside an open transaction.
func SetMetaTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO sync_config (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func setMetaConn(conn *sql.DB, key, value string) error {
	_, err := conn.Exec(`INSERT OR REPLACE INTO sync_config (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// MarkAppliedTx records (deviceID, mutationID) in the applied log. Returns
// false when the pair was already present, which is how the merge skips
// duplicates across overlapping chunks and sync retries.
func MarkAppliedTx(tx *sql.Tx, deviceID string, mutationID int64, uuid string) (bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO applied_log (device_id, mutation_id, uuid) VALUES (?, ?, ?)
	`, deviceID, mutationID, uuid)
	if err != nil {
		return false, fmt.Errorf("mark applied %s/%d: %w", deviceID, mutationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppliedCount returns the total number of applied mutations.
func (db *DB) AppliedCount() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM applied_log`).Scan(&n)
	return n, err
}

// TargetClockTx returns the observed sequence vector for one target: the
// highest applied mutation id per author device.
func TargetClockTx(tx *sql.Tx, targetUUID string) (map[string]int64, error) {
	rows, err := tx.Query(`SELECT device_id, last_id FROM target_clock WHERE target_uuid = ?`, targetUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clock := make(map[string]int64)
	for rows.Next() {
		var deviceID string
		var lastID int64
		if err := rows.Scan(&deviceID, &lastID); err != nil {
			return nil, err
		}
		clock[deviceID] = lastID
	}
	return clock, rows.Err()
}

// BumpTargetClockTx advances the target's vector entry for deviceID. The
// MAX guard keeps replays from moving the clock backwards.
func BumpTargetClockTx(tx *sql.Tx, targetUUID, deviceID string, mutationID int64) error {
	_, err := tx.Exec(`
		INSERT INTO target_clock (target_uuid, device_id, last_id) VALUES (?, ?, ?)
		ON CONFLICT(target_uuid, device_id) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)
	`, targetUUID, deviceID, mutationID)
	if err != nil {
		return fmt.Errorf("bump target clock %s/%s: %w", targetUUID, deviceID, err)
	}
	return nil
}

// FieldWrite is the last applied write for one (target, field) pair.
// Basis is the writing mutation's observed sequence vector; it lets a
// later-arriving older mutation be recognized as dominated instead of
// concurrent.
type FieldWrite struct {
	TargetUUID   string
	Field        string
	DeviceID     string
	MutationID   int64
	MutationUUID string
	HLC          string
	Value        []byte
	IsDelete     bool
	Basis        map[string]int64
	AppliedAt    time.Time
}

// Covers reports whether this write's author had already applied
// mutation id from deviceID when the write was signed.
func (fw *FieldWrite) Covers(deviceID string, id int64) bool {
	if fw.DeviceID == deviceID && fw.MutationID >= id {
		return true
	}
	return fw.Basis[deviceID] >= id
}

// GetFieldWriteTx returns the last applied write for (target, field), or
// nil when the field has never been written. The delete marker uses
// field "".
func GetFieldWriteTx(tx *sql.Tx, targetUUID, field string) (*FieldWrite, error) {
	row := tx.QueryRow(`
		SELECT target_uuid, field, device_id, mutation_id, mutation_uuid, hlc, value, is_delete, basis, applied_at
		FROM field_writes WHERE target_uuid = ? AND field = ?
	`, targetUUID, field)
	fw, err := scanFieldWrite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return fw, err
}

// ListFieldWritesTx returns every applied field write for a target. A
// delete checks its basis against all of them to find concurrent updates.
func ListFieldWritesTx(tx *sql.Tx, targetUUID string) ([]FieldWrite, error) {
	rows, err := tx.Query(`
		SELECT target_uuid, field, device_id, mutation_id, mutation_uuid, hlc, value, is_delete, basis, applied_at
		FROM field_writes WHERE target_uuid = ? ORDER BY field
	`, targetUUID)
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

func scanFieldWrite(r rowScanner) (*FieldWrite, error) {
	var fw FieldWrite
	var value sql.NullString
	var basis string
	if err := r.Scan(&fw.TargetUUID, &fw.Field, &fw.DeviceID, &fw.MutationID,
		&fw.MutationUUID, &fw.HLC, &value, &fw.IsDelete, &basis, &fw.AppliedAt); err != nil {
		return nil, err
	}
	if value.Valid {
		fw.Value = []byte(value.String)
	}
	if err := json.Unmarshal([]byte(basis), &fw.Basis); err != nil {
		return nil, fmt.Errorf("decode field write basis: %w", err)
	}
	return &fw, nil
}

// PutFieldWriteTx records fw as the last applied write for its field.
func PutFieldWriteTx(tx *sql.Tx, fw FieldWrite) error {
	basis, err := json.Marshal(fw.Basis)
	if err != nil {
		return fmt.Errorf("marshal field write basis: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO field_writes (target_uuid, field, device_id, mutation_id, mutation_uuid, hlc, value, is_delete, basis, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_uuid, field) DO UPDATE SET
			device_id = excluded.device_id,
			mutation_id = excluded.mutation_id,
			mutation_uuid = excluded.mutation_uuid,
			hlc = excluded.hlc,
			value = excluded.value,
			is_delete = excluded.is_delete,
			basis = excluded.basis,
			applied_at = excluded.applied_at
	`, fw.TargetUUID, fw.Field, fw.DeviceID, fw.MutationID, fw.MutationUUID, fw.HLC,
		nullableBytes(fw.Value), fw.IsDelete, string(basis), time.Now())
	if err != nil {
		return fmt.Errorf("put field write %s/%s: %w", fw.TargetUUID, fw.Field, err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// InsertMalformedReportTx records inbound content that failed verification.
func InsertMalformedReportTx(tx *sql.Tx, peerDeviceID, reason, detail string) error {
	_, err := tx.Exec(`
		INSERT INTO malformed_reports (peer_device_id, reason, detail) VALUES (?, ?, ?)
	`, peerDeviceID, reason, detail)
	if err != nil {
		return fmt.Errorf("insert malformed report: %w", err)
	}
	return nil
}

// InsertMalformedReport records a rejected item outside any transaction.
func (db *DB) InsertMalformedReport(peerDeviceID, reason, detail string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO malformed_reports (peer_device_id, reason, detail) VALUES (?, ?, ?)
		`, peerDeviceID, reason, detail)
		if err != nil {
			return fmt.Errorf("insert malformed report: %w", err)
		}
		return nil
	})
}

// ListMalformedReports returns rejection reports, newest first.
func (db *DB) ListMalformedReports(limit int) ([]models.MalformedReport, error) {
	rows, err := db.conn.Query(`
		SELECT id, peer_device_id, reason, detail, detected_at
		FROM malformed_reports ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MalformedReport
	for rows.Next() {
		var m models.MalformedReport
		if err := rows.Scan(&m.ID, &m.PeerDeviceID, &m.Reason, &m.Detail, &m.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
