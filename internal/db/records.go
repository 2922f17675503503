package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// InsertRecordTx stores a full record row, used by snapshot import.
// Existing rows win, so replaying a snapshot never clobbers merged state.
func InsertRecordTx(tx *sql.Tx, r models.Record) error {
	data := r.Data
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	_, err := tx.Exec(`
		INSERT INTO records (uuid, type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING
	`, r.UUID, r.Type, string(data), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.UUID, err)
	}
	return nil
}

// EnsureRecordTx makes sure a record row exists. An out-of-order field
// write may land before the create, leaving a typeless placeholder; the
// create backfills the type when it arrives.
func EnsureRecordTx(tx *sql.Tx, uuid, recType string, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO records (uuid, type, data, created_at, updated_at)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			type = CASE WHEN records.type = '' THEN excluded.type ELSE records.type END
	`, uuid, recType, at, at)
	if err != nil {
		return fmt.Errorf("ensure record %s: %w", uuid, err)
	}
	return nil
}

// GetRecordTx reads one record inside a merge transaction, or nil when
// unknown. The merge reads, patches the data JSON, and writes back.
func GetRecordTx(tx *sql.Tx, uuid string) (*models.Record, error) {
	row := tx.QueryRow(`
		SELECT uuid, type, data, created_at, updated_at, deleted_at FROM records WHERE uuid = ?
	`, uuid)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// UpdateRecordDataTx replaces a record's data JSON.
func UpdateRecordDataTx(tx *sql.Tx, uuid string, data []byte) error {
	_, err := tx.Exec(`
		UPDATE records SET data = ?, updated_at = ? WHERE uuid = ?
	`, string(data), time.Now(), uuid)
	if err != nil {
		return fmt.Errorf("update record %s: %w", uuid, err)
	}
	return nil
}

// SetRecordDeletedTx sets or clears a record's delete tombstone. Clearing
// happens when a conflict resolution revives a deleted record.
func SetRecordDeletedTx(tx *sql.Tx, uuid string, deleted bool) error {
	var err error
	if deleted {
		_, err = tx.Exec(`UPDATE records SET deleted_at = ?, updated_at = ? WHERE uuid = ?`, time.Now(), time.Now(), uuid)
	} else {
		_, err = tx.Exec(`UPDATE records SET deleted_at = NULL, updated_at = ? WHERE uuid = ?`, time.Now(), uuid)
	}
	if err != nil {
		return fmt.Errorf("set record %s deleted=%v: %w", uuid, deleted, err)
	}
	return nil
}

// GetRecord returns one record by uuid, or nil when unknown.
func (db *DB) GetRecord(uuid string) (*models.Record, error) {
	row := db.conn.QueryRow(`
		SELECT uuid, type, data, created_at, updated_at, deleted_at FROM records WHERE uuid = ?
	`, uuid)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRecords returns live records, optionally filtered by type.
func (db *DB) ListRecords(recordType string, includeDeleted bool) ([]models.Record, error) {
	query := `SELECT uuid, type, data, created_at, updated_at, deleted_at FROM records`
	var conds []string
	var args []any
	if !includeDeleted {
		conds = append(conds, `deleted_at IS NULL`)
	}
	if recordType != "" {
		conds = append(conds, `type = ?`)
		args = append(args, recordType)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRecord(r rowScanner) (*models.Record, error) {
	var rec models.Record
	var data string
	var deletedAt sql.NullTime
	if err := r.Scan(&rec.UUID, &rec.Type, &data, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}
	return &rec, nil
}
