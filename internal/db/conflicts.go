package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// InsertConflictTx stores a freshly detected conflict and returns its id.
func InsertConflictTx(tx *sql.Tx, c *models.Conflict) (int64, error) {
	opts, err := json.Marshal(c.Options)
	if err != nil {
		return 0, fmt.Errorf("marshal conflict options: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO conflicts (type, target_uuid, target_type, field, options, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Type, c.TargetUUID, c.TargetType, c.Field, string(opts), models.ConflictPending, time.Now())
	if err != nil {
		return 0, fmt.Errorf("insert conflict: %w", err)
	}
	return res.LastInsertId()
}

// FindOpenConflictTx returns the pending conflict for target+field, or nil
// when none exists. Field is empty for delete_vs_update conflicts.
func FindOpenConflictTx(tx *sql.Tx, targetUUID, field string) (*models.Conflict, error) {
	row := tx.QueryRow(`
		SELECT id, type, target_uuid, target_type, field, options, status, detected_at, resolved_at, winner_uuid, resolved_hlc
		FROM conflicts WHERE target_uuid = ? AND field = ? AND status = ?
	`, targetUUID, field, models.ConflictPending)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListOpenConflictsForTargetTx returns every pending conflict on a target.
func ListOpenConflictsForTargetTx(tx *sql.Tx, targetUUID string) ([]models.Conflict, error) {
	rows, err := tx.Query(`
		SELECT id, type, target_uuid, target_type, field, options, status, detected_at, resolved_at, winner_uuid, resolved_hlc
		FROM conflicts WHERE target_uuid = ? AND status = ? ORDER BY id
	`, targetUUID, models.ConflictPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindLatestConflictTx returns the newest conflict row for (target, field)
// regardless of status, or nil. Resolutions use it to judge recency when
// the conflict has already been closed.
func FindLatestConflictTx(tx *sql.Tx, targetUUID, field string) (*models.Conflict, error) {
	row := tx.QueryRow(`
		SELECT id, type, target_uuid, target_type, field, options, status, detected_at, resolved_at, winner_uuid, resolved_hlc
		FROM conflicts WHERE target_uuid = ? AND field = ? ORDER BY id DESC LIMIT 1
	`, targetUUID, field)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// UpdateConflictOptionsTx replaces the option set of a pending conflict.
func UpdateConflictOptionsTx(tx *sql.Tx, id int64, options []models.ConflictOption) error {
	opts, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal conflict options: %w", err)
	}
	_, err = tx.Exec(`UPDATE conflicts SET options = ? WHERE id = ?`, string(opts), id)
	if err != nil {
		return fmt.Errorf("update conflict %d options: %w", id, err)
	}
	return nil
}

// CloseConflictTx marks a conflict resolved or cancelled. winnerUUID and
// resolvedHLC are empty for cancellations.
func CloseConflictTx(tx *sql.Tx, id int64, status models.ConflictStatus, winnerUUID, resolvedHLC string) error {
	_, err := tx.Exec(`
		UPDATE conflicts SET status = ?, resolved_at = ?, winner_uuid = ?, resolved_hlc = ?
		WHERE id = ?
	`, status, time.Now(), winnerUUID, resolvedHLC, id)
	if err != nil {
		return fmt.Errorf("close conflict %d: %w", id, err)
	}
	return nil
}

// GetConflict returns one conflict by id.
func (db *DB) GetConflict(id int64) (*models.Conflict, error) {
	row := db.conn.QueryRow(`
		SELECT id, type, target_uuid, target_type, field, options, status, detected_at, resolved_at, winner_uuid, resolved_hlc
		FROM conflicts WHERE id = ?
	`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConflicts returns conflicts with the given status, oldest first.
// An empty status returns everything.
func (db *DB) ListConflicts(status models.ConflictStatus) ([]models.Conflict, error) {
	query := `SELECT id, type, target_uuid, target_type, field, options, status, detected_at, resolved_at, winner_uuid, resolved_hlc
		FROM conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at, id`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// PendingConflictCount returns how many conflicts await resolution.
func (db *DB) PendingConflictCount() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM conflicts WHERE status = ?`, models.ConflictPending).Scan(&n)
	return n, err
}

func scanConflict(r rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var opts string
	var resolvedAt sql.NullTime
	err := r.Scan(&c.ID, &c.Type, &c.TargetUUID, &c.TargetType, &c.Field, &opts,
		&c.Status, &c.DetectedAt, &resolvedAt, &c.WinnerUUID, &c.ResolvedHLC)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &c.Options); err != nil {
		return nil, fmt.Errorf("decode conflict %d options: %w", c.ID, err)
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return &c, nil
}
