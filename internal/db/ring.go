package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// UpsertPersonTx creates or updates a person row inside a merge transaction.
func UpsertPersonTx(tx *sql.Tx, p models.Person) error {
	_, err := tx.Exec(`
		INSERT INTO persons (uuid, name, is_self, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET name = excluded.name
	`, p.UUID, p.Name, p.IsSelf, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert person %s: %w", p.UUID, err)
	}
	return nil
}

// MarkPersonSelfTx flags the person this ledger belongs to. Only init
// calls this; is_self never travels in mutations.
func MarkPersonSelfTx(tx *sql.Tx, uuid string) error {
	if _, err := tx.Exec(`UPDATE persons SET is_self = 1 WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("mark person self %s: %w", uuid, err)
	}
	return nil
}

// MarkPersonRemovedTx tombstones a person. Their rows stay readable so
// history written by their devices still attributes correctly.
func MarkPersonRemovedTx(tx *sql.Tx, uuid string) error {
	_, err := tx.Exec(`UPDATE persons SET removed_at = ? WHERE uuid = ? AND removed_at IS NULL`, time.Now(), uuid)
	if err != nil {
		return fmt.Errorf("remove person %s: %w", uuid, err)
	}
	return nil
}

// GetPerson returns one person by uuid, or nil when unknown.
func (db *DB) GetPerson(uuid string) (*models.Person, error) {
	row := db.conn.QueryRow(`
		SELECT uuid, name, is_self, created_at, removed_at FROM persons WHERE uuid = ?
	`, uuid)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// SelfPerson returns the person this ledger belongs to.
func (db *DB) SelfPerson() (*models.Person, error) {
	row := db.conn.QueryRow(`
		SELECT uuid, name, is_self, created_at, removed_at FROM persons WHERE is_self = 1
	`)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger has no owner: run 'divvy init' first")
	}
	return p, err
}

// ListPersons returns all persons, active ones first.
func (db *DB) ListPersons(includeRemoved bool) ([]models.Person, error) {
	query := `SELECT uuid, name, is_self, created_at, removed_at FROM persons`
	if !includeRemoved {
		query += ` WHERE removed_at IS NULL`
	}
	query += ` ORDER BY removed_at IS NOT NULL, created_at`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPerson(r rowScanner) (*models.Person, error) {
	var p models.Person
	var removedAt sql.NullTime
	if err := r.Scan(&p.UUID, &p.Name, &p.IsSelf, &p.CreatedAt, &removedAt); err != nil {
		return nil, err
	}
	if removedAt.Valid {
		p.RemovedAt = &removedAt.Time
	}
	return &p, nil
}

// UpsertDeviceTx creates or updates a device row inside a merge transaction.
func UpsertDeviceTx(tx *sql.Tx, d models.Device) error {
	_, err := tx.Exec(`
		INSERT INTO devices (device_id, person_uuid, name, signing_public_key, publish_identity, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			signing_public_key = excluded.signing_public_key,
			publish_identity = excluded.publish_identity
	`, d.DeviceID, d.PersonUUID, d.Name, d.SigningPublicKey, d.PublishIdentity, d.AddedAt)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// GetDeviceTx returns one device inside a merge transaction, or nil.
func GetDeviceTx(tx *sql.Tx, deviceID string) (*models.Device, error) {
	row := tx.QueryRow(`
		SELECT device_id, person_uuid, name, signing_public_key, publish_identity, added_at, removed_at
		FROM devices WHERE device_id = ?
	`, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// SetDeviceNameTx updates just the device name.
func SetDeviceNameTx(tx *sql.Tx, deviceID, name string) error {
	if _, err := tx.Exec(`UPDATE devices SET name = ? WHERE device_id = ?`, name, deviceID); err != nil {
		return fmt.Errorf("rename device %s: %w", deviceID, err)
	}
	return nil
}

// SetDevicePublishIdentityTx updates just the device's publish identity.
func SetDevicePublishIdentityTx(tx *sql.Tx, deviceID, publishIdentity string) error {
	if _, err := tx.Exec(`UPDATE devices SET publish_identity = ? WHERE device_id = ?`, publishIdentity, deviceID); err != nil {
		return fmt.Errorf("update device identity %s: %w", deviceID, err)
	}
	return nil
}

// SetDeviceEnrollmentTx backfills the immutable enrollment columns on a
// placeholder row left by an update that arrived before its create.
func SetDeviceEnrollmentTx(tx *sql.Tx, deviceID, personUUID, signingPublicKey string) error {
	if _, err := tx.Exec(`
		UPDATE devices SET person_uuid = ?, signing_public_key = ? WHERE device_id = ?
	`, personUUID, signingPublicKey, deviceID); err != nil {
		return fmt.Errorf("enroll device %s: %w", deviceID, err)
	}
	return nil
}

// MarkDeviceRemovedTx tombstones a device and drops its peer sync state.
func MarkDeviceRemovedTx(tx *sql.Tx, deviceID string) error {
	_, err := tx.Exec(`UPDATE devices SET removed_at = ? WHERE device_id = ? AND removed_at IS NULL`, time.Now(), deviceID)
	if err != nil {
		return fmt.Errorf("remove device %s: %w", deviceID, err)
	}
	if _, err := tx.Exec(`DELETE FROM peer_sync_state WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("drop peer state %s: %w", deviceID, err)
	}
	return nil
}

// GetDevice returns one device by id, or nil when unknown.
func (db *DB) GetDevice(deviceID string) (*models.Device, error) {
	row := db.conn.QueryRow(`
		SELECT device_id, person_uuid, name, signing_public_key, publish_identity, added_at, removed_at
		FROM devices WHERE device_id = ?
	`, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDevices returns ring devices, active ones first.
func (db *DB) ListDevices(includeRemoved bool) ([]models.Device, error) {
	query := `SELECT device_id, person_uuid, name, signing_public_key, publish_identity, added_at, removed_at FROM devices`
	if !includeRemoved {
		query += ` WHERE removed_at IS NULL`
	}
	query += ` ORDER BY removed_at IS NOT NULL, added_at`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ActivePeerDevices returns every active ring device except selfDeviceID.
// This is the pull schedule for one sync cycle.
func (db *DB) ActivePeerDevices(selfDeviceID string) ([]models.Device, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, person_uuid, name, signing_public_key, publish_identity, added_at, removed_at
		FROM devices WHERE removed_at IS NULL AND device_id != ? ORDER BY added_at
	`, selfDeviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDevice(r rowScanner) (*models.Device, error) {
	var d models.Device
	var removedAt sql.NullTime
	if err := r.Scan(&d.DeviceID, &d.PersonUUID, &d.Name, &d.SigningPublicKey, &d.PublishIdentity, &d.AddedAt, &removedAt); err != nil {
		return nil, err
	}
	if removedAt.Valid {
		d.RemovedAt = &removedAt.Time
	}
	return &d, nil
}
