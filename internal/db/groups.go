package db

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// UpsertGroupTx creates or updates a group row inside a merge transaction.
func UpsertGroupTx(tx *sql.Tx, g models.Group) error {
	members, err := json.Marshal(g.MemberUUIDs)
	if err != nil {
		return fmt.Errorf("marshal group members: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO groups (uuid, name, member_uuids, forked_from, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			member_uuids = excluded.member_uuids
	`, g.UUID, g.Name, string(members), g.ForkedFrom, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.UUID, err)
	}
	return nil
}

// GetGroupTx returns one group inside a merge transaction, or nil.
func GetGroupTx(tx *sql.Tx, uuid string) (*models.Group, error) {
	row := tx.QueryRow(`
		SELECT uuid, name, member_uuids, forked_from, created_at, removed_at FROM groups WHERE uuid = ?
	`, uuid)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// SetGroupNameTx updates just the group name.
func SetGroupNameTx(tx *sql.Tx, uuid, name string) error {
	if _, err := tx.Exec(`UPDATE groups SET name = ? WHERE uuid = ?`, name, uuid); err != nil {
		return fmt.Errorf("rename group %s: %w", uuid, err)
	}
	return nil
}

// SetGroupMembersTx replaces the group's member list.
func SetGroupMembersTx(tx *sql.Tx, uuid string, members []string) error {
	data, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("marshal group members: %w", err)
	}
	if _, err := tx.Exec(`UPDATE groups SET member_uuids = ? WHERE uuid = ?`, string(data), uuid); err != nil {
		return fmt.Errorf("update group members %s: %w", uuid, err)
	}
	return nil
}

// SetGroupForkTx backfills fork lineage on a placeholder row.
func SetGroupForkTx(tx *sql.Tx, uuid, forkedFrom string) error {
	if _, err := tx.Exec(`
		UPDATE groups SET forked_from = ? WHERE uuid = ? AND forked_from = ''
	`, forkedFrom, uuid); err != nil {
		return fmt.Errorf("set group fork %s: %w", uuid, err)
	}
	return nil
}

// MarkGroupRemovedTx tombstones a group and retires its keys.
func MarkGroupRemovedTx(tx *sql.Tx, uuid string) error {
	if _, err := tx.Exec(`UPDATE groups SET removed_at = ? WHERE uuid = ? AND removed_at IS NULL`, time.Now(), uuid); err != nil {
		return fmt.Errorf("remove group %s: %w", uuid, err)
	}
	if _, err := tx.Exec(`UPDATE group_keys SET active = 0 WHERE group_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("retire keys for group %s: %w", uuid, err)
	}
	return nil
}

// GetGroup returns one group by uuid, or nil when unknown.
func (db *DB) GetGroup(uuid string) (*models.Group, error) {
	row := db.conn.QueryRow(`
		SELECT uuid, name, member_uuids, forked_from, created_at, removed_at FROM groups WHERE uuid = ?
	`, uuid)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// ListGroups returns groups, oldest first.
func (db *DB) ListGroups(includeRemoved bool) ([]models.Group, error) {
	query := `SELECT uuid, name, member_uuids, forked_from, created_at, removed_at FROM groups`
	if !includeRemoved {
		query += ` WHERE removed_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGroup(r rowScanner) (*models.Group, error) {
	var g models.Group
	var members string
	var removedAt sql.NullTime
	if err := r.Scan(&g.UUID, &g.Name, &members, &g.ForkedFrom, &g.CreatedAt, &removedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &g.MemberUUIDs); err != nil {
		return nil, fmt.Errorf("decode group %s members: %w", g.UUID, err)
	}
	if removedAt.Valid {
		g.RemovedAt = &removedAt.Time
	}
	return &g, nil
}

// BroadcastScope is the reserved key scope for the ring-wide chunk key. It
// lives in group_keys beside real group scopes so rotation keeps history and
// key envelopes carry every key a member needs in one shape.
const BroadcastScope = "broadcast"

// SetGroupKeyTx deactivates any active key for the group and installs key
// as the new active one. Superseded keys stay readable so old chunks still
// decrypt.
func SetGroupKeyTx(tx *sql.Tx, groupUUID string, key []byte) error {
	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE group_keys SET active = 0, rotated_at = ? WHERE group_uuid = ? AND active = 1
	`, now, groupUUID); err != nil {
		return fmt.Errorf("retire group key %s: %w", groupUUID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO group_keys (group_uuid, key_hex, active, created_at, rotated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(group_uuid, key_hex) DO UPDATE SET active = 1, rotated_at = excluded.rotated_at
	`, groupUUID, hex.EncodeToString(key), now, now); err != nil {
		return fmt.Errorf("install group key %s: %w", groupUUID, err)
	}
	return nil
}

// SetGroupKey is SetGroupKeyTx under its own transaction.
func (db *DB) SetGroupKey(groupUUID string, key []byte) error {
	return db.WithTx(func(tx *sql.Tx) error {
		return SetGroupKeyTx(tx, groupUUID, key)
	})
}

// InstallGroupKeyTx records a key learned from a peer's envelope. An
// incoming active claim only unseats the reigning key when the incoming
// key is newer, by mint time with the key bytes breaking ties. Envelopes
// are rebuilt from the sender's table on every publish, so a peer that
// has not pulled a rotation yet keeps re-sending the superseded key as
// active; ordering the claims is what lets every device settle on the
// same winner.
func InstallGroupKeyTx(tx *sql.Tx, gk models.GroupKey) error {
	keyHex := hex.EncodeToString(gk.Key)
	active := gk.Active
	if active {
		var curHex string
		var curCreated time.Time
		err := tx.QueryRow(`
			SELECT key_hex, created_at FROM group_keys WHERE group_uuid = ? AND active = 1
		`, gk.GroupUUID).Scan(&curHex, &curCreated)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("reigning key for %s: %w", gk.GroupUUID, err)
		case curHex == keyHex:
		case gk.CreatedAt.After(curCreated) || (gk.CreatedAt.Equal(curCreated) && keyHex > curHex):
			if _, err := tx.Exec(`
				UPDATE group_keys SET active = 0, rotated_at = ? WHERE group_uuid = ? AND active = 1
			`, gk.CreatedAt, gk.GroupUUID); err != nil {
				return fmt.Errorf("retire keys for %s: %w", gk.GroupUUID, err)
			}
		default:
			active = false
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO group_keys (group_uuid, key_hex, active, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_uuid, key_hex) DO UPDATE SET active = excluded.active
	`, gk.GroupUUID, keyHex, active, gk.CreatedAt, gk.RotatedAt); err != nil {
		return fmt.Errorf("install key for %s: %w", gk.GroupUUID, err)
	}
	return nil
}

// ActiveBroadcastKey returns the ring-wide chunk key, or nil before init.
func (db *DB) ActiveBroadcastKey() ([]byte, error) {
	return db.ActiveGroupKey(BroadcastScope)
}

// ActiveGroupKey returns the active symmetric key for a group, or nil when
// the group has no key installed.
func (db *DB) ActiveGroupKey(groupUUID string) ([]byte, error) {
	var keyHex string
	err := db.conn.QueryRow(`
		SELECT key_hex FROM group_keys WHERE group_uuid = ? AND active = 1
	`, groupUUID).Scan(&keyHex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode group key %s: %w", groupUUID, err)
	}
	return key, nil
}

// GroupKeys returns every key ever installed for a group, newest first.
// Decryption walks this list when a chunk predates the active key.
func (db *DB) GroupKeys(groupUUID string) ([]models.GroupKey, error) {
	rows, err := db.conn.Query(`
		SELECT group_uuid, key_hex, active, created_at, rotated_at
		FROM group_keys WHERE group_uuid = ? ORDER BY created_at DESC
	`, groupUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GroupKey
	for rows.Next() {
		var gk models.GroupKey
		var keyHex string
		if err := rows.Scan(&gk.GroupUUID, &keyHex, &gk.Active, &gk.CreatedAt, &gk.RotatedAt); err != nil {
			return nil, err
		}
		gk.Key, err = hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode group key %s: %w", groupUUID, err)
		}
		out = append(out, gk)
	}
	return out, rows.Err()
}

// AllGroupKeys returns the full keyring across every group, used when
// building key envelopes for peers.
func (db *DB) AllGroupKeys() ([]models.GroupKey, error) {
	rows, err := db.conn.Query(`
		SELECT group_uuid, key_hex, active, created_at, rotated_at
		FROM group_keys ORDER BY group_uuid, created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GroupKey
	for rows.Next() {
		var gk models.GroupKey
		var keyHex string
		if err := rows.Scan(&gk.GroupUUID, &keyHex, &gk.Active, &gk.CreatedAt, &gk.RotatedAt); err != nil {
			return nil, err
		}
		gk.Key, err = hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode group key %s: %w", gk.GroupUUID, err)
		}
		out = append(out, gk)
	}
	return out, rows.Err()
}
