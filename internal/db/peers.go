package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// UpsertPeer creates or refreshes the sync-state row for a remote device.
// A fresh row starts at last_synced_id 0 so the first pull fetches
// everything the peer ever published.
func (db *DB) UpsertPeer(deviceID, publishIdentity string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO peer_sync_state (device_id, publish_identity, last_synced_id, consecutive_failures)
			VALUES (?, ?, 0, 0)
			ON CONFLICT(device_id) DO UPDATE SET publish_identity = excluded.publish_identity
		`, deviceID, publishIdentity)
		if err != nil {
			return fmt.Errorf("upsert peer %s: %w", deviceID, err)
		}
		return nil
	})
}

// UpsertPeerTx is UpsertPeer inside an open transaction, for the merge
// path enrolling a device it just learned about.
func UpsertPeerTx(tx *sql.Tx, deviceID, publishIdentity string) error {
	_, err := tx.Exec(`
		INSERT INTO peer_sync_state (device_id, publish_identity, last_synced_id, consecutive_failures)
		VALUES (?, ?, 0, 0)
		ON CONFLICT(device_id) DO UPDATE SET publish_identity = excluded.publish_identity
	`, deviceID, publishIdentity)
	if err != nil {
		return fmt.Errorf("upsert peer %s: %w", deviceID, err)
	}
	return nil
}

// GetPeer returns the sync state for one remote device.
func (db *DB) GetPeer(deviceID string) (*models.PeerState, error) {
	row := db.conn.QueryRow(`
		SELECT device_id, publish_identity, last_synced_id, last_synced_at, consecutive_failures
		FROM peer_sync_state WHERE device_id = ?
	`, deviceID)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown peer %s", deviceID)
	}
	return p, err
}

// ListPeers returns sync state for every known remote device.
func (db *DB) ListPeers() ([]models.PeerState, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, publish_identity, last_synced_id, last_synced_at, consecutive_failures
		FROM peer_sync_state ORDER BY device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []models.PeerState
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(r rowScanner) (*models.PeerState, error) {
	var p models.PeerState
	var syncedAt sql.NullTime
	if err := r.Scan(&p.DeviceID, &p.PublishIdentity, &p.LastSyncedID, &syncedAt, &p.ConsecutiveFailures); err != nil {
		return nil, err
	}
	if syncedAt.Valid {
		p.LastSyncedAt = &syncedAt.Time
	}
	return &p, nil
}

// RecordPeerSuccess advances the pull watermark and clears the failure
// counter after a successful pull from deviceID.
func (db *DB) RecordPeerSuccess(deviceID string, lastSyncedID int64) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			UPDATE peer_sync_state
			SET last_synced_id = ?, last_synced_at = ?, consecutive_failures = 0
			WHERE device_id = ?
		`, lastSyncedID, time.Now(), deviceID)
		if err != nil {
			return fmt.Errorf("record peer success %s: %w", deviceID, err)
		}
		return nil
	})
}

// RecordPeerFailure bumps the consecutive failure counter for deviceID and
// returns the new count. The watermark is untouched, so the next successful
// pull resumes exactly where the last one stopped.
func (db *DB) RecordPeerFailure(deviceID string) (int, error) {
	var count int
	err := db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			UPDATE peer_sync_state SET consecutive_failures = consecutive_failures + 1
			WHERE device_id = ?
		`, deviceID)
		if err != nil {
			return fmt.Errorf("record peer failure %s: %w", deviceID, err)
		}
		return db.conn.QueryRow(`
			SELECT consecutive_failures FROM peer_sync_state WHERE device_id = ?
		`, deviceID).Scan(&count)
	})
	return count, err
}

// RemovePeer drops the sync-state row for a device that left the ring.
func (db *DB) RemovePeer(deviceID string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM peer_sync_state WHERE device_id = ?`, deviceID)
		if err != nil {
			return fmt.Errorf("remove peer %s: %w", deviceID, err)
		}
		return nil
	})
}

// RemovePeerTx is RemovePeer inside a merge transaction.
func RemovePeerTx(tx *sql.Tx, deviceID string) error {
	if _, err := tx.Exec(`DELETE FROM peer_sync_state WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("remove peer %s: %w", deviceID, err)
	}
	return nil
}
