package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/models"
)

// Queue row statuses.
const (
	QueueStatusPending   = "pending"
	QueueStatusPublished = "published"
)

// QueuedMutation is one row of the outbound mutation log.
type QueuedMutation struct {
	ID           int64
	UUID         string
	TargetUUID   string
	TargetType   string
	Verb         string
	Data         []byte // signed mutation JSON, exactly as serialized
	Status       string
	ChunkAddress string
	CreatedAt    time.Time
	PublishedAt  *time.Time
}

// NextMutationIDTx allocates the next per-device mutation id inside tx.
// IDs are monotonic and gapless because allocation and insert share the
// enqueue transaction.
func NextMutationIDTx(tx *sql.Tx) (int64, error) {
	var maxID sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(id) FROM mutation_queue`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("next mutation id: %w", err)
	}
	return maxID.Int64 + 1, nil
}

// EnqueueMutationTx inserts a signed mutation as a pending queue row.
func EnqueueMutationTx(tx *sql.Tx, q QueuedMutation) error {
	_, err := tx.Exec(`
		INSERT INTO mutation_queue (id, uuid, target_uuid, target_type, verb, data, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.UUID, q.TargetUUID, q.TargetType, q.Verb, q.Data, QueueStatusPending, time.Now())
	if err != nil {
		return fmt.Errorf("enqueue mutation %s: %w", q.UUID, err)
	}
	return nil
}

// PendingMutations returns unpublished queue rows in id order.
func (db *DB) PendingMutations() ([]QueuedMutation, error) {
	return db.queryQueue(`SELECT id, uuid, target_uuid, target_type, verb, data, status, chunk_address, created_at, published_at
		FROM mutation_queue WHERE status = ? ORDER BY id`, QueueStatusPending)
}

// MutationsInRange returns queue rows with from <= id <= to, in id order.
func (db *DB) MutationsInRange(from, to int64) ([]QueuedMutation, error) {
	return db.queryQueue(`SELECT id, uuid, target_uuid, target_type, verb, data, status, chunk_address, created_at, published_at
		FROM mutation_queue WHERE id >= ? AND id <= ? ORDER BY id`, from, to)
}

// RecentMutations returns the newest limit queue rows, newest first.
func (db *DB) RecentMutations(limit int) ([]QueuedMutation, error) {
	return db.queryQueue(`SELECT id, uuid, target_uuid, target_type, verb, data, status, chunk_address, created_at, published_at
		FROM mutation_queue ORDER BY id DESC LIMIT ?`, limit)
}

func (db *DB) queryQueue(query string, args ...any) ([]QueuedMutation, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMutation
	for rows.Next() {
		var q QueuedMutation
		var publishedAt sql.NullTime
		if err := rows.Scan(&q.ID, &q.UUID, &q.TargetUUID, &q.TargetType, &q.Verb, &q.Data,
			&q.Status, &q.ChunkAddress, &q.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		if publishedAt.Valid {
			q.PublishedAt = &publishedAt.Time
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkMutationsPublished flips the given queue rows to published and stamps
// the chunk that carries them. A publish failure simply never reaches this
// point, leaving the rows pending for the next cycle.
func (db *DB) MarkMutationsPublished(ids []int64, chunkAddress string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.withWriteLock(func() error {
		now := time.Now()
		for _, id := range ids {
			_, err := db.conn.Exec(`
				UPDATE mutation_queue SET status = ?, chunk_address = ?, published_at = ?
				WHERE id = ? AND status = ?
			`, QueueStatusPublished, chunkAddress, now, id, QueueStatusPending)
			if err != nil {
				return fmt.Errorf("mark mutation %d published: %w", id, err)
			}
		}
		return nil
	})
}

// LatestMutationID returns the highest published mutation id, or zero when
// nothing has been published yet.
func (db *DB) LatestMutationID() (int64, error) {
	var maxID sql.NullInt64
	err := db.conn.QueryRow(`SELECT MAX(id) FROM mutation_queue WHERE status = ?`, QueueStatusPublished).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	return maxID.Int64, nil
}

// ChunkIndex rebuilds the published chunk index from queue rows.
func (db *DB) ChunkIndex() ([]models.ChunkRef, error) {
	rows, err := db.conn.Query(`
		SELECT chunk_address, MIN(id), MAX(id)
		FROM mutation_queue
		WHERE status = ? AND chunk_address != ''
		GROUP BY chunk_address
		ORDER BY MIN(id)
	`, QueueStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []models.ChunkRef
	for rows.Next() {
		var r models.ChunkRef
		if err := rows.Scan(&r.Address, &r.FromID, &r.ToID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// QueueStats returns pending and published row counts.
func (db *DB) QueueStats() (pending, published int, err error) {
	err = db.conn.QueryRow(`
		SELECT
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM mutation_queue
	`, QueueStatusPending, QueueStatusPublished).Scan(&nullableInt{&pending}, &nullableInt{&published})
	return pending, published, err
}

// nullableInt scans a possibly-NULL aggregate into an int, defaulting to 0.
type nullableInt struct{ v *int }

func (n *nullableInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = int(x)
	case float64:
		*n.v = int(x)
	default:
		return fmt.Errorf("unexpected aggregate type %T", src)
	}
	return nil
}
