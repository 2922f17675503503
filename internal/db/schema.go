package db

// SchemaVersion is the current database schema version
const SchemaVersion = 2

const schema = `
-- Outbound mutation queue. Rows are immutable once signed; published rows
-- are retained because the chunk index is rebuilt from them.
CREATE TABLE IF NOT EXISTS mutation_queue (
    id INTEGER PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    target_uuid TEXT NOT NULL,
    target_type TEXT NOT NULL,
    verb TEXT NOT NULL,
    data TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    chunk_address TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    published_at DATETIME
);

-- Dedup ledger of everything ever applied, local and remote.
CREATE TABLE IF NOT EXISTS applied_log (
    device_id TEXT NOT NULL,
    mutation_id INTEGER NOT NULL,
    uuid TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (device_id, mutation_id)
);

-- Per-peer sync cursors and failure counters.
CREATE TABLE IF NOT EXISTS peer_sync_state (
    device_id TEXT PRIMARY KEY,
    publish_identity TEXT NOT NULL,
    last_synced_id INTEGER NOT NULL DEFAULT 0,
    last_synced_at DATETIME,
    consecutive_failures INTEGER NOT NULL DEFAULT 0
);

-- Materialized concurrent-edit conflicts.
CREATE TABLE IF NOT EXISTS conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    target_uuid TEXT NOT NULL,
    target_type TEXT NOT NULL,
    field TEXT NOT NULL DEFAULT '',
    options TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending',
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    winner_uuid TEXT DEFAULT '',
    resolved_hlc TEXT DEFAULT ''
);

-- Ring membership.
CREATE TABLE IF NOT EXISTS persons (
    uuid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    is_self INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    removed_at DATETIME
);

CREATE TABLE IF NOT EXISTS devices (
    device_id TEXT PRIMARY KEY,
    person_uuid TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    signing_public_key TEXT NOT NULL,
    publish_identity TEXT NOT NULL,
    added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    removed_at DATETIME,
    FOREIGN KEY (person_uuid) REFERENCES persons(uuid)
);

-- Sharing groups. Members are person uuids stored as a JSON array.
CREATE TABLE IF NOT EXISTS groups (
    uuid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    member_uuids TEXT NOT NULL DEFAULT '[]',
    forked_from TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    removed_at DATETIME
);

-- Group symmetric keys. At most one active row per group.
CREATE TABLE IF NOT EXISTS group_keys (
    group_uuid TEXT NOT NULL,
    key_hex TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    rotated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (group_uuid, key_hex)
);

-- Generic domain storage. Fields live in the data JSON so the merge can
-- treat every record type the same way.
CREATE TABLE IF NOT EXISTS records (
    uuid TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

-- Last applied write per (target, field). The delete marker uses field ''.
-- basis is the writing mutation's observed sequence vector, kept so a
-- later-arriving older mutation can be recognized as dominated rather
-- than concurrent.
CREATE TABLE IF NOT EXISTS field_writes (
    target_uuid TEXT NOT NULL,
    field TEXT NOT NULL,
    device_id TEXT NOT NULL,
    mutation_id INTEGER NOT NULL,
    mutation_uuid TEXT NOT NULL,
    hlc TEXT NOT NULL,
    value TEXT,
    is_delete INTEGER NOT NULL DEFAULT 0,
    basis TEXT NOT NULL DEFAULT '{}',
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (target_uuid, field)
);

-- Per-target observed sequence vector: highest applied mutation id per
-- author device. Snapshotted into each local mutation as its basis.
CREATE TABLE IF NOT EXISTS target_clock (
    target_uuid TEXT NOT NULL,
    device_id TEXT NOT NULL,
    last_id INTEGER NOT NULL,
    PRIMARY KEY (target_uuid, device_id)
);

-- Engine key/value state: mode, person uuid, keys, snapshot cursors.
CREATE TABLE IF NOT EXISTS sync_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Schema info table for version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_queue_status ON mutation_queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_chunk ON mutation_queue(chunk_address);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_target ON conflicts(target_uuid, field);
CREATE INDEX IF NOT EXISTS idx_devices_person ON devices(person_uuid);
CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);
CREATE INDEX IF NOT EXISTS idx_records_deleted ON records(deleted_at);
`

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Add malformed_reports table for rejected inbound content",
		SQL: `
CREATE TABLE IF NOT EXISTS malformed_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    peer_device_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail TEXT DEFAULT '',
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_malformed_peer ON malformed_reports(peer_device_id);
CREATE INDEX IF NOT EXISTS idx_malformed_detected ON malformed_reports(detected_at);
`,
	},
}
