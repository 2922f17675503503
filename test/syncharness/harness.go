// Package syncharness drives whole-ring scenarios end to end: every
// simulated device runs the real stack (ledger, writer, ring manager,
// sync engine) against one shared in-memory storage provider, and
// convergence is checked by diffing the devices' databases directly.
//
// Inspection uses its own read-only connections so the assertions see
// exactly what is on disk, not what the ledger layer chooses to expose.
package syncharness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/maren/divvy/internal/conflict"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/engine"
	"github.com/maren/divvy/internal/groupkey"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
	"github.com/maren/divvy/internal/ring"
	"github.com/maren/divvy/internal/storage/memstore"
	"github.com/maren/divvy/internal/syncconfig"
)

// convergeRounds is how many full sync passes Converge runs. Membership
// news travels indirectly: a device publishes its ring document one
// cycle after learning of a joiner, and the others enroll the new peer
// one cycle after that, so three rounds settle any single change.
const convergeRounds = 3

// Device is one simulated ring member.
type Device struct {
	Name     string
	BaseDir  string
	Ident    *syncconfig.Identity
	DB       *db.DB
	Writer   *merge.Writer
	Ring     *ring.Manager
	Keys     *groupkey.Service
	Resolver *conflict.Resolver
	Eng      *engine.Engine

	insp *sql.DB
}

// Harness owns a set of devices sharing one storage provider.
type Harness struct {
	t       *testing.T
	Store   *memstore.Store
	Devices map[string]*Device
	names   []string
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		Store:   memstore.New(),
		Devices: make(map[string]*Device),
	}
}

// PairedRing returns a ring of two devices, laptop and phone, owned by
// one person and fully converged.
func PairedRing(t *testing.T) *Harness {
	t.Helper()
	h := NewHarness(t)
	h.Bootstrap("laptop", "maren")
	h.Join("laptop", "phone")
	h.Converge()
	return h
}

// TrioRing extends PairedRing with a tablet on the same person.
func TrioRing(t *testing.T) *Harness {
	t.Helper()
	h := PairedRing(t)
	h.Join("laptop", "tablet")
	h.Converge()
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Bootstrap creates the first device and its ring of one.
func (h *Harness) Bootstrap(deviceName, personName string) *Device {
	h.t.Helper()
	d := h.newDevice(deviceName)
	if _, err := d.Ring.Bootstrap(personName); err != nil {
		h.t.Fatalf("bootstrap %s: %v", deviceName, err)
	}
	return d
}

// Join pairs a new device into the ring as another device of the
// inviter's person.
func (h *Harness) Join(inviter, deviceName string) *Device {
	h.t.Helper()
	return h.join(inviter, deviceName, "")
}

// JoinPerson pairs a new device in as the first device of another
// person, who must already exist in the ring.
func (h *Harness) JoinPerson(inviter, deviceName, personUUID string) *Device {
	h.t.Helper()
	return h.join(inviter, deviceName, personUUID)
}

func (h *Harness) join(inviter, deviceName, personUUID string) *Device {
	h.t.Helper()
	ctx := context.Background()
	inv := h.device(inviter)

	pass, err := inv.Eng.CreateInvite(ctx, personUUID)
	if err != nil {
		h.t.Fatalf("create invite on %s: %v", inviter, err)
	}
	baseDir := h.t.TempDir()
	if _, err := engine.AcceptInvite(ctx, h.Store, baseDir, deviceName, pass, discardLogger()); err != nil {
		h.t.Fatalf("accept invite as %s: %v", deviceName, err)
	}
	if _, err := inv.Eng.WaitForAcceptance(ctx, pass); err != nil {
		h.t.Fatalf("wait for %s: %v", deviceName, err)
	}
	return h.openDevice(deviceName, baseDir)
}

// newDevice creates a fresh identity and ledger and wires the stack.
func (h *Harness) newDevice(name string) *Device {
	h.t.Helper()
	ident, err := syncconfig.GenerateIdentity(name)
	if err != nil {
		h.t.Fatalf("generate identity for %s: %v", name, err)
	}
	baseDir := h.t.TempDir()
	if err := syncconfig.SaveIdentity(baseDir, ident); err != nil {
		h.t.Fatalf("save identity for %s: %v", name, err)
	}
	database, err := db.Initialize(baseDir)
	if err != nil {
		h.t.Fatalf("initialize ledger for %s: %v", name, err)
	}
	h.t.Cleanup(func() { database.Close() })
	return h.wire(name, baseDir, ident, database)
}

// openDevice attaches to a ledger AcceptInvite already created.
func (h *Harness) openDevice(name, baseDir string) *Device {
	h.t.Helper()
	ident, err := syncconfig.LoadIdentity(baseDir)
	if err != nil {
		h.t.Fatalf("load identity for %s: %v", name, err)
	}
	database, err := db.Open(baseDir)
	if err != nil {
		h.t.Fatalf("open ledger for %s: %v", name, err)
	}
	h.t.Cleanup(func() { database.Close() })
	return h.wire(name, baseDir, ident, database)
}

func (h *Harness) wire(name, baseDir string, ident *syncconfig.Identity, database *db.DB) *Device {
	h.t.Helper()
	if _, dup := h.Devices[name]; dup {
		h.t.Fatalf("duplicate device name %q", name)
	}

	signKey, err := ident.SigningKey()
	if err != nil {
		h.t.Fatalf("parse signing key for %s: %v", name, err)
	}
	clk, err := merge.RestoreClock(database, ident.DeviceID)
	if err != nil {
		h.t.Fatalf("restore clock for %s: %v", name, err)
	}
	logger := discardLogger()
	applier := merge.NewApplier(database, clk, ident.DeviceID, logger)
	writer := merge.NewWriter(database, applier, signKey, ident.DeviceID)
	keys := groupkey.NewService(database, writer, logger)
	ringMgr := ring.NewManager(database, writer, ident, keys, logger)

	d := &Device{
		Name:     name,
		BaseDir:  baseDir,
		Ident:    ident,
		DB:       database,
		Writer:   writer,
		Ring:     ringMgr,
		Keys:     keys,
		Resolver: conflict.NewResolver(database, writer, logger),
		Eng:      engine.New(database, h.Store, applier, ringMgr, ident, logger),
	}
	h.Devices[name] = d
	h.names = append(h.names, name)
	return d
}

func (h *Harness) device(name string) *Device {
	h.t.Helper()
	d, ok := h.Devices[name]
	if !ok {
		h.t.Fatalf("unknown device %q", name)
	}
	return d
}

// Sync runs one publish+pull cycle for a device.
func (h *Harness) Sync(name string) error {
	return h.device(name).Eng.ManualSync(context.Background())
}

// MustSync syncs each named device and fails the test on any error.
func (h *Harness) MustSync(names ...string) {
	h.t.Helper()
	for _, name := range names {
		if err := h.Sync(name); err != nil {
			h.t.Fatalf("sync %s: %v", name, err)
		}
	}
}

// Converge runs enough sync rounds over the named devices (default all,
// in creation order) for any pending change to reach everyone.
func (h *Harness) Converge(names ...string) {
	h.t.Helper()
	if len(names) == 0 {
		names = h.names
	}
	for round := 0; round < convergeRounds; round++ {
		h.MustSync(names...)
	}
}

// AddExpense authors an expense record on a device and returns its uuid.
func (h *Harness) AddExpense(device string, fields map[string]any) string {
	h.t.Helper()
	d := h.device(device)
	recordUUID := uuid.NewString()
	_, _, err := d.Writer.Append(models.TargetRecord, recordUUID, models.VerbCreate, &mutation.RecordCreate{
		RecordType: "expense",
		Fields:     h.encodeFields(fields),
	})
	if err != nil {
		h.t.Fatalf("add expense on %s: %v", device, err)
	}
	return recordUUID
}

// SetField authors a single-field update on a device.
func (h *Harness) SetField(device, recordUUID, field string, value any) {
	h.t.Helper()
	d := h.device(device)
	_, _, err := d.Writer.Append(models.TargetRecord, recordUUID, models.VerbUpdate, &mutation.RecordUpdate{
		Fields: h.encodeFields(map[string]any{field: value}),
	})
	if err != nil {
		h.t.Fatalf("set %s on %s: %v", field, device, err)
	}
}

// DeleteRecord authors a record deletion on a device.
func (h *Harness) DeleteRecord(device, recordUUID string) {
	h.t.Helper()
	d := h.device(device)
	if _, _, err := d.Writer.Append(models.TargetRecord, recordUUID, models.VerbDelete, nil); err != nil {
		h.t.Fatalf("delete %s on %s: %v", recordUUID, device, err)
	}
}

// AddPerson registers another human in the ring and returns their uuid.
func (h *Harness) AddPerson(device, personName string) string {
	h.t.Helper()
	personUUID, err := h.device(device).Ring.AddPerson(personName)
	if err != nil {
		h.t.Fatalf("add person on %s: %v", device, err)
	}
	return personUUID
}

// CreateGroup creates a sharing group on a device and returns its uuid.
func (h *Harness) CreateGroup(device, name string, memberUUIDs []string) string {
	h.t.Helper()
	groupUUID, err := h.device(device).Keys.Create(name, memberUUIDs)
	if err != nil {
		h.t.Fatalf("create group on %s: %v", device, err)
	}
	return groupUUID
}

// Resolve settles a pending conflict on a device in favor of winnerUUID.
func (h *Harness) Resolve(device string, conflictID int64, winnerUUID string) {
	h.t.Helper()
	if err := h.device(device).Resolver.Resolve(conflictID, winnerUUID); err != nil {
		h.t.Fatalf("resolve conflict %d on %s: %v", conflictID, device, err)
	}
}

// PendingConflicts returns a device's open conflicts.
func (h *Harness) PendingConflicts(device string) []models.Conflict {
	h.t.Helper()
	cs, err := h.device(device).DB.ListConflicts(models.ConflictPending)
	if err != nil {
		h.t.Fatalf("list conflicts on %s: %v", device, err)
	}
	return cs
}

// Record returns a device's copy of a record, nil when it has none.
func (h *Harness) Record(device, recordUUID string) *models.Record {
	h.t.Helper()
	rec, err := h.device(device).DB.GetRecord(recordUUID)
	if err != nil {
		h.t.Fatalf("get record on %s: %v", device, err)
	}
	return rec
}

// RecordField returns the raw JSON of one field of a device's record
// copy, "" when the record or field is missing.
func (h *Harness) RecordField(device, recordUUID, field string) string {
	h.t.Helper()
	rec := h.Record(device, recordUUID)
	if rec == nil {
		return ""
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		h.t.Fatalf("decode record data on %s: %v", device, err)
	}
	return string(data[field])
}

func (h *Harness) encodeFields(fields map[string]any) map[string]json.RawMessage {
	h.t.Helper()
	enc := make(map[string]json.RawMessage, len(fields))
	for name, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			h.t.Fatalf("marshal field %s: %v", name, err)
		}
		enc[name] = data
	}
	return enc
}

// convergedTables are the tables expected to be identical across devices
// once a ring has fully synced. Queue, cursor, and clock tables are
// device-local and never compared.
var convergedTables = []string{"records", "field_writes", "persons", "devices", "groups", "group_keys"}

// tableQueries project each compared table onto its convergent columns.
// Local apply timestamps are dropped, tombstones compare as booleans,
// and is_self stays out because it differs on every device. Field
// writes compare by value only: when concurrent writes agree (equal
// values, or two deletes) each device keeps whichever it applied first,
// so the authoring identity is not promised to match. Targets with a
// pending conflict are skipped entirely: until someone resolves, each
// device deliberately keeps the value it applied first. Tombstoned
// records compare by identity alone, because a delete that wins over a
// concurrent edit never unapplies the loser's fields on devices that
// had applied them; revival depends on that data staying put.
var tableQueries = map[string]string{
	"records": `SELECT uuid, type, CASE WHEN deleted_at IS NULL THEN data END, deleted_at IS NOT NULL FROM records
		WHERE NOT EXISTS (SELECT 1 FROM conflicts c WHERE c.status = 'pending' AND c.target_uuid = records.uuid)
		ORDER BY uuid`,
	"field_writes": `SELECT target_uuid, field, value, is_delete FROM field_writes
		WHERE NOT EXISTS (SELECT 1 FROM conflicts c WHERE c.status = 'pending' AND c.target_uuid = field_writes.target_uuid)
		AND (field = '' OR NOT EXISTS (SELECT 1 FROM records r WHERE r.uuid = field_writes.target_uuid AND r.deleted_at IS NOT NULL))
		ORDER BY target_uuid, field`,
	"persons": `SELECT uuid, name, removed_at IS NOT NULL FROM persons ORDER BY uuid`,
	"devices": `SELECT device_id, person_uuid, name, signing_public_key, publish_identity, removed_at IS NOT NULL FROM devices
		ORDER BY device_id`,
	"groups":     `SELECT uuid, name, member_uuids, forked_from, removed_at IS NOT NULL FROM groups ORDER BY uuid`,
	"group_keys": `SELECT group_uuid, key_hex, active FROM group_keys ORDER BY group_uuid, key_hex`,
}

// AssertConverged verifies the named devices (default all) hold
// identical ledger state, table by table, plus an identical set of
// pending conflicts. Pending conflicts are compared by their option
// sets, not raw rows: conflict ids are local autoincrements and options
// append in arrival order.
func (h *Harness) AssertConverged(names ...string) {
	h.t.Helper()
	if len(names) == 0 {
		names = h.names
	}
	if len(names) < 2 {
		return
	}

	for _, table := range convergedTables {
		var refRows, refName string
		for i, name := range names {
			rows := h.dumpTable(h.device(name), table)
			if i == 0 {
				refRows, refName = rows, name
				continue
			}
			if rows != refRows {
				h.t.Fatalf("DIVERGENCE in table %q between %s and %s:\n--- %s ---\n%s\n--- %s ---\n%s",
					table, refName, name, refName, refRows, name, rows)
			}
		}
	}

	var refRows, refName string
	for i, name := range names {
		rows := h.dumpPendingConflicts(h.device(name))
		if i == 0 {
			refRows, refName = rows, name
			continue
		}
		if rows != refRows {
			h.t.Fatalf("DIVERGENCE in pending conflicts between %s and %s:\n--- %s ---\n%s\n--- %s ---\n%s",
				refName, name, refName, refRows, name, rows)
		}
	}
}

// Diff returns a human-readable diff of the compared tables between two
// devices, for debugging a failed convergence.
func (h *Harness) Diff(nameA, nameB string) string {
	h.t.Helper()
	a, b := h.device(nameA), h.device(nameB)

	var sb strings.Builder
	for _, table := range convergedTables {
		rowsA := h.dumpTable(a, table)
		rowsB := h.dumpTable(b, table)
		if rowsA != rowsB {
			fmt.Fprintf(&sb, "=== %s ===\n--- %s ---\n%s--- %s ---\n%s", table, nameA, rowsA, nameB, rowsB)
		}
	}
	ca, cb := h.dumpPendingConflicts(a), h.dumpPendingConflicts(b)
	if ca != cb {
		fmt.Fprintf(&sb, "=== pending conflicts ===\n--- %s ---\n%s--- %s ---\n%s", nameA, ca, nameB, cb)
	}
	if sb.Len() == 0 {
		return "(identical)"
	}
	return sb.String()
}

// inspect opens (once) a separate read-only view of the device's ledger
// file, independent of the stack under test.
func (h *Harness) inspect(d *Device) *sql.DB {
	h.t.Helper()
	if d.insp == nil {
		path := filepath.Join(d.BaseDir, ".divvy", "ledger.db")
		conn, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
		if err != nil {
			h.t.Fatalf("open inspection connection for %s: %v", d.Name, err)
		}
		h.t.Cleanup(func() { conn.Close() })
		d.insp = conn
	}
	return d.insp
}

// dumpTable renders a table's convergent projection as one line per row.
func (h *Harness) dumpTable(d *Device, table string) string {
	h.t.Helper()
	query, ok := tableQueries[table]
	if !ok {
		h.t.Fatalf("no projection for table %q", table)
	}
	rows, err := h.inspect(d).Query(query)
	if err != nil {
		h.t.Fatalf("dump %s on %s: %v", table, d.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		h.t.Fatalf("dump %s on %s: %v", table, d.Name, err)
	}

	var sb strings.Builder
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			h.t.Fatalf("scan %s on %s: %v", table, d.Name, err)
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = renderValue(v)
		}
		sb.WriteString(strings.Join(parts, " | "))
		sb.WriteString("\n")
	}
	if err := rows.Err(); err != nil {
		h.t.Fatalf("dump %s on %s: %v", table, d.Name, err)
	}
	return sb.String()
}

// dumpPendingConflicts renders each open conflict as its target, field,
// type, and sorted option mutation uuids, the parts that must agree
// everywhere. Settled conflicts stay out: a device that saw the
// resolution before the second write never materialized a row at all.
func (h *Harness) dumpPendingConflicts(d *Device) string {
	h.t.Helper()
	rows, err := h.inspect(d).Query(
		`SELECT target_uuid, field, type, options FROM conflicts WHERE status = 'pending'`)
	if err != nil {
		h.t.Fatalf("dump conflicts on %s: %v", d.Name, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var target, field, ctype string
		var optionsJSON []byte
		if err := rows.Scan(&target, &field, &ctype, &optionsJSON); err != nil {
			h.t.Fatalf("scan conflicts on %s: %v", d.Name, err)
		}
		var options []models.ConflictOption
		if err := json.Unmarshal(optionsJSON, &options); err != nil {
			h.t.Fatalf("decode conflict options on %s: %v", d.Name, err)
		}
		uuids := make([]string, len(options))
		for i, opt := range options {
			uuids[i] = opt.MutationUUID
		}
		sort.Strings(uuids)
		lines = append(lines, fmt.Sprintf("target=%s field=%q type=%s options=[%s]",
			target, field, ctype, strings.Join(uuids, " ")))
	}
	if err := rows.Err(); err != nil {
		h.t.Fatalf("dump conflicts on %s: %v", d.Name, err)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
