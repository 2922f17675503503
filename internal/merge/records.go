package merge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// deleteMarkerField is the field_writes key for a record's delete state.
const deleteMarkerField = ""

func (a *Applier) applyRecord(tx *sql.Tx, m *mutation.Mutation, payload any, out *Outcome) error {
	switch p := payload.(type) {
	case *mutation.RecordCreate:
		if err := db.EnsureRecordTx(tx, m.TargetUUID, p.RecordType, timeFromHLC(m.HLC)); err != nil {
			return err
		}
		return a.applyFields(tx, m, p.Fields, out)
	case *mutation.RecordUpdate:
		return a.applyFields(tx, m, p.Fields, out)
	case nil:
		return a.applyRecordDelete(tx, m, out)
	default:
		return fmt.Errorf("record payload %T", payload)
	}
}

// applyFields runs each written field through the causal check. Fields
// are independent: one conflicting field never blocks the others.
func (a *Applier) applyFields(tx *sql.Tx, m *mutation.Mutation, fields map[string]json.RawMessage, out *Outcome) error {
	// A write concurrent with an applied delete is a delete_vs_update
	// conflict for the whole record. A write the delete had already
	// observed is stale and applies to nothing.
	marker, err := db.GetFieldWriteTx(tx, m.TargetUUID, deleteMarkerField)
	if err != nil {
		return err
	}
	if marker != nil && marker.IsDelete {
		switch {
		case m.CoversBasis(marker.DeviceID, marker.MutationID):
			// The author saw the delete and wrote anyway: revive.
			if err := a.reviveRecord(tx, m, out); err != nil {
				return err
			}
		case marker.Covers(m.DeviceID, m.ID):
			return nil
		default:
			incoming := updateOption(m, fields)
			return a.openOrGrowConflict(tx, m, models.ConflictDeleteVsUpdate,
				deleteMarkerField, marker, incoming, out)
		}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := a.applyField(tx, m, name, fields[name], out); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyField(tx *sql.Tx, m *mutation.Mutation, field string, value json.RawMessage, out *Outcome) error {
	fw, err := db.GetFieldWriteTx(tx, m.TargetUUID, field)
	if err != nil {
		return err
	}

	if fw == nil || m.CoversBasis(fw.DeviceID, fw.MutationID) {
		// Causal write. It still has to cover any open conflict before
		// it may land; otherwise it is concurrent with the remaining
		// options and joins them.
		settled, err := a.cancelIfCovered(tx, m, field, out)
		if err != nil {
			return err
		}
		if !settled {
			incoming := optionFromMutation(m, field, value, false)
			return a.openOrGrowConflict(tx, m, models.ConflictField, field, fw, incoming, out)
		}
		return a.putField(tx, m, field, value)
	}

	// The applied write already observed this mutation: it arrived late
	// and is dominated, not concurrent.
	if fw.Covers(m.DeviceID, m.ID) {
		return nil
	}

	// Concurrent with the applied write. Identical values are no real
	// disagreement; keep the applied one and move on.
	if equalValues(fw.Value, value) && !fw.IsDelete {
		return nil
	}

	incoming := optionFromMutation(m, field, value, false)
	return a.openOrGrowConflict(tx, m, models.ConflictField, field, fw, incoming, out)
}

// putField records the write and patches the record's data JSON.
func (a *Applier) putField(tx *sql.Tx, m *mutation.Mutation, field string, value json.RawMessage) error {
	if err := db.PutFieldWriteTx(tx, db.FieldWrite{
		TargetUUID:   m.TargetUUID,
		Field:        field,
		DeviceID:     m.DeviceID,
		MutationID:   m.ID,
		MutationUUID: m.UUID,
		HLC:          m.HLC.String(),
		Value:        value,
		Basis:        m.Basis,
	}); err != nil {
		return err
	}
	return patchRecordData(tx, m, field, value)
}

func patchRecordData(tx *sql.Tx, m *mutation.Mutation, field string, value json.RawMessage) error {
	rec, err := db.GetRecordTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	if rec == nil {
		if err := db.EnsureRecordTx(tx, m.TargetUUID, "", timeFromHLC(m.HLC)); err != nil {
			return err
		}
		rec = &models.Record{UUID: m.TargetUUID, Data: json.RawMessage(`{}`)}
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		return fmt.Errorf("decode record %s data: %w", m.TargetUUID, err)
	}
	if data == nil {
		data = make(map[string]json.RawMessage)
	}
	data[field] = value

	patched, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return db.UpdateRecordDataTx(tx, m.TargetUUID, patched)
}

func (a *Applier) applyRecordDelete(tx *sql.Tx, m *mutation.Mutation, out *Outcome) error {
	marker, err := db.GetFieldWriteTx(tx, m.TargetUUID, deleteMarkerField)
	if err != nil {
		return err
	}
	if marker != nil && marker.IsDelete {
		// Already deleted; concurrent deletes agree.
		return nil
	}

	// Any applied write or pending option the delete did not observe is a
	// concurrent update. A write that itself observed the delete makes
	// the delete old news: someone already edited past it.
	writes, err := db.ListFieldWritesTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	var concurrent []models.ConflictOption
	for i := range writes {
		fw := &writes[i]
		if fw.Field == deleteMarkerField {
			continue
		}
		if fw.Covers(m.DeviceID, m.ID) {
			return nil
		}
		if !m.CoversBasis(fw.DeviceID, fw.MutationID) {
			concurrent = append(concurrent, optionFromWrite(fw))
		}
	}
	open, err := db.ListOpenConflictsForTargetTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	for _, c := range open {
		for _, opt := range c.Options {
			if !m.CoversBasis(opt.DeviceID, opt.MutationID) {
				concurrent = append(concurrent, opt)
			}
		}
	}

	if len(concurrent) > 0 {
		c, err := db.FindOpenConflictTx(tx, m.TargetUUID, deleteMarkerField)
		if err != nil {
			return err
		}
		deleteOpt := optionFromMutation(m, deleteMarkerField, nil, true)
		if c == nil {
			c = &models.Conflict{
				Type:       models.ConflictDeleteVsUpdate,
				TargetUUID: m.TargetUUID,
				TargetType: m.TargetType,
				Field:      deleteMarkerField,
			}
			for _, opt := range concurrent {
				addOption(c, opt)
			}
			addOption(c, deleteOpt)
			if _, err := db.InsertConflictTx(tx, c); err != nil {
				return err
			}
			out.ConflictsOpened++
			a.logger.Info("delete vs update conflict", "target", m.TargetUUID, "options", len(c.Options))
			return nil
		}
		for _, opt := range concurrent {
			addOption(c, opt)
		}
		addOption(c, deleteOpt)
		return db.UpdateConflictOptionsTx(tx, c.ID, c.Options)
	}

	// Covered delete settles whatever was pending.
	for _, c := range open {
		if err := db.CloseConflictTx(tx, c.ID, models.ConflictCancelled, "", ""); err != nil {
			return err
		}
		out.ConflictsCancelled++
	}
	return setDeleteState(tx, m, true)
}

// reviveRecord clears a tombstone because a causally later write landed.
func (a *Applier) reviveRecord(tx *sql.Tx, m *mutation.Mutation, out *Outcome) error {
	if _, err := a.cancelIfCovered(tx, m, deleteMarkerField, out); err != nil {
		return err
	}
	return setDeleteState(tx, m, false)
}

// setDeleteState writes the delete marker and the record tombstone in one
// step so the two can never drift apart.
func setDeleteState(tx *sql.Tx, m *mutation.Mutation, deleted bool) error {
	if err := db.PutFieldWriteTx(tx, db.FieldWrite{
		TargetUUID:   m.TargetUUID,
		Field:        deleteMarkerField,
		DeviceID:     m.DeviceID,
		MutationID:   m.ID,
		MutationUUID: m.UUID,
		HLC:          m.HLC.String(),
		IsDelete:     deleted,
		Basis:        m.Basis,
	}); err != nil {
		return err
	}
	return db.SetRecordDeletedTx(tx, m.TargetUUID, deleted)
}

// updateOption condenses an update mutation into a single conflict option.
// Single-field updates carry the field and value directly; multi-field
// updates carry the whole field map so resolution can re-apply it.
func updateOption(m *mutation.Mutation, fields map[string]json.RawMessage) models.ConflictOption {
	if len(fields) == 1 {
		for name, value := range fields {
			return optionFromMutation(m, name, value, false)
		}
	}
	packed, _ := json.Marshal(fields)
	return optionFromMutation(m, "", packed, false)
}
