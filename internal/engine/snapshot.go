package engine

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/manifest"
)

// ExportSnapshot captures the full applied state of this ledger,
// including the merge bookkeeping a joiner needs to judge causality of
// everything that arrives after it.
func (e *Engine) ExportSnapshot() (*manifest.Snapshot, error) {
	records, err := e.db.ListRecords("", true)
	if err != nil {
		return nil, err
	}
	persons, err := e.db.ListPersons(true)
	if err != nil {
		return nil, err
	}
	devices, err := e.db.ListDevices(true)
	if err != nil {
		return nil, err
	}
	groups, err := e.db.ListGroups(true)
	if err != nil {
		return nil, err
	}
	fws, err := e.db.AllFieldWrites()
	if err != nil {
		return nil, err
	}
	clocks, err := e.db.AllTargetClocks()
	if err != nil {
		return nil, err
	}
	watermarks, err := e.db.AppliedWatermarks()
	if err != nil {
		return nil, err
	}
	latest, err := e.db.LatestMutationID()
	if err != nil {
		return nil, err
	}

	snap := &manifest.Snapshot{
		DeviceID:      e.ident.DeviceID,
		TakenAt:       time.Now().UTC(),
		MaxMutationID: latest,
		Records:       records,
		Persons:       persons,
		Devices:       devices,
		Groups:        groups,
		Watermarks:    watermarks,
	}
	for _, fw := range fws {
		snap.FieldWrites = append(snap.FieldWrites, manifest.FieldWriteRow{
			TargetUUID:   fw.TargetUUID,
			Field:        fw.Field,
			DeviceID:     fw.DeviceID,
			MutationID:   fw.MutationID,
			MutationUUID: fw.MutationUUID,
			HLC:          fw.HLC,
			Value:        json.RawMessage(fw.Value),
			IsDelete:     fw.IsDelete,
			Basis:        fw.Basis,
		})
	}
	for _, tc := range clocks {
		snap.TargetClocks = append(snap.TargetClocks, manifest.TargetClockRow{
			TargetUUID: tc.TargetUUID,
			DeviceID:   tc.DeviceID,
			LastID:     tc.LastID,
		})
	}
	return snap, nil
}

// InstallSnapshot loads a snapshot into an empty ledger in one
// transaction. Existing rows win where they exist, so replaying a
// snapshot over merged state is harmless. is_self flags are not taken
// from the snapshot; they are the installing device's own business.
func InstallSnapshot(database *db.DB, snap *manifest.Snapshot) error {
	return database.WithTx(func(tx *sql.Tx) error {
		for _, p := range snap.Persons {
			p.IsSelf = false
			if err := db.UpsertPersonTx(tx, p); err != nil {
				return err
			}
			if p.RemovedAt != nil {
				if err := db.MarkPersonRemovedTx(tx, p.UUID); err != nil {
					return err
				}
			}
		}
		for _, d := range snap.Devices {
			if err := db.UpsertDeviceTx(tx, d); err != nil {
				return err
			}
			if d.RemovedAt != nil {
				if err := db.MarkDeviceRemovedTx(tx, d.DeviceID); err != nil {
					return err
				}
			}
		}
		for _, g := range snap.Groups {
			if err := db.UpsertGroupTx(tx, g); err != nil {
				return err
			}
			if g.RemovedAt != nil {
				if err := db.MarkGroupRemovedTx(tx, g.UUID); err != nil {
					return err
				}
			}
		}
		for _, r := range snap.Records {
			if err := db.InsertRecordTx(tx, r); err != nil {
				return err
			}
			if r.DeletedAt != nil {
				if err := db.SetRecordDeletedTx(tx, r.UUID, true); err != nil {
					return err
				}
			}
		}
		for _, fw := range snap.FieldWrites {
			row := db.FieldWrite{
				TargetUUID:   fw.TargetUUID,
				Field:        fw.Field,
				DeviceID:     fw.DeviceID,
				MutationID:   fw.MutationID,
				MutationUUID: fw.MutationUUID,
				HLC:          fw.HLC,
				Value:        []byte(fw.Value),
				IsDelete:     fw.IsDelete,
				Basis:        fw.Basis,
			}
			if err := db.PutFieldWriteTx(tx, row); err != nil {
				return err
			}
		}
		for _, tc := range snap.TargetClocks {
			if err := db.BumpTargetClockTx(tx, tc.TargetUUID, tc.DeviceID, tc.LastID); err != nil {
				return err
			}
		}
		// The exporter vouches it applied everything up to each
		// watermark, so chunks overlapping the snapshot replay as
		// duplicates instead of double-applying.
		for deviceID, through := range snap.Watermarks {
			if err := db.SeedAppliedThroughTx(tx, deviceID, through); err != nil {
				return err
			}
		}
		return nil
	})
}
