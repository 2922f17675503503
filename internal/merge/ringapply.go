package merge

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// Ring targets converge by last-writer-wins instead of materializing
// conflicts: a disputed device name is not worth blocking sync over, and
// removal must never wait on a human. Every scalar still goes through
// field_writes so replays and out-of-order chunks settle on the same
// value everywhere.

func (a *Applier) applyPerson(tx *sql.Tx, m *mutation.Mutation, payload any, out *Outcome) error {
	switch p := payload.(type) {
	case *mutation.PersonUpsert:
		applied, err := lwwApply(tx, m, "name", rawString(p.Name))
		if err != nil || !applied {
			return err
		}
		return db.UpsertPersonTx(tx, models.Person{
			UUID:      m.TargetUUID,
			Name:      p.Name,
			CreatedAt: timeFromHLC(m.HLC),
		})
	case nil:
		out.RingChanged = true
		return db.MarkPersonRemovedTx(tx, m.TargetUUID)
	default:
		return fmt.Errorf("person payload %T", payload)
	}
}

func (a *Applier) applyDevice(tx *sql.Tx, m *mutation.Mutation, payload any, out *Outcome) error {
	switch p := payload.(type) {
	case *mutation.DeviceAdd:
		return a.applyDeviceAdd(tx, m, p, out)
	case *mutation.DeviceUpdate:
		return a.applyDeviceUpdate(tx, m, p, out)
	case *mutation.DeviceRemove:
		a.logger.Info("device removed from ring", "device", m.TargetUUID, "reason", p.Reason)
		if err := db.MarkDeviceRemovedTx(tx, m.TargetUUID); err != nil {
			return err
		}
		if err := db.RemovePeerTx(tx, m.TargetUUID); err != nil {
			return err
		}
		out.RemovedDevices = append(out.RemovedDevices, m.TargetUUID)
		if m.TargetUUID == a.selfDeviceID {
			out.SelfRemoved = true
		}
		out.RingChanged = true
		return nil
	default:
		return fmt.Errorf("device payload %T", payload)
	}
}

func (a *Applier) applyDeviceAdd(tx *sql.Tx, m *mutation.Mutation, p *mutation.DeviceAdd, out *Outcome) error {
	nameApplied, err := lwwApply(tx, m, "name", rawString(p.Name))
	if err != nil {
		return err
	}
	pubApplied, err := lwwApply(tx, m, "publish_identity", rawString(p.PublishIdentity))
	if err != nil {
		return err
	}

	d, err := db.GetDeviceTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	if d == nil {
		if err := db.UpsertDeviceTx(tx, models.Device{
			DeviceID:         m.TargetUUID,
			PersonUUID:       p.PersonUUID,
			Name:             p.Name,
			SigningPublicKey: p.SigningPublicKey,
			PublishIdentity:  p.PublishIdentity,
			AddedAt:          timeFromHLC(m.HLC),
		}); err != nil {
			return err
		}
	} else {
		// A rename that raced ahead of the enrollment left a
		// placeholder; fill the immutable columns and keep whichever
		// scalars are newer.
		if err := db.SetDeviceEnrollmentTx(tx, m.TargetUUID, p.PersonUUID, p.SigningPublicKey); err != nil {
			return err
		}
		if nameApplied {
			if err := db.SetDeviceNameTx(tx, m.TargetUUID, p.Name); err != nil {
				return err
			}
		}
		if pubApplied {
			if err := db.SetDevicePublishIdentityTx(tx, m.TargetUUID, p.PublishIdentity); err != nil {
				return err
			}
		}
	}

	if m.TargetUUID != a.selfDeviceID && pubApplied {
		if err := db.UpsertPeerTx(tx, m.TargetUUID, p.PublishIdentity); err != nil {
			return err
		}
	}
	out.RingChanged = true
	a.logger.Info("device joined ring", "device", m.TargetUUID, "name", p.Name)
	return nil
}

func (a *Applier) applyDeviceUpdate(tx *sql.Tx, m *mutation.Mutation, p *mutation.DeviceUpdate, out *Outcome) error {
	d, err := db.GetDeviceTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	if d == nil {
		if err := db.UpsertDeviceTx(tx, models.Device{
			DeviceID: m.TargetUUID,
			AddedAt:  timeFromHLC(m.HLC),
		}); err != nil {
			return err
		}
	}

	if p.Name != "" {
		applied, err := lwwApply(tx, m, "name", rawString(p.Name))
		if err != nil {
			return err
		}
		if applied {
			if err := db.SetDeviceNameTx(tx, m.TargetUUID, p.Name); err != nil {
				return err
			}
		}
	}

	if p.PublishIdentity != "" {
		applied, err := lwwApply(tx, m, "publish_identity", rawString(p.PublishIdentity))
		if err != nil {
			return err
		}
		if applied {
			if err := db.SetDevicePublishIdentityTx(tx, m.TargetUUID, p.PublishIdentity); err != nil {
				return err
			}
			if m.TargetUUID != a.selfDeviceID {
				if err := db.UpsertPeerTx(tx, m.TargetUUID, p.PublishIdentity); err != nil {
					return err
				}
			}
			out.RingChanged = true
		}
	}
	return nil
}

func (a *Applier) applyGroup(tx *sql.Tx, m *mutation.Mutation, payload any, out *Outcome) error {
	switch p := payload.(type) {
	case *mutation.GroupCreate:
		return a.applyGroupCreate(tx, m, p, out)
	case *mutation.GroupUpdate:
		return a.applyGroupUpdate(tx, m, p, out)
	case nil:
		out.RingChanged = true
		return db.MarkGroupRemovedTx(tx, m.TargetUUID)
	default:
		return fmt.Errorf("group payload %T", payload)
	}
}

func (a *Applier) applyGroupCreate(tx *sql.Tx, m *mutation.Mutation, p *mutation.GroupCreate, out *Outcome) error {
	nameApplied, err := lwwApply(tx, m, "name", rawString(p.Name))
	if err != nil {
		return err
	}
	members, err := json.Marshal(p.MemberUUIDs)
	if err != nil {
		return err
	}
	membersApplied, err := lwwApply(tx, m, "members", members)
	if err != nil {
		return err
	}

	g, err := db.GetGroupTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	if g == nil {
		if err := db.UpsertGroupTx(tx, models.Group{
			UUID:        m.TargetUUID,
			Name:        p.Name,
			MemberUUIDs: p.MemberUUIDs,
			ForkedFrom:  p.ForkedFrom,
			CreatedAt:   timeFromHLC(m.HLC),
		}); err != nil {
			return err
		}
	} else {
		if p.ForkedFrom != "" {
			if err := db.SetGroupForkTx(tx, m.TargetUUID, p.ForkedFrom); err != nil {
				return err
			}
		}
		if nameApplied {
			if err := db.SetGroupNameTx(tx, m.TargetUUID, p.Name); err != nil {
				return err
			}
		}
		if membersApplied {
			if err := db.SetGroupMembersTx(tx, m.TargetUUID, p.MemberUUIDs); err != nil {
				return err
			}
		}
	}
	out.RingChanged = true
	return nil
}

func (a *Applier) applyGroupUpdate(tx *sql.Tx, m *mutation.Mutation, p *mutation.GroupUpdate, out *Outcome) error {
	g, err := db.GetGroupTx(tx, m.TargetUUID)
	if err != nil {
		return err
	}
	if g == nil {
		if err := db.UpsertGroupTx(tx, models.Group{
			UUID:        m.TargetUUID,
			Name:        p.Name,
			MemberUUIDs: []string{},
			CreatedAt:   timeFromHLC(m.HLC),
		}); err != nil {
			return err
		}
	}

	if p.Name != "" {
		applied, err := lwwApply(tx, m, "name", rawString(p.Name))
		if err != nil {
			return err
		}
		if applied {
			if err := db.SetGroupNameTx(tx, m.TargetUUID, p.Name); err != nil {
				return err
			}
		}
	}

	if p.MemberUUIDs != nil {
		members, err := json.Marshal(p.MemberUUIDs)
		if err != nil {
			return err
		}
		applied, err := lwwApply(tx, m, "members", members)
		if err != nil {
			return err
		}
		if applied {
			if err := db.SetGroupMembersTx(tx, m.TargetUUID, p.MemberUUIDs); err != nil {
				return err
			}
			// Membership drives who gets key envelopes.
			out.RingChanged = true
		}
	}
	return nil
}
