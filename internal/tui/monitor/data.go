package monitor

import (
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
)

// activityLimit caps how much of the local log the monitor keeps in memory.
const activityLimit = 100

// FetchData retrieves everything the monitor displays. Individual query
// failures leave their panel empty; the first error is surfaced on the
// model so the view can show it.
func FetchData(database *db.DB, selfDeviceID string) RefreshDataMsg {
	msg := RefreshDataMsg{
		Timestamp: time.Now(),
	}

	msg.Devices, msg.Err = fetchDevices(database, selfDeviceID)
	msg.Activity = fetchActivity(database)
	msg.Ledger = fetchLedger(database)

	return msg
}

// fetchDevices joins active devices with their owners and peer state.
func fetchDevices(database *db.DB, selfDeviceID string) ([]DeviceRow, error) {
	devices, err := database.ListDevices(false)
	if err != nil {
		return nil, err
	}

	personName := make(map[string]string)
	if persons, err := database.ListPersons(true); err == nil {
		for _, p := range persons {
			personName[p.UUID] = p.Name
		}
	}

	peerByID := make(map[string]*models.PeerState)
	if peers, err := database.ListPeers(); err == nil {
		for i := range peers {
			peerByID[peers[i].DeviceID] = &peers[i]
		}
	}

	rows := make([]DeviceRow, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, DeviceRow{
			Device:     d,
			PersonName: personName[d.PersonUUID],
			IsSelf:     d.DeviceID == selfDeviceID,
			Peer:       peerByID[d.DeviceID],
		})
	}
	return rows, nil
}

// fetchActivity reads the tail of the local mutation log, newest first.
func fetchActivity(database *db.DB) []ActivityItem {
	rows, err := database.RecentMutations(activityLimit)
	if err != nil {
		return nil
	}

	items := make([]ActivityItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, ActivityItem{
			ID:         r.ID,
			Verb:       r.Verb,
			TargetType: r.TargetType,
			TargetUUID: r.TargetUUID,
			Pending:    r.Status == db.QueueStatusPending,
			CreatedAt:  r.CreatedAt,
		})
	}
	return items
}

// fetchLedger collects the counts and open conflicts for the third panel.
func fetchLedger(database *db.DB) LedgerData {
	var data LedgerData

	if records, err := database.ListRecords("expense", false); err == nil {
		data.Expenses = len(records)
	}
	if groups, err := database.ListGroups(false); err == nil {
		data.Groups = len(groups)
	}
	if applied, err := database.AppliedCount(); err == nil {
		data.Applied = applied
	}
	if pending, published, err := database.QueueStats(); err == nil {
		data.QueuePending = pending
		data.QueuePublished = published
	}
	if conflicts, err := database.ListConflicts(models.ConflictPending); err == nil {
		data.OpenConflicts = conflicts
	}
	if v, err := database.GetMeta(db.MetaPossiblyRemoved); err == nil {
		data.PossiblyRemoved = v == "1"
	}

	return data
}
