// Package settle computes who owes whom from the expense records in the
// ledger. Amounts are handled as integer cents so balances always sum to
// zero, and the suggested transfers are deterministic for a given ledger
// state.
package settle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
)

// ErrGroupNotFound is returned when the requested group does not exist or
// has been removed.
var ErrGroupNotFound = errors.New("group not found")

// Balance is one person's position. NetCents is paid minus share; positive
// means the others owe this person money.
type Balance struct {
	PersonUUID string `json:"person_uuid"`
	Name       string `json:"name"`
	PaidCents  int64  `json:"paid_cents"`
	ShareCents int64  `json:"share_cents"`
	NetCents   int64  `json:"net_cents"`
}

// Transfer is one suggested payment that moves the ring toward settled.
type Transfer struct {
	FromUUID    string `json:"from_uuid"`
	FromName    string `json:"from_name"`
	ToUUID      string `json:"to_uuid"`
	ToName      string `json:"to_name"`
	AmountCents int64  `json:"amount_cents"`
}

// Skipped records an expense the computation could not account for, with
// the reason it was left out.
type Skipped struct {
	RecordUUID string `json:"record_uuid"`
	Reason     string `json:"reason"`
}

// Report is the full settlement picture for the ledger or one group.
type Report struct {
	GroupUUID    string     `json:"group_uuid,omitempty"`
	GroupName    string     `json:"group_name,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	TotalCents   int64      `json:"total_cents"`
	ExpenseCount int        `json:"expense_count"`
	Balances     []Balance  `json:"balances"`
	Transfers    []Transfer `json:"transfers"`
	Skipped      []Skipped  `json:"skipped,omitempty"`
}

// expenseFields is the subset of expense record fields settlement reads.
type expenseFields struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	PaidBy   string `json:"paid_by"`
	Group    string `json:"group"`
}

// Compute builds the settlement report. With a group UUID only that group's
// expenses count and only its members participate; with an empty UUID the
// whole ledger counts and each expense splits among its own group's members,
// or among everyone when it has no group.
func Compute(database *db.DB, groupUUID string) (*Report, error) {
	persons, err := database.ListPersons(false)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]*models.Person, len(persons))
	for i := range persons {
		byUUID[persons[i].UUID] = &persons[i]
	}

	report := &Report{}

	var filter *models.Group
	if groupUUID != "" {
		g, err := database.GetGroup(groupUUID)
		if err != nil {
			return nil, err
		}
		if g == nil || g.RemovedAt != nil {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupUUID)
		}
		filter = g
		report.GroupUUID = g.UUID
		report.GroupName = g.Name
	}

	groups, err := database.ListGroups(true)
	if err != nil {
		return nil, err
	}
	groupMembers := make(map[string][]string, len(groups))
	for _, g := range groups {
		groupMembers[g.UUID] = g.MemberUUIDs
	}

	records, err := database.ListRecords("expense", false)
	if err != nil {
		return nil, err
	}

	paid := make(map[string]int64)
	share := make(map[string]int64)

	for i := range records {
		rec := &records[i]

		var f expenseFields
		if err := json.Unmarshal(rec.Data, &f); err != nil {
			report.skip(rec.UUID, "unreadable fields")
			continue
		}

		if filter != nil && f.Group != filter.UUID {
			continue
		}

		cents, err := ParseCents(f.Amount)
		if err != nil {
			report.skip(rec.UUID, fmt.Sprintf("bad amount %q", f.Amount))
			continue
		}

		// Mixed currencies cannot be netted against each other. The first
		// currency seen fixes the report; everything else is skipped.
		if f.Currency != "" {
			if report.Currency == "" {
				report.Currency = f.Currency
			} else if !strings.EqualFold(f.Currency, report.Currency) {
				report.skip(rec.UUID, fmt.Sprintf("currency %s (report is %s)", f.Currency, report.Currency))
				continue
			}
		}

		payer := personByName(persons, f.PaidBy)
		if payer == nil {
			report.skip(rec.UUID, fmt.Sprintf("unknown payer %q", f.PaidBy))
			continue
		}

		participants := splitParticipants(f.Group, groupMembers, byUUID, persons)
		if len(participants) == 0 {
			report.skip(rec.UUID, "no participants")
			continue
		}

		report.TotalCents += cents
		report.ExpenseCount++
		paid[payer.UUID] += cents

		each := cents / int64(len(participants))
		rem := cents % int64(len(participants))
		for j, uuid := range participants {
			s := each
			if int64(j) < rem {
				s++
			}
			share[uuid] += s
		}
	}

	report.Balances = buildBalances(paid, share, byUUID)
	report.Transfers = minimizeTransfers(report.Balances)
	return report, nil
}

func (r *Report) skip(uuid, reason string) {
	r.Skipped = append(r.Skipped, Skipped{RecordUUID: uuid, Reason: reason})
}

// personByName matches the paid_by field against person names, the way the
// CLI resolves person references.
func personByName(persons []models.Person, name string) *models.Person {
	if name == "" {
		return nil
	}
	for i := range persons {
		if strings.EqualFold(persons[i].Name, name) {
			return &persons[i]
		}
	}
	return nil
}

// splitParticipants returns the people an expense splits among, sorted by
// UUID so remainder cents land deterministically.
func splitParticipants(groupUUID string, groupMembers map[string][]string,
	byUUID map[string]*models.Person, persons []models.Person) []string {

	var out []string
	if groupUUID != "" {
		for _, uuid := range groupMembers[groupUUID] {
			if _, ok := byUUID[uuid]; ok {
				out = append(out, uuid)
			}
		}
	} else {
		for i := range persons {
			out = append(out, persons[i].UUID)
		}
	}
	sort.Strings(out)
	return out
}

// buildBalances turns the paid/share accumulators into sorted balance rows.
// Creditors come first, largest net first; ties break on UUID.
func buildBalances(paid, share map[string]int64, byUUID map[string]*models.Person) []Balance {
	seen := make(map[string]bool)
	var out []Balance
	add := func(uuid string) {
		if seen[uuid] {
			return
		}
		seen[uuid] = true
		b := Balance{PersonUUID: uuid, PaidCents: paid[uuid], ShareCents: share[uuid]}
		b.NetCents = b.PaidCents - b.ShareCents
		if p, ok := byUUID[uuid]; ok {
			b.Name = p.Name
		}
		out = append(out, b)
	}
	for uuid := range paid {
		add(uuid)
	}
	for uuid := range share {
		add(uuid)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].NetCents != out[j].NetCents {
			return out[i].NetCents > out[j].NetCents
		}
		return out[i].PersonUUID < out[j].PersonUUID
	})
	return out
}

// minimizeTransfers suggests payments settling all balances with a greedy
// largest-creditor/largest-debtor matching. The result is at most one
// transfer fewer than the number of unsettled people.
func minimizeTransfers(balances []Balance) []Transfer {
	type party struct {
		uuid string
		name string
		net  int64
	}

	var creditors, debtors []party
	for _, b := range balances {
		switch {
		case b.NetCents > 0:
			creditors = append(creditors, party{b.PersonUUID, b.Name, b.NetCents})
		case b.NetCents < 0:
			debtors = append(debtors, party{b.PersonUUID, b.Name, -b.NetCents})
		}
	}

	// Balances arrive sorted by net descending, so creditors are already
	// largest-first; debtors need their own ordering.
	sort.Slice(debtors, func(i, j int) bool {
		if debtors[i].net != debtors[j].net {
			return debtors[i].net > debtors[j].net
		}
		return debtors[i].uuid < debtors[j].uuid
	})

	var out []Transfer
	ci, di := 0, 0
	for ci < len(creditors) && di < len(debtors) {
		c, d := &creditors[ci], &debtors[di]
		amount := c.net
		if d.net < amount {
			amount = d.net
		}
		out = append(out, Transfer{
			FromUUID:    d.uuid,
			FromName:    d.name,
			ToUUID:      c.uuid,
			ToName:      c.name,
			AmountCents: amount,
		})
		c.net -= amount
		d.net -= amount
		if c.net == 0 {
			ci++
		}
		if d.net == 0 {
			di++
		}
	}
	return out
}

// ParseCents parses a decimal amount string ("12.50", "7") into cents.
// At most two decimal places; negative amounts are rejected.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		cents = cents*10 + int64(r-'0')
		if cents < 0 {
			return 0, fmt.Errorf("amount %q overflows", s)
		}
	}
	return cents, nil
}

// FormatCents renders cents as a decimal string, the inverse of ParseCents.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
