package syncharness

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/maren/divvy/internal/groupkey"
)

// edgeNotes are adversarial strings mixed into a share of generated
// notes: empty, overlong, multibyte, quoting, and injection shapes.
var edgeNotes = []string{
	"",
	"x",
	strings.Repeat("A", 1200),
	"\U0001F525\U0001F41B✅\U0001F680\U0001F480\U0001F389",
	"测试中文数据处理",
	"مرحبا بالعالم",
	"line one\nline two\nline three",
	"it's a note with 'single quotes'",
	`she said "hello world"`,
	`path\to\file and \n not a newline`,
	"'; DROP TABLE records; --",
	"%s %d %x %n %%",
	`{"key": "value", "nested": {"a": 1}}`,
	"\ttabs\tand   spaces   ",
}

var notePrefixes = []string{
	"dinner at", "groceries from", "drinks at", "tickets for",
	"taxi to", "brunch at", "parking near", "ferry to",
}

var notePlaces = []string{
	"the harbor", "luigi's", "the market", "the festival",
	"the old town", "the station", "the beach house", "the airport",
}

var chaosCurrencies = []string{"EUR", "USD", "GBP", "SEK", "DKK", "JPY"}

var chaosGroupNames = []string{
	"trip", "household", "ski weekend", "dinner club", "cabin", "road trip",
}

var chaosPersonNames = []string{"alex", "sam", "noor", "kai"}

// maybeEdge returns an adversarial string ~15% of the time.
func maybeEdge(rng *rand.Rand) (string, bool) {
	if rng.Intn(100) < 15 {
		return edgeNotes[rng.Intn(len(edgeNotes))], true
	}
	return "", false
}

func randNote(rng *rand.Rand) string {
	if s, ok := maybeEdge(rng); ok {
		return s
	}
	return notePrefixes[rng.Intn(len(notePrefixes))] + " " + notePlaces[rng.Intn(len(notePlaces))]
}

func randAmount(rng *rand.Rand) string {
	cents := 50 + rng.Intn(20000)
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// chaosOp is one weighted random action against a single device. run
// reports false when the device had no suitable target for it.
type chaosOp struct {
	name   string
	weight int
	run    func(c *Chaos, device string) bool
}

var chaosOps = []chaosOp{
	{name: "add", weight: 14, run: opAdd},
	{name: "edit-amount", weight: 12, run: opEditAmount},
	{name: "edit-note", weight: 8, run: opEditNote},
	{name: "retag-group", weight: 4, run: opRetagGroup},
	{name: "delete", weight: 4, run: opDelete},
	{name: "resolve", weight: 6, run: opResolve},
	{name: "group-create", weight: 3, run: opGroupCreate},
	{name: "rotate-key", weight: 3, run: opRotateKey},
	{name: "fork-group", weight: 2, run: opForkGroup},
	{name: "add-person", weight: 1, run: opAddPerson},
}

var chaosTotalWeight int

func init() {
	for _, op := range chaosOps {
		chaosTotalWeight += op.weight
	}
}

// opStats counts outcomes for one op type.
type opStats struct {
	Done    int
	Skipped int
}

// Chaos drives weighted random ledger activity across a harness ring.
// It tracks what it created so later steps have targets to aim at; it
// never removes devices, so every ring member keeps syncing.
type Chaos struct {
	Rng *rand.Rand

	h       *Harness
	records []string
	deleted map[string]bool
	groups  []string
	stats   map[string]*opStats
	syncs   int
}

func NewChaos(h *Harness, seed int64) *Chaos {
	c := &Chaos{
		Rng:     rand.New(rand.NewSource(seed)),
		h:       h,
		deleted: make(map[string]bool),
		stats:   make(map[string]*opStats),
	}
	for _, op := range chaosOps {
		c.stats[op.name] = &opStats{}
	}
	return c
}

// Step runs one weighted random action on a random device. It reports
// the op name, the device, and whether the op found a target.
func (c *Chaos) Step() (op, device string, done bool) {
	device = c.h.names[c.Rng.Intn(len(c.h.names))]
	def := c.pickOp()
	done = def.run(c, device)
	st := c.stats[def.name]
	if done {
		st.Done++
	} else {
		st.Skipped++
	}
	return def.name, device, done
}

func (c *Chaos) pickOp() chaosOp {
	roll := c.Rng.Intn(chaosTotalWeight) + 1
	total := 0
	for _, op := range chaosOps {
		total += op.weight
		if roll <= total {
			return op
		}
	}
	return chaosOps[0]
}

// PartialSync runs one publish+pull cycle on a random subset of the
// ring. At least one device syncs; the rest fall behind.
func (c *Chaos) PartialSync() {
	var subset []string
	for _, name := range c.h.names {
		if c.Rng.Intn(100) < 60 {
			subset = append(subset, name)
		}
	}
	if len(subset) == 0 {
		subset = []string{c.h.names[c.Rng.Intn(len(c.h.names))]}
	}
	c.h.MustSync(subset...)
	c.syncs++
}

// Summary returns per-op tallies for the test log.
func (c *Chaos) Summary() string {
	var done, skipped int
	for _, st := range c.stats {
		done += st.Done
		skipped += st.Skipped
	}
	var b strings.Builder
	fmt.Fprintf(&b, "steps: %d done, %d skipped, %d partial syncs\n", done, skipped, c.syncs)
	for _, op := range chaosOps {
		st := c.stats[op.name]
		fmt.Fprintf(&b, "  %-12s done=%-3d skipped=%d\n", op.name, st.Done, st.Skipped)
	}
	return b.String()
}

func (c *Chaos) pickRecord() string {
	if len(c.records) == 0 {
		return ""
	}
	return c.records[c.Rng.Intn(len(c.records))]
}

func (c *Chaos) pickLiveRecord() string {
	var live []string
	for _, r := range c.records {
		if !c.deleted[r] {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return ""
	}
	return live[c.Rng.Intn(len(live))]
}

func (c *Chaos) pickGroup() string {
	if len(c.groups) == 0 {
		return ""
	}
	return c.groups[c.Rng.Intn(len(c.groups))]
}

func opAdd(c *Chaos, device string) bool {
	fields := map[string]any{
		"amount": randAmount(c.Rng),
		"note":   randNote(c.Rng),
	}
	if c.Rng.Intn(100) < 40 {
		fields["currency"] = chaosCurrencies[c.Rng.Intn(len(chaosCurrencies))]
	}
	if g := c.pickGroup(); g != "" && c.Rng.Intn(100) < 30 {
		fields["group"] = g
	}
	c.records = append(c.records, c.h.AddExpense(device, fields))
	return true
}

// opEditAmount targets any known record, tombstoned ones included: an
// edit landing on a tombstone is either a revival or a delete-vs-update
// conflict, both of which the ring has to settle.
func opEditAmount(c *Chaos, device string) bool {
	r := c.pickRecord()
	if r == "" {
		return false
	}
	c.h.SetField(device, r, "amount", randAmount(c.Rng))
	return true
}

func opEditNote(c *Chaos, device string) bool {
	r := c.pickRecord()
	if r == "" {
		return false
	}
	c.h.SetField(device, r, "note", randNote(c.Rng))
	return true
}

func opRetagGroup(c *Chaos, device string) bool {
	r := c.pickRecord()
	g := c.pickGroup()
	if r == "" || g == "" {
		return false
	}
	c.h.SetField(device, r, "group", g)
	return true
}

func opDelete(c *Chaos, device string) bool {
	r := c.pickLiveRecord()
	if r == "" {
		return false
	}
	c.h.DeleteRecord(device, r)
	c.deleted[r] = true
	return true
}

func opResolve(c *Chaos, device string) bool {
	cs := c.h.PendingConflicts(device)
	if len(cs) == 0 {
		return false
	}
	pick := cs[c.Rng.Intn(len(cs))]
	opt := pick.Options[c.Rng.Intn(len(pick.Options))]
	c.h.Resolve(device, pick.ID, opt.MutationUUID)
	return true
}

func opGroupCreate(c *Chaos, device string) bool {
	persons, err := c.h.device(device).DB.ListPersons(false)
	if err != nil {
		c.h.t.Fatalf("list persons on %s: %v", device, err)
	}
	members := make([]string, len(persons))
	for i, p := range persons {
		members[i] = p.UUID
	}
	name := chaosGroupNames[c.Rng.Intn(len(chaosGroupNames))]
	c.groups = append(c.groups, c.h.CreateGroup(device, name, members))
	return true
}

func opRotateKey(c *Chaos, device string) bool {
	g := c.pickGroup()
	if g == "" {
		return false
	}
	err := c.h.device(device).Keys.Rotate(g)
	if errors.Is(err, groupkey.ErrGroupNotFound) {
		// The group has not reached this device yet.
		return false
	}
	if err != nil {
		c.h.t.Fatalf("rotate %s on %s: %v", g, device, err)
	}
	return true
}

func opForkGroup(c *Chaos, device string) bool {
	g := c.pickGroup()
	if g == "" {
		return false
	}
	forked, err := c.h.device(device).Keys.Fork(g, nil)
	if errors.Is(err, groupkey.ErrGroupNotFound) {
		return false
	}
	if err != nil {
		c.h.t.Fatalf("fork %s on %s: %v", g, device, err)
	}
	c.groups = append(c.groups, forked)
	return true
}

func opAddPerson(c *Chaos, device string) bool {
	name := chaosPersonNames[c.Rng.Intn(len(chaosPersonNames))]
	c.h.AddPerson(device, name)
	return true
}
