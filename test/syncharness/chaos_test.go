package syncharness

import (
	"flag"
	"strings"
	"testing"
	"time"
)

var (
	chaosSeed    = flag.Int64("chaos.seed", 0, "PRNG seed (0 = time-based)")
	chaosSteps   = flag.Int("chaos.steps", 120, "steps for TestChaosConvergence")
	chaosDevices = flag.Int("chaos.devices", 3, "ring size, 2 or 3")
	chaosVerbose = flag.Bool("chaos.verbose", false, "log every step")
)

func chaosSeedValue() int64 {
	if *chaosSeed != 0 {
		return *chaosSeed
	}
	return time.Now().UnixNano()
}

// settleRing resolves open conflicts one decision per round, converging
// after each so the decision travels before the next is made.
func settleRing(t *testing.T, h *Harness, c *Chaos) {
	t.Helper()
	for round := 0; ; round++ {
		resolver := ""
		for _, name := range h.names {
			if len(h.PendingConflicts(name)) > 0 {
				resolver = name
				break
			}
		}
		if resolver == "" {
			return
		}
		if round >= 100 {
			t.Fatalf("conflicts still open after %d resolution rounds", round)
		}
		open := h.PendingConflicts(resolver)
		pick := open[c.Rng.Intn(len(open))]
		opt := pick.Options[c.Rng.Intn(len(pick.Options))]
		h.Resolve(resolver, pick.ID, opt.MutationUUID)
		h.Converge()
	}
}

// ringSnapshot renders one device's converged-table projection.
func ringSnapshot(h *Harness, device string) string {
	d := h.device(device)
	var sb strings.Builder
	for _, table := range convergedTables {
		sb.WriteString(h.dumpTable(d, table))
	}
	sb.WriteString(h.dumpPendingConflicts(d))
	return sb.String()
}

func TestChaosSmoke(t *testing.T) {
	seed := chaosSeedValue()
	t.Logf("seed: %d (use -chaos.seed=%d to reproduce)", seed, seed)

	h := PairedRing(t)
	c := NewChaos(h, seed)
	for i := 0; i < 12; i++ {
		c.Step()
		if i%4 == 3 {
			c.PartialSync()
		}
	}

	h.Converge()
	settleRing(t, h, c)
	h.AssertConverged()
	t.Log(c.Summary())
}

func TestChaosConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chaos test in short mode")
	}

	seed := chaosSeedValue()
	t.Logf("seed: %d (use -chaos.seed=%d to reproduce)", seed, seed)
	t.Logf("config: steps=%d devices=%d", *chaosSteps, *chaosDevices)

	var h *Harness
	if *chaosDevices >= 3 {
		h = TrioRing(t)
	} else {
		h = PairedRing(t)
	}
	c := NewChaos(h, seed)

	sinceSync := 0
	nextSync := 2 + c.Rng.Intn(5)
	for i := 0; i < *chaosSteps; i++ {
		op, device, done := c.Step()
		if *chaosVerbose {
			status := "ok"
			if !done {
				status = "skip"
			}
			t.Logf("[%03d] %s %s %s", i+1, device, op, status)
		}
		sinceSync++
		if sinceSync >= nextSync {
			c.PartialSync()
			sinceSync = 0
			nextSync = 2 + c.Rng.Intn(5)
		}
		if (i+1)%25 == 0 {
			t.Logf("progress: %d / %d steps", i+1, *chaosSteps)
		}
	}

	h.Converge()
	settleRing(t, h, c)
	for _, name := range h.names {
		if cs := h.PendingConflicts(name); len(cs) != 0 {
			t.Errorf("%s still has %d pending conflicts", name, len(cs))
		}
	}
	h.AssertConverged()

	// A settled ring is a fixed point: more sync rounds, same state.
	before := ringSnapshot(h, h.names[0])
	h.Converge()
	h.AssertConverged()
	if after := ringSnapshot(h, h.names[0]); after != before {
		t.Error("extra sync rounds changed a settled ring")
	}

	t.Log(c.Summary())
}
