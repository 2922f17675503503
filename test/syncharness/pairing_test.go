package syncharness

import (
	"bytes"
	"testing"
)

func TestPairingCarriesExistingLedger(t *testing.T) {
	h := NewHarness(t)
	h.Bootstrap("laptop", "maren")

	// Written before the phone exists, so it travels in the invite
	// snapshot, not a chunk.
	exp := h.AddExpense("laptop", map[string]any{
		"amount": "42.50",
		"payer":  "maren",
		"note":   "groceries",
	})

	h.Join("laptop", "phone")
	h.Converge()
	h.AssertConverged()

	if h.Record("phone", exp) == nil {
		t.Fatal("phone did not receive the pre-pairing expense")
	}
	if got := h.RecordField("phone", exp, "note"); got != `"groceries"` {
		t.Errorf("note on phone = %s, want %q", got, `"groceries"`)
	}

	for _, name := range []string{"laptop", "phone"} {
		devices, err := h.Devices[name].DB.ListDevices(false)
		if err != nil {
			t.Fatalf("list devices on %s: %v", name, err)
		}
		if len(devices) != 2 {
			t.Errorf("%s sees %d devices, want 2", name, len(devices))
		}
		persons, err := h.Devices[name].DB.ListPersons(false)
		if err != nil {
			t.Fatalf("list persons on %s: %v", name, err)
		}
		if len(persons) != 1 || persons[0].Name != "maren" {
			t.Errorf("%s sees persons %+v, want just maren", name, persons)
		}
	}
}

func TestEditsFlowBothWays(t *testing.T) {
	h := PairedRing(t)

	fromLaptop := h.AddExpense("laptop", map[string]any{"amount": "18.00", "note": "lunch"})
	fromPhone := h.AddExpense("phone", map[string]any{"amount": "7.20", "note": "bus tickets"})

	h.Converge()
	h.AssertConverged()

	if h.Record("phone", fromLaptop) == nil {
		t.Error("phone is missing the laptop's expense")
	}
	if h.Record("laptop", fromPhone) == nil {
		t.Error("laptop is missing the phone's expense")
	}
}

func TestThirdDeviceReachesEveryone(t *testing.T) {
	h := PairedRing(t)

	// The tablet joins through the laptop; the phone has to discover it
	// from the laptop's published ring document.
	h.Join("laptop", "tablet")
	h.Converge()

	exp := h.AddExpense("tablet", map[string]any{"amount": "3.80", "note": "coffee"})
	h.Converge()
	h.AssertConverged()

	if h.Record("phone", exp) == nil {
		t.Fatal("phone never saw the tablet's expense")
	}
	devices, err := h.Devices["phone"].DB.ListDevices(false)
	if err != nil {
		t.Fatalf("list devices on phone: %v", err)
	}
	if len(devices) != 3 {
		t.Errorf("phone sees %d devices, want 3", len(devices))
	}
}

func TestSecondPersonJoinsRing(t *testing.T) {
	h := PairedRing(t)

	jonasUUID := h.AddPerson("laptop", "jonas")
	h.Converge()

	h.JoinPerson("laptop", "jonas-phone", jonasUUID)
	h.Converge()
	h.AssertConverged()

	d, err := h.Devices["phone"].DB.GetDevice(h.Devices["jonas-phone"].Ident.DeviceID)
	if err != nil {
		t.Fatalf("get device on phone: %v", err)
	}
	if d == nil {
		t.Fatal("phone never learned about jonas's phone")
	}
	if d.PersonUUID != jonasUUID {
		t.Errorf("jonas-phone belongs to %s, want %s", d.PersonUUID, jonasUUID)
	}

	// Every device holds the same broadcast key.
	ref, err := h.Devices["laptop"].DB.ActiveBroadcastKey()
	if err != nil {
		t.Fatalf("broadcast key on laptop: %v", err)
	}
	for _, name := range []string{"phone", "jonas-phone"} {
		key, err := h.Devices[name].DB.ActiveBroadcastKey()
		if err != nil {
			t.Fatalf("broadcast key on %s: %v", name, err)
		}
		if !bytes.Equal(key, ref) {
			t.Errorf("%s holds a different broadcast key", name)
		}
	}
}
