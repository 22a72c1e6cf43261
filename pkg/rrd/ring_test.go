package rrd

import "testing"

func TestLastSlotOfWrapsAtZero(t *testing.T) {
	if got := lastSlotOf(0, 4); got != 3 {
		t.Fatalf("lastSlotOf(0,4) = %d, want 3", got)
	}
	if got := lastSlotOf(2, 4); got != 1 {
		t.Fatalf("lastSlotOf(2,4) = %d, want 1", got)
	}
}

func TestFirstSlotOfBeforeAndAfterWrap(t *testing.T) {
	if got := firstSlotOf(3, 4, 3); got != 0 {
		t.Fatalf("firstSlotOf(3,4,3) = %d, want 0 (not yet wrapped)", got)
	}
	if got := firstSlotOf(5, 4, 1); got != 1 {
		t.Fatalf("firstSlotOf(5,4,1) = %d, want 1 (wrapped, oldest is write cursor)", got)
	}
}

func TestDurationOfCapsAtEntries(t *testing.T) {
	if got := durationOf(2, 4, 1); got != 2 {
		t.Fatalf("durationOf(2,4,1) = %d, want 2", got)
	}
	if got := durationOf(10, 4, 1); got != 4 {
		t.Fatalf("durationOf(10,4,1) = %d, want 4 (capped at entries)", got)
	}
}

func TestTimeToSlotAndSlotToTimeRoundTrip(t *testing.T) {
	// entries=4, updateEvery=1, counter=10 (wrapped many times), lastUpdated=100.
	entries, updateEvery, counter, lastUpdated := int64(4), int64(1), int64(10), int64(100)
	for slot := int64(0); slot < entries; slot++ {
		tm := slotToTimeOf(slot, lastUpdated, updateEvery, entries, counter)
		got := timeToSlotOf(tm, lastUpdated, updateEvery, entries, counter)
		if got != slot {
			t.Fatalf("slot %d -> time %d -> slot %d, want round-trip", slot, tm, got)
		}
	}
}

func TestTimeToSlotClampsOutOfRange(t *testing.T) {
	entries, updateEvery, counter, lastUpdated := int64(4), int64(1), int64(10), int64(100)
	g := grid{Entries: entries, UpdateEvery: updateEvery, counter: uint64(counter), lastUpdated: lastUpdated}

	if got := g.TimeToSlot(1000); got != g.LastSlot() {
		t.Fatalf("far-future time should clamp to last slot, got %d want %d", got, g.LastSlot())
	}
	if got := g.TimeToSlot(0); got != g.FirstSlot() {
		t.Fatalf("far-past time should clamp to first slot, got %d want %d", got, g.FirstSlot())
	}
}

func TestGridAdvanceWrapsCurrentEntry(t *testing.T) {
	g := grid{Entries: 4, UpdateEvery: 1}
	for i := 0; i < 5; i++ {
		g.advance()
	}
	if got := g.currentEntry(); got != 1 {
		t.Fatalf("after 5 advances over 4 entries, currentEntry = %d, want 1", got)
	}
	if got := g.Counter(); got != 5 {
		t.Fatalf("Counter() = %d, want 5", got)
	}
}
