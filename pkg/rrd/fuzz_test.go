package rrd

import (
	"testing"
	"time"
)

var fuzzCreationTime = time.Unix(1000, 0)

// clampFuzzInt64 folds an arbitrary fuzz-generated int64 into [lo, hi].
func clampFuzzInt64(v int64, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	span := hi - lo + 1
	m := v % span
	if m < 0 {
		m += span
	}
	return lo + m
}

func FuzzDoneInvariants(f *testing.F) {
	f.Add(int64(1), int64(10), uint8(5), int64(1_000_000))
	f.Add(int64(1), int64(4), uint8(8), int64(900_000))
	f.Add(int64(5), int64(20), uint8(12), int64(50_000_000))
	f.Add(int64(2), int64(3), uint8(20), int64(0))

	f.Fuzz(func(t *testing.T, updateEverySeed, entriesSeed int64, ticks uint8, dtSeed int64) {
		updateEvery := clampFuzzInt64(updateEverySeed, 1, 10)
		entries := clampFuzzInt64(entriesSeed, 1, 50)
		if ticks == 0 {
			ticks = 1
		}

		chart, _ := newTestChart(t, entries, updateEvery, 0, fuzzCreationTime)
		dim, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
		if err != nil {
			t.Fatalf("AddDim: %v", err)
		}

		var prevLastUpdated int64
		for i := 0; i < int(ticks); i++ {
			dt := clampFuzzInt64(dtSeed+int64(i)*7919, 0, int64(updateEvery)*20*1_000_000)
			if i == 0 {
				chart.NextUSecUnfiltered(0)
			} else {
				chart.NextUSecUnfiltered(dt)
			}
			chart.Set("x", int64(i))
			chart.Done()

			chart.mu.RLock()
			entriesNow := chart.g.Entries
			current := chart.g.currentEntry()
			counter := chart.g.counter
			lastUpdated := chart.g.lastUpdated
			chart.mu.RUnlock()

			if current < 0 || current >= entriesNow {
				t.Fatalf("current_entry %d out of [0,%d)", current, entriesNow)
			}

			wantLast := lastSlotOf(current, entriesNow)
			if chart.LastSlot() != wantLast {
				t.Fatalf("LastSlot %d != lastSlotOf %d", chart.LastSlot(), wantLast)
			}
			wantFirst := firstSlotOf(int64(counter), entriesNow, current)
			if chart.g.FirstSlot() != wantFirst {
				t.Fatalf("FirstSlot %d != firstSlotOf %d", chart.g.FirstSlot(), wantFirst)
			}

			if i > 0 {
				delta := lastUpdated - prevLastUpdated
				if delta < 0 || delta%updateEvery != 0 {
					t.Fatalf("last_updated delta %d not a non-negative multiple of U=%d", delta, updateEvery)
				}
			}
			prevLastUpdated = lastUpdated

			bound := entriesNow
			if counter < bound {
				bound = int64(counter)
			}
			for s := int64(0); s < bound; s++ {
				tm := chart.g.SlotToTime(s)
				if chart.g.TimeToSlot(tm) != s {
					t.Fatalf("time2slot(slot2time(%d))=%d, want %d", s, chart.g.TimeToSlot(tm), s)
				}
			}

			firstT := chart.g.FirstEntryT()
			lastT := chart.g.LastEntryT()
			for tm := firstT; tm <= lastT; tm += updateEvery {
				slot := chart.g.TimeToSlot(tm)
				got := chart.g.SlotToTime(slot)
				if got < tm-updateEvery+1 || got > tm {
					t.Fatalf("slot2time(time2slot(%d))=%d outside [%d,%d]", tm, got, tm-updateEvery+1, tm)
				}
			}

			_, _ = dim.Get(current)
		}
	})
}
