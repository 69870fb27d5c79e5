package store

import "sort"

const (
	// usageInit is the usage score of a freshly measured entry.
	usageInit = 1.0

	// Per-pass decay factors. Sticky placeholders decay faster because an
	// entry that was reserved but never measured carries less evidence of
	// being worth keeping.
	decayMeasured = 0.99
	decaySticky   = 0.50

	// evictMinimum batches evictions so a table under sustained insert
	// pressure does not run one pass per insert.
	evictMinimum = 10
)

// evictLocked runs one eviction pass and returns the number of entries
// removed. Caller must hold s.mu exclusively. Accumulate holds the
// structural lock for the whole fold, so no update can land mid-pass.
//
// The pass decays every entry's usage, records the median for seeding
// future sticky placeholders, then removes the lowest-usage entries:
// max(evictMinimum, 5% of live), but never more than half the table, so a
// single insert cannot wipe entries hotter than the recorded median. With
// fewer than two live entries nothing can be evicted and the caller treats
// the insert as capacity exhaustion.
func (s *Store) evictLocked() int {
	live := len(s.entries)
	if live == 0 {
		return 0
	}

	type ranked struct {
		id    Identity
		usage float64
	}
	all := make([]ranked, 0, live)
	for id, e := range s.entries {
		e.mu.Lock()
		if e.sticky() {
			e.counters.Usage *= decaySticky
		} else {
			e.counters.Usage *= decayMeasured
		}
		u := e.counters.Usage
		e.mu.Unlock()
		all = append(all, ranked{id: id, usage: u})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].usage < all[j].usage })

	if live%2 == 1 {
		s.medianUsage = all[live/2].usage
	} else {
		s.medianUsage = (all[live/2-1].usage + all[live/2].usage) / 2
	}

	victims := live * 5 / 100
	if victims < evictMinimum {
		victims = evictMinimum
	}
	if half := live / 2; victims > half {
		victims = half
	}

	for i := 0; i < victims; i++ {
		delete(s.entries, all[i].id)
	}

	if victims > 0 {
		s.logger.Debug("evicted cold entries",
			"evicted", victims,
			"live", len(s.entries),
			"median_usage", s.medianUsage,
		)
	}
	return victims
}
