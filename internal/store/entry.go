// Package store implements the bounded in-memory aggregation table that
// accumulates per-identity kernel resource counters. The table is sized once
// at startup and never grows; when an insert would exceed capacity, a decay
// pass evicts the coldest entries by usage score.
package store

import "sync"

// BlockSize is the size in bytes of one raw I/O block as reported by the
// kernel accounting counters. Byte values are derived at read time; the
// table itself stores block counts.
const BlockSize = 512

// Identity uniquely keys one aggregation bucket.
type Identity struct {
	Principal uint32
	Database  uint32
	Operation uint64
}

// Counters holds the accumulated consumption for one identity.
type Counters struct {
	Calls      int64
	Reads      int64 // physical reads, in BlockSize units
	Writes     int64 // physical writes, in BlockSize units
	UserTime   float64
	SystemTime float64
	Usage      float64
}

// Delta is one monitored operation's measured consumption, ready to be
// folded into an entry.
type Delta struct {
	Reads      int64
	Writes     int64
	UserTime   float64
	SystemTime float64
}

// Entry is one live aggregation bucket. Entries are owned by the Store for
// their whole lifetime; callers only ever see counter copies via Snapshot.
// The mutex guards the counters, nothing else -- membership in the table is
// the Store's structural lock's business.
type Entry struct {
	id       Identity
	mu       sync.Mutex
	counters Counters
}

// sticky reports whether the entry is a reserved placeholder that has never
// had a real observation accumulated into it. Caller must hold e.mu.
func (e *Entry) sticky() bool {
	return e.counters.Calls == 0
}

// fold adds one delta to the counters under the entry mutex. Caller must
// hold the structural lock, at least shared, so the entry cannot be evicted
// mid-fold.
func (e *Entry) fold(d Delta) {
	e.mu.Lock()
	wasSticky := e.sticky()
	e.counters.Calls++
	e.counters.Reads += d.Reads
	e.counters.Writes += d.Writes
	e.counters.UserTime += d.UserTime
	e.counters.SystemTime += d.SystemTime
	if wasSticky {
		e.counters.Usage = usageInit
	}
	e.mu.Unlock()
}

// Identity returns the entry's key. The key is immutable, so no lock is needed.
func (e *Entry) Identity() Identity {
	return e.id
}

// Row is a point-in-time copy of one entry, as returned by Snapshot.
type Row struct {
	Identity
	Counters
}
