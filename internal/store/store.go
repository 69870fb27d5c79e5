package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrCapacityExhausted is returned by FindOrCreate when no slot could be
// freed for a new identity even after an eviction pass. Callers drop the
// observation; they must never block or abort the host over it.
var ErrCapacityExhausted = errors.New("aggregation table is full")

// Store is the bounded concurrent aggregation table.
//
// Locking is two-tier: the structural RWMutex protects table membership
// (shared for lookup and snapshot, exclusive for insert-with-eviction and
// reset), while each entry's own mutex protects only that entry's counters.
// An entry mutex is never held while acquiring the structural lock, and at
// most one entry mutex is held by any goroutine at a time, so the two tiers
// cannot deadlock.
type Store struct {
	capacity int
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[Identity]*Entry

	// medianUsage seeds the usage score of sticky placeholders so that
	// unmeasured-but-reserved entries are neither trivially evicted ahead of
	// genuinely cold entries nor immune to eviction. Updated by each
	// eviction pass, guarded by mu.
	medianUsage float64
}

// New allocates a table with the given fixed capacity. The capacity is a
// hard bound for the process lifetime; resizing requires a restart.
func New(capacity int, logger *slog.Logger) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("aggregation table capacity must be positive, got %d: set stats.capacity in the configuration before starting the host", capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		capacity:    capacity,
		logger:      logger.With("component", "store.Store"),
		entries:     make(map[Identity]*Entry, capacity),
		medianUsage: usageInit,
	}, nil
}

// Capacity returns the fixed table capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Len returns the number of live entries, sticky placeholders included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// FindOrCreate returns the live entry for id, creating a sticky placeholder
// if none exists. The fast path runs under the shared structural lock; on a
// miss the lock is released and reacquired exclusively, so the slow path
// re-checks for an entry created by a racing goroutine before allocating.
func (s *Store) FindOrCreate(id Identity) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Lost the race to another goroutine between the two lock acquisitions.
	if e, ok := s.entries[id]; ok {
		return e, nil
	}
	return s.insertLocked(id)
}

// insertLocked allocates a slot for id, running an eviction pass first when
// the table is full. Caller must hold s.mu exclusively.
func (s *Store) insertLocked(id Identity) (*Entry, error) {
	if len(s.entries) >= s.capacity {
		if s.evictLocked() == 0 {
			s.logger.Warn("no free entry for identity, observation dropped",
				"principal_id", id.Principal,
				"database_id", id.Database,
				"operation_id", id.Operation,
				"capacity", s.capacity,
			)
			return nil, ErrCapacityExhausted
		}
	}

	e := &Entry{id: id}
	e.counters.Usage = s.medianUsage
	s.entries[id] = e
	return e, nil
}

// Accumulate folds one operation's delta into the entry for id, creating
// the entry if none is live. The whole update runs while holding the
// structural lock, shared on the fast path, so it can never interleave with
// an eviction pass: the entry found under the lock stays a member of the
// table until the delta has landed. A placeholder evicted between the
// reservation and the accumulate is simply re-created here. The first real
// observation promotes a sticky placeholder to a measured entry and resets
// its usage to the measured baseline instead of the inherited median.
func (s *Store) Accumulate(id Identity, d Delta) error {
	s.mu.RLock()
	if e, ok := s.entries[id]; ok {
		e.fold(d)
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		var err error
		e, err = s.insertLocked(id)
		if err != nil {
			return err
		}
	}
	e.fold(d)
	return nil
}

// Snapshot copies every measured entry under the shared structural lock,
// taking each entry's mutex just long enough to copy its counters. Sticky
// placeholders are skipped so they are never counted into surfaced totals.
// The result is a valid point-in-time view per entry, not per table.
func (s *Store) Snapshot() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]Row, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		c := e.counters
		e.mu.Unlock()
		if c.Calls == 0 {
			continue
		}
		rows = append(rows, Row{Identity: e.id, Counters: c})
	}
	return rows
}

// Reset removes every live entry and restores the median seed to its
// initial value.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = make(map[Identity]*Entry, s.capacity)
	s.medianUsage = usageInit
	s.mu.Unlock()
	s.logger.Info("aggregation table reset")
}
