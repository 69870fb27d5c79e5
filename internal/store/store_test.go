package store

import (
	"log/slog"
	"sync"
	"testing"
)

func ident(n uint64) Identity {
	return Identity{Principal: 10, Database: 1, Operation: n}
}

func mustAccumulate(t *testing.T, s *Store, id Identity, d Delta) {
	t.Helper()
	if err := s.Accumulate(id, d); err != nil {
		t.Fatalf("Accumulate(%v): %v", id, err)
	}
}

func TestNew(t *testing.T) {
	t.Run("valid capacity", func(t *testing.T) {
		s, err := New(100, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.Capacity() != 100 {
			t.Errorf("expected capacity=100, got %d", s.Capacity())
		}
	})

	t.Run("zero capacity is a configuration error", func(t *testing.T) {
		if _, err := New(0, slog.Default()); err == nil {
			t.Fatal("expected error for capacity=0")
		}
	})

	t.Run("negative capacity is a configuration error", func(t *testing.T) {
		if _, err := New(-5, slog.Default()); err == nil {
			t.Fatal("expected error for negative capacity")
		}
	})

	t.Run("nil logger defaults", func(t *testing.T) {
		s, err := New(10, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.logger == nil {
			t.Error("logger should be initialized to default")
		}
	})
}

func TestFindOrCreate(t *testing.T) {
	s, err := New(10, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("creates sticky placeholder on miss", func(t *testing.T) {
		e, err := s.FindOrCreate(ident(1))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		e.mu.Lock()
		sticky := e.sticky()
		usage := e.counters.Usage
		e.mu.Unlock()
		if !sticky {
			t.Error("fresh entry should be sticky")
		}
		if usage != usageInit {
			t.Errorf("initial median seed should be %v before any eviction pass, got %v", usageInit, usage)
		}
	})

	t.Run("returns the same live handle on hit", func(t *testing.T) {
		a, err := s.FindOrCreate(ident(2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, err := s.FindOrCreate(ident(2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != b {
			t.Error("expected the same entry handle for the same identity")
		}
	})

	t.Run("sticky entries are absent from snapshots", func(t *testing.T) {
		for _, row := range s.Snapshot() {
			if row.Operation == 1 || row.Operation == 2 {
				t.Errorf("sticky entry %v surfaced in snapshot", row.Identity)
			}
		}
	})
}

func TestAccumulate(t *testing.T) {
	s, err := New(10, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("adds all four counters and the call count", func(t *testing.T) {
		d := Delta{Reads: 8, Writes: 4, UserTime: 0.25, SystemTime: 0.05}
		mustAccumulate(t, s, ident(1), d)
		mustAccumulate(t, s, ident(1), d)

		rows := s.Snapshot()
		if len(rows) != 1 {
			t.Fatalf("expected 1 row, got %d", len(rows))
		}
		r := rows[0]
		if r.Calls != 2 {
			t.Errorf("expected calls=2, got %d", r.Calls)
		}
		if r.Reads != 16 || r.Writes != 8 {
			t.Errorf("expected reads=16 writes=8, got reads=%d writes=%d", r.Reads, r.Writes)
		}
		if r.UserTime != 0.5 || r.SystemTime != 0.1 {
			t.Errorf("expected user=0.5 sys=0.1, got user=%v sys=%v", r.UserTime, r.SystemTime)
		}
	})

	t.Run("first observation promotes sticky to measured baseline", func(t *testing.T) {
		e, err := s.FindOrCreate(ident(7))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Simulate a placeholder seeded from a decayed median.
		e.mu.Lock()
		e.counters.Usage = 0.125
		e.mu.Unlock()

		mustAccumulate(t, s, ident(7), Delta{UserTime: 0.01})

		e.mu.Lock()
		usage := e.counters.Usage
		e.mu.Unlock()
		if usage != usageInit {
			t.Errorf("expected usage reset to %v on first measurement, got %v", usageInit, usage)
		}
	})

	t.Run("concurrent accumulates lose no updates", func(t *testing.T) {
		sc, err := New(50, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		const goroutines = 16
		const perGoroutine = 200
		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perGoroutine; i++ {
					// All goroutines hammer the same few identities.
					id := ident(uint64(i % 4))
					if err := sc.Accumulate(id, Delta{Reads: 1, UserTime: 0.001}); err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		var calls, reads int64
		for _, row := range sc.Snapshot() {
			calls += row.Calls
			reads += row.Reads
		}
		want := int64(goroutines * perGoroutine)
		if calls != want {
			t.Errorf("expected %d total calls, got %d", want, calls)
		}
		if reads != want {
			t.Errorf("expected %d total reads, got %d", want, reads)
		}
	})
}

func TestCapacityBound(t *testing.T) {
	t.Run("live count never exceeds capacity", func(t *testing.T) {
		const capacity = 40
		s, err := New(capacity, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for i := 0; i < 10*capacity; i++ {
			mustAccumulate(t, s, ident(uint64(i)), Delta{UserTime: 0.001})
			if got := s.Len(); got > capacity {
				t.Fatalf("live count %d exceeds capacity %d after insert %d", got, capacity, i)
			}
		}
	})

	t.Run("concurrent insert pressure stays bounded", func(t *testing.T) {
		const capacity = 25
		s, err := New(capacity, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			g := g
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 300; i++ {
					id := Identity{Principal: uint32(g), Database: 1, Operation: uint64(i)}
					// Drops under pressure are the contract when nothing is evictable.
					_ = s.Accumulate(id, Delta{UserTime: 0.001})
				}
			}()
		}
		wg.Wait()

		if got := s.Len(); got > capacity {
			t.Errorf("live count %d exceeds capacity %d", got, capacity)
		}
	})

	t.Run("capacity one drops the second identity", func(t *testing.T) {
		s, err := New(1, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mustAccumulate(t, s, ident(1), Delta{UserTime: 0.001})

		if _, err := s.FindOrCreate(ident(2)); err == nil {
			t.Fatal("expected capacity exhaustion for second identity in a one-slot table")
		} else if err != ErrCapacityExhausted {
			t.Errorf("expected ErrCapacityExhausted, got %v", err)
		}
	})
}

func TestEviction(t *testing.T) {
	t.Run("full table of three evicts exactly one for a fourth identity", func(t *testing.T) {
		s, err := New(3, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for _, op := range []uint64{1, 2, 3} { // A, B, C
			mustAccumulate(t, s, ident(op), Delta{UserTime: 0.01})
		}
		mustAccumulate(t, s, ident(4), Delta{UserTime: 0.01}) // D triggers eviction

		rows := s.Snapshot()
		if len(rows) != 3 {
			t.Fatalf("expected 3 live entries, got %d", len(rows))
		}

		present := make(map[uint64]bool)
		for _, r := range rows {
			present[r.Operation] = true
		}
		if !present[4] {
			t.Error("newly inserted identity D should be present")
		}
		missing := 0
		for _, op := range []uint64{1, 2, 3} {
			if !present[op] {
				missing++
			}
		}
		if missing != 1 {
			t.Errorf("expected exactly one of A, B, C evicted, got %d missing", missing)
		}
	})

	t.Run("never evicts an entry hotter than the recorded median", func(t *testing.T) {
		const capacity = 60
		s, err := New(capacity, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Fill the table with a spread of usage scores.
		for i := 0; i < capacity; i++ {
			mustAccumulate(t, s, ident(uint64(i)), Delta{UserTime: 0.001})
			e, err := s.FindOrCreate(ident(uint64(i)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			e.mu.Lock()
			e.counters.Usage = float64(i+1) / float64(capacity)
			e.mu.Unlock()
		}

		before := make(map[Identity]float64)
		s.mu.Lock()
		for id, e := range s.entries {
			before[id] = e.counters.Usage
		}
		evicted := s.evictLocked()
		median := s.medianUsage
		survivors := make(map[Identity]bool, len(s.entries))
		for id := range s.entries {
			survivors[id] = true
		}
		s.mu.Unlock()

		if evicted == 0 {
			t.Fatal("expected a non-empty eviction pass")
		}
		for id, usage := range before {
			if !survivors[id] && usage*decayMeasured > median {
				t.Errorf("evicted %v with decayed usage %v above median %v", id, usage*decayMeasured, median)
			}
		}
	})

	t.Run("sticky placeholders decay faster and go first", func(t *testing.T) {
		s, err := New(8, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Two measured entries and one placeholder, all starting at the
		// same usage score. One pass decays the placeholder to 0.50 and
		// the measured entries to 0.99, so the placeholder is evicted.
		mustAccumulate(t, s, ident(1), Delta{UserTime: 0.01})
		mustAccumulate(t, s, ident(2), Delta{UserTime: 0.01})
		if _, err := s.FindOrCreate(ident(3)); err != nil { // sticky, never measured
			t.Fatalf("unexpected error: %v", err)
		}

		s.mu.Lock()
		evicted := s.evictLocked()
		_, stickyAlive := s.entries[ident(3)]
		var survivors []float64
		for _, e := range s.entries {
			survivors = append(survivors, e.counters.Usage)
		}
		s.mu.Unlock()

		if evicted != 1 {
			t.Fatalf("expected 1 eviction, got %d", evicted)
		}
		if stickyAlive {
			t.Error("the placeholder should be the first eviction victim")
		}
		for _, u := range survivors {
			if u != usageInit*decayMeasured {
				t.Errorf("expected surviving usage %v, got %v", usageInit*decayMeasured, u)
			}
		}
	})

	t.Run("observation lands even when its reservation was evicted", func(t *testing.T) {
		s, err := New(3, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		mustAccumulate(t, s, ident(1), Delta{UserTime: 0.01})
		mustAccumulate(t, s, ident(2), Delta{UserTime: 0.01})
		if _, err := s.FindOrCreate(ident(3)); err != nil { // reserved, not yet measured
			t.Fatalf("unexpected error: %v", err)
		}

		// A fourth identity forces an eviction pass; the placeholder for 3
		// decays fastest and is removed.
		mustAccumulate(t, s, ident(4), Delta{UserTime: 0.01})
		s.mu.RLock()
		_, reservationAlive := s.entries[ident(3)]
		s.mu.RUnlock()
		if reservationAlive {
			t.Fatal("expected the placeholder to be the eviction victim")
		}

		// The operation that reserved 3 now finishes. Its delta must not be
		// lost to the dead handle; the entry is re-created and counted.
		mustAccumulate(t, s, ident(3), Delta{Reads: 2, UserTime: 0.01})

		var found bool
		for _, row := range s.Snapshot() {
			if row.Identity == ident(3) {
				found = true
				if row.Calls != 1 || row.Reads != 2 {
					t.Errorf("expected calls=1 reads=2 for the late observation, got calls=%d reads=%d", row.Calls, row.Reads)
				}
			}
		}
		if !found {
			t.Error("observation for an evicted reservation was lost")
		}
	})

	t.Run("eviction pass reseeds the sticky median", func(t *testing.T) {
		s, err := New(3, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, op := range []uint64{1, 2, 3} {
			mustAccumulate(t, s, ident(op), Delta{UserTime: 0.01})
		}

		// Trigger a pass; every usage decays 1.0 -> 0.99, so the median
		// recorded for future sticky seeds is 0.99.
		e, err := s.FindOrCreate(ident(4))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		e.mu.Lock()
		seeded := e.counters.Usage
		e.mu.Unlock()
		if seeded != usageInit*decayMeasured {
			t.Errorf("expected sticky seed %v from pass median, got %v", usageInit*decayMeasured, seeded)
		}
	})
}

func TestReset(t *testing.T) {
	s, err := New(10, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 8; i++ {
		mustAccumulate(t, s, ident(uint64(i)), Delta{Reads: int64(i), UserTime: 0.01})
	}
	if len(s.Snapshot()) == 0 {
		t.Fatal("expected a populated table before reset")
	}

	s.Reset()

	if got := s.Len(); got != 0 {
		t.Errorf("expected empty table after reset, got %d entries", got)
	}
	if rows := s.Snapshot(); len(rows) != 0 {
		t.Errorf("expected empty snapshot after reset, got %d rows", len(rows))
	}

	// The table keeps working after a reset.
	mustAccumulate(t, s, ident(99), Delta{UserTime: 0.01})
	if len(s.Snapshot()) != 1 {
		t.Error("expected the table to accept observations after reset")
	}
}

func TestSnapshotDuringAccumulate(t *testing.T) {
	s, err := New(20, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := s.Accumulate(ident(uint64(i%10)), Delta{Reads: 1, UserTime: 0.001}); err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		for _, row := range s.Snapshot() {
			if row.Calls == 0 {
				t.Errorf("snapshot surfaced a sticky row for %v", row.Identity)
			}
			if row.Reads != row.Calls {
				t.Errorf("torn read: %d reads for %d calls on %v", row.Reads, row.Calls, row.Identity)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func BenchmarkAccumulate(b *testing.B) {
	s, err := New(1000, slog.Default())
	if err != nil {
		b.Fatalf("unexpected error: %v", err)
	}
	ids := make([]Identity, 64)
	for i := range ids {
		ids[i] = ident(uint64(i))
	}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if err := s.Accumulate(ids[i%len(ids)], Delta{Reads: 1, UserTime: 0.0001}); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
