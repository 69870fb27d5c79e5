// Package sampler measures the kernel resources consumed by a span of work
// in the current process. It reads self rusage counters at the start and
// end of a span and reports the delta, correcting CPU times that fall under
// the kernel accounting granularity.
package sampler

import (
	"log/slog"
	"time"
)

// defaultTickHz matches the usual kernel CPU accounting frequency. The
// configured value wins when the host is built against a kernel with a
// different CONFIG_HZ.
const defaultTickHz = 100

// tickSlack is the number of accounting ticks under which measured CPU
// times are too coarse to trust and the wall clock stands in for them.
const tickSlack = 3

// Stubbed in tests.
var (
	readCounters = readRusage
	timeNow      = time.Now
)

// counters is one raw reading of the process self accounting.
type counters struct {
	userTime   float64 // seconds
	systemTime float64 // seconds
	reads      int64   // filesystem input, 512-byte blocks
	writes     int64   // filesystem output, 512-byte blocks
}

// Delta is the resource consumption of one completed span. Reads and
// Writes count 512-byte blocks and are only meaningful when IOValid is
// set; platforms without block accounting report IOValid=false.
type Delta struct {
	Reads      int64
	Writes     int64
	IOValid    bool
	UserTime   float64
	SystemTime float64
}

// Span holds the opening reading of an in-flight measurement.
type Span struct {
	start   counters
	wall    time.Time
	sampled bool
}

// Sampler produces resource deltas for spans of work in this process.
// Safe for concurrent use; it holds no mutable state after construction.
type Sampler struct {
	tick        float64 // seconds per accounting tick
	ioSupported bool
	logger      *slog.Logger
}

// New returns a sampler assuming tickHz kernel accounting ticks per
// second. A tickHz of zero probes the platform once; if the probe fails
// the common default is assumed.
func New(tickHz int, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sampler")

	tick := 1.0 / float64(defaultTickHz)
	switch {
	case tickHz > 0:
		tick = 1.0 / float64(tickHz)
	case rusageSupported:
		if detected, ok := detectTickSeconds(); ok {
			tick = detected
			logger.Debug("detected CPU accounting tick", "seconds", detected)
		} else {
			logger.Debug("tick detection failed, assuming default", "hz", defaultTickHz)
		}
	}

	s := &Sampler{
		tick:        tick,
		ioSupported: rusageSupported,
		logger:      logger,
	}
	if !s.ioSupported {
		s.logger.Warn("process accounting unavailable on this platform, read and write counters disabled")
	}
	return s
}

// detectTickSeconds measures the accounting granularity by busy-waiting
// until the user-time counter moves twice: the first change aligns to a
// tick boundary, the wall time to the second change is one tick. The
// busy loop itself is what advances the counter.
func detectTickSeconds() (float64, bool) {
	const probeTimeout = 250 * time.Millisecond
	deadline := timeNow().Add(probeTimeout)

	start, err := readCounters()
	if err != nil {
		return 0, false
	}

	first := start
	for first.userTime == start.userTime {
		if timeNow().After(deadline) {
			return 0, false
		}
		if first, err = readCounters(); err != nil {
			return 0, false
		}
	}
	boundary := timeNow()

	second := first
	for second.userTime == first.userTime {
		if timeNow().After(deadline) {
			return 0, false
		}
		if second, err = readCounters(); err != nil {
			return 0, false
		}
	}

	tick := timeNow().Sub(boundary).Seconds()
	if tick <= 0 {
		return 0, false
	}
	return tick, true
}

// IOSupported reports whether block read and write counters carry real
// kernel data on this platform.
func (s *Sampler) IOSupported() bool {
	return s.ioSupported
}

// Begin opens a span. The returned value must be passed to End on the
// same goroutine boundary of the measured work; spans are cheap values
// and need no cleanup if abandoned.
func (s *Sampler) Begin() Span {
	sp := Span{wall: timeNow()}
	if !s.ioSupported {
		return sp
	}
	c, err := readCounters()
	if err != nil {
		s.logger.Warn("rusage read failed at span start", "error", err)
		return sp
	}
	sp.start = c
	sp.sampled = true
	return sp
}

// End closes a span and returns the resources it consumed. CPU deltas
// shorter than a few accounting ticks are replaced by the wall clock
// elapsed as user time, since the kernel counters only move in whole
// ticks and would otherwise report zero or a full tick at random.
func (s *Sampler) End(sp Span) Delta {
	elapsed := timeNow().Sub(sp.wall).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	if !sp.sampled {
		return Delta{UserTime: elapsed}
	}

	end, err := readCounters()
	if err != nil {
		s.logger.Warn("rusage read failed at span end", "error", err)
		return Delta{UserTime: elapsed}
	}

	d := Delta{
		Reads:      clampCount(end.reads - sp.start.reads),
		Writes:     clampCount(end.writes - sp.start.writes),
		IOValid:    true,
		UserTime:   end.userTime - sp.start.userTime,
		SystemTime: end.systemTime - sp.start.systemTime,
	}
	if d.UserTime < 0 {
		d.UserTime = 0
	}
	if d.SystemTime < 0 {
		d.SystemTime = 0
	}

	if elapsed < tickSlack*s.tick {
		d.UserTime = elapsed
		d.SystemTime = 0
	}
	return d
}

func clampCount(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
