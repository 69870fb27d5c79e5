// Package service hosts the statistics machinery inside an embedding
// process. It owns the aggregation table and the rusage sampler, exposes
// the operation hooks that instrumented code calls, and handles snapshot
// persistence across restarts.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/opstat/opstat/internal/auth"
	"github.com/opstat/opstat/internal/config"
	"github.com/opstat/opstat/internal/sampler"
	"github.com/opstat/opstat/internal/store"
)

var (
	// ErrNotInitialized is returned by control operations called before
	// Start or after Shutdown. Instrumentation hooks never return it;
	// they drop their observations silently instead.
	ErrNotInitialized = errors.New("statistics service is not initialized: start the host before issuing control operations")

	// ErrPermissionDenied is returned when the caller's role does not
	// allow the requested control operation.
	ErrPermissionDenied = errors.New("permission denied")
)

// GenerationArchiver receives the final table contents on orderly
// shutdown. Implemented by the sqlite archive; nil disables archiving.
type GenerationArchiver interface {
	RecordGeneration(rows []store.Row) (string, error)
}

// Service ties the sampler and the aggregation table together behind
// the hook and control surfaces. All methods are safe for concurrent
// use.
type Service struct {
	store        *store.Store
	sampler      *sampler.Sampler
	snapshotPath string
	archive      GenerationArchiver
	logger       *slog.Logger

	initialized atomic.Bool
}

// New builds a stopped service from cfg. A non-positive capacity is a
// configuration error and fails construction.
func New(cfg *config.Config, archive GenerationArchiver, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.New(cfg.Stats.Capacity, logger)
	if err != nil {
		return nil, fmt.Errorf("building aggregation table: %w", err)
	}
	return &Service{
		store:        st,
		sampler:      sampler.New(cfg.Stats.TickHz, logger),
		snapshotPath: cfg.Stats.SnapshotPath,
		archive:      archive,
		logger:       logger.With("component", "service"),
	}, nil
}

// Start restores the previous snapshot, if any, and opens the hook and
// control surfaces. The snapshot file is consumed in the process.
func (s *Service) Start() {
	s.store.Load(s.snapshotPath)
	s.initialized.Store(true)
	s.logger.Info("statistics service started",
		"capacity", s.store.Capacity(),
		"restored_entries", s.store.Len(),
		"io_accounting", s.sampler.IOSupported(),
	)
}

// Shutdown closes the surfaces, saves the snapshot for the next run and
// records a generation in the archive when one is configured. Crash
// paths never reach this method, which is what keeps half-written state
// off the disk.
func (s *Service) Shutdown() {
	if !s.initialized.Swap(false) {
		return
	}

	if s.archive != nil {
		if id, err := s.archive.RecordGeneration(s.store.Snapshot()); err != nil {
			s.logger.Error("archiving generation failed", "error", err)
		} else {
			s.logger.Info("generation archived", "generation_id", id)
		}
	}

	if err := s.store.Save(s.snapshotPath); err != nil {
		s.logger.Error("saving snapshot failed, next run starts empty", "error", err)
	}
	s.logger.Info("statistics service stopped")
}

// Initialized reports whether the service currently accepts operations.
func (s *Service) Initialized() bool {
	return s.initialized.Load()
}

// IOSupported reports whether block read and write counters carry real
// kernel data on this platform.
func (s *Service) IOSupported() bool {
	return s.sampler.IOSupported()
}

// Operation is the in-flight measurement of one logical operation.
// A nil Operation is valid everywhere one is accepted, so callers can
// instrument unconditionally and let a stopped service drop the work.
type Operation struct {
	span   sampler.Span
	merged sampler.Delta
}

// OnOperationStart opens a measurement span. Returns nil when the
// service is not initialized; the matching OnOperationEnd then drops
// the observation silently.
func (s *Service) OnOperationStart() *Operation {
	if !s.initialized.Load() {
		return nil
	}
	return &Operation{span: s.sampler.Begin()}
}

// Merge folds the consumption of a secondary context into op, so the
// whole logical operation lands in the table as a single accumulation.
// Safe on a nil receiver.
func (op *Operation) Merge(d sampler.Delta) {
	if op == nil {
		return
	}
	op.merged.Reads += d.Reads
	op.merged.Writes += d.Writes
	op.merged.UserTime += d.UserTime
	op.merged.SystemTime += d.SystemTime
	if d.IOValid {
		op.merged.IOValid = true
	}
}

// OnOperationEnd closes the span and accumulates its consumption under
// id. With a nil op, a stopped service or a full table the observation
// is dropped without error; hooks must never fail the instrumented
// operation.
func (s *Service) OnOperationEnd(op *Operation, id store.Identity) {
	if op == nil {
		return
	}
	d := s.sampler.End(op.span)
	d.Reads += op.merged.Reads
	d.Writes += op.merged.Writes
	d.UserTime += op.merged.UserTime
	d.SystemTime += op.merged.SystemTime

	if !s.initialized.Load() {
		return
	}

	sd := store.Delta{UserTime: d.UserTime, SystemTime: d.SystemTime}
	if d.IOValid {
		sd.Reads = d.Reads
		sd.Writes = d.Writes
	}

	// A full table is already logged by the store; the observation is lost
	// but the instrumented operation must proceed.
	_ = s.store.Accumulate(id, sd)
}

// Enumerate returns one row per measured identity.
func (s *Service) Enumerate() ([]store.Row, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return s.store.Snapshot(), nil
}

// ResetAll discards every entry and returns the table to its starting
// state. Requires the stats.reset permission.
func (s *Service) ResetAll(role auth.Role) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	if !auth.HasPermission(role, "stats.reset") {
		return fmt.Errorf("resetting statistics as %q: %w", role, ErrPermissionDenied)
	}

	// The discarded rows still make up a generation worth keeping.
	if s.archive != nil {
		if id, err := s.archive.RecordGeneration(s.store.Snapshot()); err != nil {
			s.logger.Error("archiving generation before reset failed", "error", err)
		} else {
			s.logger.Info("generation archived", "generation_id", id)
		}
	}

	s.store.Reset()
	s.logger.Info("statistics reset", "role", string(role))
	return nil
}
