package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// fileHeader is the snapshot format magic. A mismatch invalidates the whole
// file; there is no forward migration, the file is simply discarded.
const fileHeader uint32 = 0x6f707301

// maxReadPrealloc bounds the row slice capacity reserved from a snapshot's
// declared entry count before any record has decoded.
const maxReadPrealloc = 4096

// record is the fixed on-disk layout of one entry. Field order and widths
// are part of the format and must not change without bumping fileHeader.
type record struct {
	Principal  uint32
	Database   uint32
	Operation  uint64
	Calls      int64
	Reads      int64
	Writes     int64
	UserTime   float64
	SystemTime float64
	Usage      float64
}

// WriteSnapshot encodes rows in the fixed little-endian snapshot format.
func WriteSnapshot(w io.Writer, rows []Row) error {
	if err := binary.Write(w, binary.LittleEndian, fileHeader); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(rows))); err != nil {
		return err
	}
	for _, r := range rows {
		rec := record{
			Principal:  r.Principal,
			Database:   r.Database,
			Operation:  r.Operation,
			Calls:      r.Calls,
			Reads:      r.Reads,
			Writes:     r.Writes,
			UserTime:   r.UserTime,
			SystemTime: r.SystemTime,
			Usage:      r.Usage,
		}
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshot decodes a snapshot stream. It fails on a header mismatch or
// any truncated read; partial results are not returned.
func ReadSnapshot(r io.Reader) ([]Row, error) {
	var header uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}
	if header != fileHeader {
		return nil, fmt.Errorf("snapshot header mismatch: got %#x, want %#x", header, fileHeader)
	}

	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading snapshot entry count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("negative snapshot entry count %d", count)
	}

	// The declared count is unverified until the records behind it actually
	// decode, so it must not size an allocation on its own. A corrupt header
	// claiming billions of entries fails on the first short read instead.
	prealloc := int(count)
	if prealloc > maxReadPrealloc {
		prealloc = maxReadPrealloc
	}
	rows := make([]Row, 0, prealloc)
	for i := int32(0); i < count; i++ {
		var rec record
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("reading snapshot record %d of %d: %w", i+1, count, err)
		}
		rows = append(rows, Row{
			Identity: Identity{Principal: rec.Principal, Database: rec.Database, Operation: rec.Operation},
			Counters: Counters{
				Calls:      rec.Calls,
				Reads:      rec.Reads,
				Writes:     rec.Writes,
				UserTime:   rec.UserTime,
				SystemTime: rec.SystemTime,
				Usage:      rec.Usage,
			},
		})
	}
	return rows, nil
}

// ReadSnapshotFile decodes a snapshot file without consuming it. Used by
// offline inspection; the startup path goes through Load, which does
// consume the file.
func ReadSnapshotFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshot(bufio.NewReader(f))
}

// Save writes every measured entry to path. The snapshot is written to a
// temporary file and renamed over the canonical path, so a crash mid-write
// leaves the previous valid snapshot intact. Only called on orderly
// shutdown; the caller logs and absorbs any returned error.
func (s *Store) Save(path string) error {
	rows := s.Snapshot()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := WriteSnapshot(w, rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	s.logger.Info("snapshot saved", "path", path, "entries", len(rows))
	return nil
}

// Load restores the table from the snapshot at path, then deletes the file
// so every run reflects a single generation of data rather than repeated
// partial merges. A missing file is not an error. Any validation or read
// failure is logged, leaves the table empty, and never blocks startup.
// Restored entries are inserted as already-measured, never sticky.
func (s *Store) Load(path string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		s.logger.Warn("could not open snapshot, starting empty", "path", path, "error", err)
		s.removeSnapshot(path)
		return
	}

	rows, err := ReadSnapshot(bufio.NewReader(f))
	_ = f.Close()
	if err != nil {
		s.logger.Warn("could not read snapshot, starting empty", "path", path, "error", err)
		s.removeSnapshot(path)
		return
	}

	s.mu.Lock()
	loaded := 0
	for _, r := range rows {
		// Snapshots hold measured entries only; a row with no calls could
		// not have come from Save and would sit in the table as a
		// placeholder that never surfaces.
		if r.Calls == 0 {
			continue
		}
		if len(s.entries) >= s.capacity {
			s.logger.Warn("snapshot holds more entries than the table capacity, remainder dropped",
				"capacity", s.capacity,
				"dropped", len(rows)-loaded,
			)
			break
		}
		e := &Entry{id: r.Identity}
		e.counters = r.Counters
		s.entries[r.Identity] = e
		loaded++
	}
	s.mu.Unlock()

	s.logger.Info("snapshot restored", "path", path, "entries", loaded)
	s.removeSnapshot(path)
}

func (s *Store) removeSnapshot(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("could not remove consumed snapshot", "path", path, "error", err)
	}
}
