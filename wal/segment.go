// Package wal implements the write-ahead log: fixed-capacity append-only
// binary segments of Measurement records, sealed when full and handed to
// the Dropper for conversion into pages.
//
// The 32-byte packed record format is written field by field with
// encoding/binary.LittleEndian, the same packed-layout approach used elsewhere for
// on-disk headers, just without a magic-number prefix since a WAL record
// has no self-describing header of its own.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/measurement"
)

// RecordSize is the fixed on-disk size of one WAL record in bytes.
const RecordSize = 32

// record is the little-endian wire layout: id, time, value, flag, pad.
type record struct {
	ID    uint64
	Time  uint64
	Value uint64 // math.Float64bits(Value)
	Flag  uint32
	Pad   uint32
}

func encodeRecord(m measurement.Measurement) record {
	return record{ID: m.ID, Time: m.Time, Value: float64bits(m.Value), Flag: m.Flag}
}

func decodeRecord(r record) measurement.Measurement {
	return measurement.Measurement{ID: r.ID, Time: r.Time, Value: float64frombits(r.Value), Flag: r.Flag}
}

// Segment is a single append-only WAL file bounded to capacity records.
// Concurrent Append calls are serialized by an internal mutex; Scan may run
// concurrently with Append (readers see everything committed at the time
// their read reaches each offset).
type Segment struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	capacity int
	count    int
	idCount  map[uint64]struct{} // seen ids, answered by IDCount
	closed   bool
}

// CreateSegment creates a new empty segment file at path with room for
// capacity records.
func CreateSegment(path string, capacity int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	return &Segment{path: path, f: f, capacity: capacity, idCount: make(map[uint64]struct{})}, nil
}

// OpenSegment reopens an existing segment file for further appends or
// scanning, replaying it once to recover count, idCount and closed state.
func OpenSegment(path string, capacity int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	s := &Segment{path: path, f: f, capacity: capacity, idCount: make(map[uint64]struct{})}

	buf := make([]byte, RecordSize)
	for {
		n, err := f.Read(buf)
		if n < RecordSize || err != nil {
			break
		}

		var r record
		readRecord(buf, &r)
		s.idCount[r.ID] = struct{}{}
		s.count++
	}

	if s.count >= s.capacity {
		s.closed = true
	}

	return s, nil
}

// Append writes m to the segment. Returns errs.ErrChunkFull (reused as the
// "segment is full" signal) once capacity records have been written; the
// caller must then Close and hand the segment to the Dropper.
func (s *Segment) Append(m measurement.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.count >= s.capacity {
		return errs.ErrChunkFull
	}

	buf := make([]byte, RecordSize)
	writeRecord(buf, encodeRecord(m))

	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	s.idCount[m.ID] = struct{}{}
	s.count++

	if s.count >= s.capacity {
		s.closed = true
	}

	return nil
}

// Close seals the segment against further appends and fsyncs it. Idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.f.Sync()
}

// Closed reports whether the segment is sealed (full or explicitly closed).
func (s *Segment) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Count returns the number of records written so far.
func (s *Segment) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// IDCount reports whether id has ever been written to this segment, without
// reading the file. Manager.LoadMinMax and Manager.Scan do not call it.
func (s *Segment) IDCount(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.idCount[id]

	return ok
}

// FileHandle exposes the underlying *os.File for callers (Dropper) that
// need to read it directly during conversion to a page.
func (s *Segment) FileHandle() *os.File { return s.f }

// Scan linearly reads every record in the segment from the start, invoking
// fn for each. Iteration stops early if fn returns false.
func (s *Segment) Scan(fn func(measurement.Measurement) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrIO, err)
	}
	defer f.Close()

	buf := make([]byte, RecordSize)
	for {
		n, err := f.Read(buf)
		if n < RecordSize {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrIO, err)
		}

		var r record
		readRecord(buf, &r)

		if !fn(decodeRecord(r)) {
			break
		}
	}

	return nil
}

// Remove closes and deletes the segment file.
func (s *Segment) Remove() error {
	s.mu.Lock()
	_ = s.f.Close()
	s.mu.Unlock()

	return os.Remove(s.path)
}

func writeRecord(buf []byte, r record) {
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	binary.LittleEndian.PutUint64(buf[8:16], r.Time)
	binary.LittleEndian.PutUint64(buf[16:24], r.Value)
	binary.LittleEndian.PutUint32(buf[24:28], r.Flag)
	binary.LittleEndian.PutUint32(buf[28:32], r.Pad)
}

func readRecord(buf []byte, r *record) {
	r.ID = binary.LittleEndian.Uint64(buf[0:8])
	r.Time = binary.LittleEndian.Uint64(buf[8:16])
	r.Value = binary.LittleEndian.Uint64(buf[16:24])
	r.Flag = binary.LittleEndian.Uint32(buf[24:28])
	r.Pad = binary.LittleEndian.Uint32(buf[28:32])
}
