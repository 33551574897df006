package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/manifest"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/query"
)

// DropFunc is invoked by the Manager when a segment is sealed and ready for
// conversion to a page; it is the Manager's hand-off point to the Dropper.
type DropFunc func(*Segment)

// Manager owns the set of WAL segments for one storage directory: at most
// one open segment accepting appends, plus zero or more closed segments
// awaiting conversion.
type Manager struct {
	mu sync.Mutex

	dir         string
	segmentSize int
	manifest    *manifest.Manifest
	open        *Segment
	closed      []*Segment
	onDrop      DropFunc
	nextSegID   int
}

// NewManager opens dir, self-discovering any *.wal files already present
// (regardless of what the manifest last had saved) so that a process killed
// without calling Stop still has its WAL contents picked up on the next
// Open: the manifest's WAL records are a convenience listing, not the
// source of truth for what data exists on disk.
//
// At most one discovered segment may be non-full; it becomes the new open
// segment so appends continue into it rather than starting a fresh file
// (which would otherwise require recovering its tail some other way). Any
// other non-full segment found (there should be none under normal
// operation) is treated as closed, matching the "closed when count reaches
// capacity, otherwise still being written" invariant as closely as
// directory inspection allows.
func NewManager(dir string, segmentSize int, m *manifest.Manifest, onDrop DropFunc) (*Manager, error) {
	man := &Manager{dir: dir, segmentSize: segmentSize, manifest: m, onDrop: onDrop}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return man, nil
		}

		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".wal" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		seg, err := OpenSegment(filepath.Join(dir, name), segmentSize)
		if err != nil {
			continue // unreadable segment; an fsck-equivalent concern, not fatal to open
		}

		if idx, ok := segmentIndex(name); ok && idx >= man.nextSegID {
			man.nextSegID = idx + 1
		}

		if seg.Closed() {
			man.closed = append(man.closed, seg)
		} else {
			if man.open != nil {
				// shouldn't happen (at most one non-full segment), but keep
				// the invariant rather than losing data.
				man.closed = append(man.closed, man.open)
				man.manifest.MarkClosed(filepath.Base(man.open.Path()))
			}
			man.open = seg
		}

		man.manifest.Add(manifest.Record{Name: name, Role: manifest.RoleWAL, Closed: seg.Closed()})
	}

	return man, nil
}

// segmentName returns the on-disk name for the n-th segment created.
func segmentName(n int) string {
	return fmt.Sprintf("%08d.wal", n)
}

// segmentIndex parses the numeric sequence out of a segmentName-produced
// file name.
func segmentIndex(name string) (int, bool) {
	base := strings.TrimSuffix(name, ".wal")

	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}

	return n, true
}

// Append writes m to the open segment, opening a new one first if needed
// and sealing the old one (handing it to onDrop) if it just filled up.
func (man *Manager) Append(m measurement.Measurement) error {
	man.mu.Lock()
	defer man.mu.Unlock()

	if man.open == nil {
		if err := man.openNewLocked(); err != nil {
			return err
		}
	}

	if err := man.open.Append(m); err != nil {
		man.manifest.MarkClosed(filepath.Base(man.open.Path()))
		man.closed = append(man.closed, man.open)

		sealed := man.open
		man.open = nil

		if err := man.openNewLocked(); err != nil {
			return err
		}

		if err := man.open.Append(m); err != nil {
			return err
		}

		if man.onDrop != nil {
			man.onDrop(sealed)
		}
	}

	return nil
}

func (man *Manager) openNewLocked() error {
	name := segmentName(man.nextSegID)
	man.nextSegID++

	seg, err := CreateSegment(filepath.Join(man.dir, name), man.segmentSize)
	if err != nil {
		return err
	}

	man.manifest.Add(manifest.Record{Name: name, Role: manifest.RoleWAL})
	man.open = seg

	return nil
}

// DropClosedFiles promotes the n oldest closed segments to onDrop and
// removes them from the manager's bookkeeping (the Dropper owns their
// lifecycle from this point).
func (man *Manager) DropClosedFiles(n int) {
	man.mu.Lock()
	defer man.mu.Unlock()

	if n > len(man.closed) {
		n = len(man.closed)
	}

	for _, seg := range man.closed[:n] {
		if man.onDrop != nil {
			man.onDrop(seg)
		}
	}
	man.closed = man.closed[n:]
}

// DropAll forces conversion of every segment, including the currently open
// one (which is sealed first). Used by stop() for a final full drop.
func (man *Manager) DropAll() {
	man.mu.Lock()
	defer man.mu.Unlock()

	for _, seg := range man.closed {
		if man.onDrop != nil {
			man.onDrop(seg)
		}
	}
	man.closed = nil

	if man.open != nil {
		_ = man.open.Close()
		man.manifest.MarkClosed(filepath.Base(man.open.Path()))
		if man.onDrop != nil {
			man.onDrop(man.open)
		}
		man.open = nil
	}
}

// FileCounts returns the total number of tracked segments and how many of
// those are still open (0 or 1, per the manager's at-most-one-open invariant).
func (man *Manager) FileCounts() (total, open int) {
	man.mu.Lock()
	defer man.mu.Unlock()

	total = len(man.closed)
	if man.open != nil {
		total++
		open = 1
	}

	return total, open
}

// LoadMinMax scans every record of every live segment (open and closed)
// and returns the per-id maximum measurement observed. No segment is
// skipped; IDCount is not consulted.
func (man *Manager) LoadMinMax() map[uint64]measurement.Measurement {
	man.mu.Lock()
	segs := make([]*Segment, 0, len(man.closed)+1)
	segs = append(segs, man.closed...)
	if man.open != nil {
		segs = append(segs, man.open)
	}
	man.mu.Unlock()

	best := make(map[uint64]measurement.Measurement)

	for _, seg := range segs {
		_ = seg.Scan(func(m measurement.Measurement) bool {
			cur, ok := best[m.ID]
			if !ok || m.Time > cur.Time {
				best[m.ID] = m
			}

			return true
		})
	}

	return best
}

// EraseOld deletes closed segments whose every record's time is < cutoff,
// the WAL-side retention counterpart to page.Page eraseOld. A segment is
// only removed if ALL of its records are older than cutoff.
func (man *Manager) EraseOld(cutoff uint64) error {
	man.mu.Lock()
	defer man.mu.Unlock()

	kept := man.closed[:0]

	for _, seg := range man.closed {
		maxTime := uint64(0)
		hasAny := false

		if err := seg.Scan(func(m measurement.Measurement) bool {
			hasAny = true
			if m.Time > maxTime {
				maxTime = m.Time
			}

			return true
		}); err != nil {
			return err
		}

		if hasAny && maxTime < cutoff {
			man.manifest.Remove(filepath.Base(seg.Path()))
			if err := seg.Remove(); err != nil {
				return fmt.Errorf("%w: %w", errs.ErrIO, err)
			}

			continue
		}

		kept = append(kept, seg)
	}

	man.closed = kept

	return nil
}

// Scan reads every live segment and invokes fn for records matching q,
// used by the engine's read path when WAL is part of the query's tier set.
func (man *Manager) Scan(q query.Interval, fn func(measurement.Measurement)) error {
	man.mu.Lock()
	segs := make([]*Segment, 0, len(man.closed)+1)
	segs = append(segs, man.closed...)
	if man.open != nil {
		segs = append(segs, man.open)
	}
	man.mu.Unlock()

	for _, seg := range segs {
		err := seg.Scan(func(m measurement.Measurement) bool {
			if !query.Matches(q.IDs, m.ID) {
				return true
			}
			if m.Time < q.From || m.Time > q.To {
				return true
			}
			if !m.MatchFlag(q.Flag) {
				return true
			}

			fn(m)

			return true
		})
		// A segment already converted and removed by the dropper between
		// the snapshot above and this scan is not an error: its data now
		// lives in a page instead.
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	return nil
}
