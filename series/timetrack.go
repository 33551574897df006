// Package series implements TimeTrack, the per-id in-memory sequence of
// chunks: one open chunk accepting appends, and zero or more closed chunks
// serving reads until the dropper reclaims them.
//
// The merge-many-chunks-into-one-cursor read path is a lazy, restartable
// iter.Seq, generalized to merge across multiple chunks instead of just one.
package series

import (
	"iter"
	"slices"
	"sync"

	"github.com/dariadb-go/dariadb/alloc"
	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/query"
)

// MinMax tracks the smallest and largest timestamp observed for an id.
type MinMax struct {
	Min, Max uint64
	Count    uint64
}

// TimeTrack is the per-id in-memory chunk sequence.
//
// Non-overlap between closed chunks is not required: out-of-order ingest
// forces a new chunk rather than reordering an existing one. Within a
// single chunk entries are strictly ordered by time (enforced by
// chunk.Chunk.Append).
type TimeTrack struct {
	mu sync.Mutex

	id        uint64
	allocator alloc.Allocator
	chunks    []*chunk.Chunk
	current   *chunk.Chunk
	minMax    MinMax
	maxSync   uint64 // max time synced to a durability sink (WAL), CACHE only
	hasSynced bool
}

// New creates an empty TimeTrack for id, drawing chunks from allocator.
func New(id uint64, allocator alloc.Allocator) *TimeTrack {
	return &TimeTrack{id: id, allocator: allocator}
}

// ID returns the series id this track holds.
func (t *TimeTrack) ID() uint64 { return t.id }

// Append adds m to the open chunk, opening a new one from the allocator if
// there is none, the current one is full, or m is out-of-order with
// respect to the open chunk (chunk.Full forces a fresh chunk rather than
// reordering). Returns errs.ErrNoSpace if the allocator is exhausted.
func (t *TimeTrack) Append(m measurement.Measurement) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		c, err := t.allocator.Allocate()
		if err != nil {
			return err
		}
		t.current = c
	}

	if t.current.Append(m) == chunk.Full {
		t.current.Close()
		t.chunks = append(t.chunks, t.current)

		c, err := t.allocator.Allocate()
		if err != nil {
			t.current = nil

			return err
		}
		t.current = c

		if t.current.Append(m) == chunk.Full {
			return errs.ErrChunkFull
		}
	}

	if t.minMax.Count == 0 || m.Time < t.minMax.Min {
		t.minMax.Min = m.Time
	}
	if t.minMax.Count == 0 || m.Time > t.minMax.Max {
		t.minMax.Max = m.Time
	}
	t.minMax.Count++

	return nil
}

// AdvanceSync records that m.Time has been durably synced to a WAL sink,
// used by MemStorage's CACHE-strategy append path.
func (t *TimeTrack) AdvanceSync(tm uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasSynced || tm > t.maxSync {
		t.maxSync = tm
		t.hasSynced = true
	}
}

// MaxSyncTime returns the last time advanced via AdvanceSync, and whether
// any sync has happened yet.
func (t *TimeTrack) MaxSyncTime() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.maxSync, t.hasSynced
}

// MinMax returns the track's observed time bounds and point count.
func (t *TimeTrack) MinMax() MinMax {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.minMax
}

// allChunks returns a snapshot of every chunk (closed and, if present, the
// currently open one) under lock.
func (t *TimeTrack) allChunks() []*chunk.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*chunk.Chunk, 0, len(t.chunks)+1)
	all = append(all, t.chunks...)
	if t.current != nil {
		all = append(all, t.current)
	}

	return all
}

// IntervalReader returns a lazy, ascending-time cursor merging every chunk
// whose [min_time, max_time] overlaps [q.From, q.To], filtered by q.Flag.
func (t *TimeTrack) IntervalReader(q query.Interval) iter.Seq[measurement.Measurement] {
	chunks := t.allChunks()

	return func(yield func(measurement.Measurement) bool) {
		var active []measurement.Measurement
		var pulls []func() (measurement.Measurement, bool)

		for _, c := range chunks {
			if c.Header.MaxTime < q.From || (c.Header.Count > 0 && c.Header.MinTime > q.To) {
				continue
			}

			next, stop := iter.Pull(c.Reader())
			defer stop()

			pulls = append(pulls, next)
			active = append(active, measurement.Measurement{})
		}

		present := make([]bool, len(pulls))
		for i, next := range pulls {
			m, ok := next()
			for ok && (m.Time < q.From || m.Time > q.To || !m.MatchFlag(q.Flag)) {
				m, ok = next()
			}
			if ok {
				active[i] = m
				present[i] = true
			}
		}

		for {
			best := -1
			for i, ok := range present {
				if !ok {
					continue
				}
				if best == -1 || active[i].Time < active[best].Time {
					best = i
				}
			}
			if best == -1 {
				return
			}

			if !yield(active[best]) {
				return
			}

			m, ok := pulls[best]()
			for ok && (m.Time < q.From || m.Time > q.To || !m.MatchFlag(q.Flag)) {
				m, ok = pulls[best]()
			}
			if ok {
				active[best] = m
			} else {
				present[best] = false
			}
		}
	}
}

// ReadTimePoint selects the chunk with the greatest min_time <= tp (the
// chunk holding tp, or the last one before it), scans forward, and keeps
// the latest measurement with time <= tp. Returns
// measurement.Empty(id, tp) if nothing qualifies.
func (t *TimeTrack) ReadTimePoint(tp uint64, flag uint32) measurement.Measurement {
	chunks := t.allChunks()

	var best *chunk.Chunk
	for _, c := range chunks {
		if c.Header.Count == 0 || c.Header.MinTime > tp {
			continue
		}
		if best == nil || c.Header.MinTime > best.Header.MinTime {
			best = c
		}
	}

	if best == nil {
		return measurement.Empty(t.id, tp)
	}

	result := measurement.Empty(t.id, tp)
	found := false

	for m := range best.Reader() {
		if m.Time > tp {
			break
		}
		if !m.MatchFlag(flag) {
			continue
		}
		result = m
		found = true
	}

	if !found {
		return measurement.Empty(t.id, tp)
	}

	return result
}

// DropN detaches up to n oldest closed chunks (by min_time) and returns
// them. The caller owns persisting them before freeing their allocator
// slots; DropN does not call Free.
func (t *TimeTrack) DropN(n int) []*chunk.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || len(t.chunks) == 0 {
		return nil
	}

	slices.SortFunc(t.chunks, func(a, b *chunk.Chunk) int {
		switch {
		case a.Header.MinTime < b.Header.MinTime:
			return -1
		case a.Header.MinTime > b.Header.MinTime:
			return 1
		default:
			return 0
		}
	})

	if n > len(t.chunks) {
		n = len(t.chunks)
	}

	dropped := t.chunks[:n]
	t.chunks = t.chunks[n:]

	return dropped
}

// DropOld frees all closed chunks whose max_time < cutoff, returning the
// allocator slots directly (no persistence needed, the data is discarded).
func (t *TimeTrack) DropOld(cutoff uint64, allocator alloc.Allocator) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.chunks[:0]
	dropped := 0

	for _, c := range t.chunks {
		if c.Header.MaxTime < cutoff {
			allocator.Free(c)
			dropped++

			continue
		}
		kept = append(kept, c)
	}

	t.chunks = kept

	return dropped
}

// ClosedCount returns the number of closed (non-open) chunks currently held.
func (t *TimeTrack) ClosedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.chunks)
}
