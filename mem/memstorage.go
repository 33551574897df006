// Package mem implements MemStorage, the id→TimeTrack map: the append fast
// path, the background dropper condvar handshake, and the optional
// downstream page/WAL sinks used by the MEMORY and CACHE strategies.
package mem

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dariadb-go/dariadb/alloc"
	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/page"
	"github.com/dariadb-go/dariadb/query"
	"github.com/dariadb-go/dariadb/series"
)

// PageSink is the downstream target the dropper flushes evicted chunk
// batches to; satisfied by *page.Manager.
type PageSink interface {
	AppendChunks(chunks []*chunk.Chunk) (*page.Page, error)
}

// WalSink is the durability copy target used by the CACHE strategy;
// satisfied by *wal.Manager.
type WalSink interface {
	Append(m measurement.Measurement) error
}

// Settings configures MemStorage's capacity and eviction thresholds.
type Settings struct {
	Allocator                alloc.Allocator
	PercentWhenStartDropping float64 // ∈[0,1]
	PercentToDrop            float64 // ∈[0,1]
	MemoryOnly               bool    // if true, NoSpace is returned rather than retried
}

// MemStorage is the id→TimeTrack map plus background dropper.
type MemStorage struct {
	mu     sync.RWMutex
	tracks map[uint64]*series.TimeTrack

	settings Settings
	pageSink PageSink
	walSink  WalSink

	cond    *sync.Cond
	pressed bool
	stopped bool
	log     *slog.Logger
}

// New creates an empty MemStorage.
func New(settings Settings, log *slog.Logger) *MemStorage {
	if log == nil {
		log = slog.Default()
	}

	m := &MemStorage{tracks: make(map[uint64]*series.TimeTrack), settings: settings, log: log}
	m.cond = sync.NewCond(&sync.Mutex{})

	return m
}

// SetDownLevel attaches the page sink the background dropper flushes to.
func (m *MemStorage) SetDownLevel(sink PageSink) { m.pageSink = sink }

// SetDisk attaches the WAL durability sink used by the CACHE strategy.
func (m *MemStorage) SetDisk(sink WalSink) { m.walSink = sink }

func (m *MemStorage) trackFor(id uint64) *series.TimeTrack {
	m.mu.RLock()
	t, ok := m.tracks[id]
	m.mu.RUnlock()

	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tracks[id]; ok {
		return t
	}

	t = series.New(id, m.settings.Allocator)
	m.tracks[id] = t

	return t
}

// Append resolves m's TimeTrack and appends, retrying after signaling the
// dropper on NoSpace unless configured memory-only. If a WAL sink is
// attached, the measurement is also appended there and the track's sync
// time advanced (the CACHE-strategy durability path).
func (m *MemStorage) Append(ctx context.Context, mm measurement.Measurement) error {
	t, err := m.appendTrack(ctx, mm)
	if err != nil {
		return err
	}

	if m.walSink != nil {
		if err := m.walSink.Append(mm); err != nil {
			return err
		}
		t.AdvanceSync(mm.Time)
	}

	return nil
}

// Replay reinserts a measurement recovered from a durability sink (WAL)
// directly into its TimeTrack, marking it already synced without
// re-appending it to the WAL sink. Used by the engine's CACHE-strategy
// crash-recovery path on reopen, where the data is already durable on disk.
func (m *MemStorage) Replay(ctx context.Context, mm measurement.Measurement) error {
	t, err := m.appendTrack(ctx, mm)
	if err != nil {
		return err
	}

	t.AdvanceSync(mm.Time)

	return nil
}

// appendTrack resolves mm's TimeTrack and appends to it, retrying after
// signaling the dropper on NoSpace unless configured memory-only.
func (m *MemStorage) appendTrack(ctx context.Context, mm measurement.Measurement) (*series.TimeTrack, error) {
	t := m.trackFor(mm.ID)

	for {
		err := t.Append(mm)
		if err == nil {
			return t, nil
		}

		if err != errs.ErrNoSpace {
			return nil, err
		}

		m.notifyPressure()

		if m.settings.MemoryOnly {
			return nil, errs.ErrNoSpace
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Foreach returns a lazy merged cursor over every tracked id's interval
// reader matching q.
func (m *MemStorage) Foreach(q query.Interval) iter.Seq[measurement.Measurement] {
	tracks := m.snapshotTracks(q.IDs)

	return func(yield func(measurement.Measurement) bool) {
		for _, t := range tracks {
			for mm := range t.IntervalReader(q) {
				if !yield(mm) {
					return
				}
			}
		}
	}
}

// ReadTimePoint returns, for each requested id, the latest measurement
// with time <= q.At (measurement.Empty if none).
func (m *MemStorage) ReadTimePoint(q query.TimePoint) map[uint64]measurement.Measurement {
	tracks := m.snapshotTracks(q.IDs)
	out := make(map[uint64]measurement.Measurement, len(tracks))

	for _, t := range tracks {
		out[t.ID()] = t.ReadTimePoint(q.At, q.Flag)
	}

	return out
}

// CurrentValue returns the latest measurement for each id regardless of
// time, filtered by flag; equivalent to ReadTimePoint at the track's max time.
func (m *MemStorage) CurrentValue(ids []uint64, flag uint32) map[uint64]measurement.Measurement {
	tracks := m.snapshotTracks(ids)
	out := make(map[uint64]measurement.Measurement, len(tracks))

	for _, t := range tracks {
		mm := t.MinMax()
		out[t.ID()] = t.ReadTimePoint(mm.Max, flag)
	}

	return out
}

func (m *MemStorage) snapshotTracks(ids []uint64) []*series.TimeTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(ids) == 0 {
		out := make([]*series.TimeTrack, 0, len(m.tracks))
		for _, t := range m.tracks {
			out = append(out, t)
		}

		return out
	}

	out := make([]*series.TimeTrack, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tracks[id]; ok {
			out = append(out, t)
		}
	}

	return out
}

// ChunksInUse returns the number of closed chunks held across all tracked
// ids; each id's open chunk is not counted. The engine reports it as
// Description.MemChunks; the dropper's pressure check reads
// Allocator.InUse instead.
func (m *MemStorage) ChunksInUse() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.tracks {
		n += t.ClosedCount()
	}

	return n
}

func (m *MemStorage) notifyPressure() {
	m.cond.L.Lock()
	m.pressed = true
	m.cond.L.Unlock()
	m.cond.Broadcast()
}

// RunDropper is the single dedicated background task: waits on pressure
// notifications (there is no timed poll) and, once
// chunks_in_use >= capacity*PercentWhenStartDropping, evicts a batch sized
// to PercentToDrop*chunks_in_use to the page sink. Call in its own
// goroutine; returns once Stop's final full drop completes.
func (m *MemStorage) RunDropper(ctx context.Context) {
	for {
		m.cond.L.Lock()
		for !m.pressed && !m.stopped {
			m.cond.Wait()
		}
		stopping := m.stopped
		m.pressed = false
		m.cond.L.Unlock()

		if stopping {
			m.dropByLimit(1.0)

			return
		}

		capacity := m.settings.Allocator.Capacity()
		if capacity <= 0 {
			continue // unlimited allocator: nothing to evict under pressure
		}

		inUse := m.settings.Allocator.InUse()
		if float64(inUse) >= float64(capacity)*m.settings.PercentWhenStartDropping {
			m.dropByLimit(m.settings.PercentToDrop)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dropByLimit evicts chunks summing to roughly fraction*chunks_in_use,
// proportionally across ids by their chunk share, sorted by min_time, and
// hands the batch to the page sink before freeing allocator slots.
func (m *MemStorage) dropByLimit(fraction float64) {
	m.mu.RLock()
	tracks := make([]*series.TimeTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		tracks = append(tracks, t)
	}
	m.mu.RUnlock()

	total := 0
	shares := make(map[uint64]int, len(tracks))
	for _, t := range tracks {
		n := t.ClosedCount()
		shares[t.ID()] = n
		total += n
	}
	if total == 0 {
		return
	}

	target := int(float64(total) * fraction)
	if target <= 0 && fraction > 0 {
		target = 1
	}

	var batch []*chunk.Chunk
	for _, t := range tracks {
		share := shares[t.ID()]
		if share == 0 {
			continue
		}

		quota := int(float64(share) / float64(total) * float64(target))
		if fraction >= 1.0 {
			quota = share
		}
		if quota <= 0 {
			continue
		}

		batch = append(batch, t.DropN(quota)...)
	}

	if len(batch) == 0 {
		return
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].Header.MinTime < batch[j].Header.MinTime })

	if m.pageSink != nil {
		if _, err := m.pageSink.AppendChunks(batch); err != nil {
			m.log.Error("mem: flush evicted chunks to page sink failed", "err", err)

			return
		}
	}

	for _, c := range batch {
		m.settings.Allocator.Free(c)
	}
}

// Flush forces a full drop of every closed chunk to the page sink, used by
// the engine's flush() operation. Each id's open chunk stays in memory.
func (m *MemStorage) Flush() {
	m.dropByLimit(1.0)
}

// Stop signals the dropper goroutine to perform a final full drop and exit.
func (m *MemStorage) Stop() {
	m.cond.L.Lock()
	m.stopped = true
	m.cond.L.Unlock()
	m.cond.Broadcast()
}
