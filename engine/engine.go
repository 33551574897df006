package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dariadb-go/dariadb/alloc"
	"github.com/dariadb-go/dariadb/dropper"
	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/lockmgr"
	"github.com/dariadb-go/dariadb/manifest"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/mem"
	"github.com/dariadb-go/dariadb/page"
	"github.com/dariadb-go/dariadb/query"
	"github.com/dariadb-go/dariadb/wal"
	"github.com/dariadb-go/dariadb/workerpool"
)

const lockfileName = "lockfile"

// Status reports the outcome of an append.
type Status struct {
	Written bool
	Ignored bool
	Err     error
}

// Description reports coarse counts about the open storage, the
// operational summary an ops dashboard would poll.
type Description struct {
	MemChunks    int
	WalFiles     int
	WalFilesOpen int
	Pages        int
	PagesChunks  int
	Strategy     Strategy
	// TODO: expose active-query counts once the lock manager tracks
	// per-kind waiter counts instead of just held/free.
}

// Engine is the storage orchestrator: it owns the lockfile, manifest, and
// every active tier, and routes every public operation through the lock
// manager and worker pools.
type Engine struct {
	settings Settings
	log      *slog.Logger

	locks *lockmgr.Manager
	pool  *workerpool.Pool

	man      *manifest.Manifest
	walMgr   *wal.Manager
	pages    *page.Manager
	memStore *mem.MemStorage
	drop     *dropper.Dropper
	allocr   alloc.Allocator

	mu      sync.Mutex
	summary map[uint64]measurement.Measurement

	subscribers map[int]subscription
	nextSubID   int

	cancelDropper context.CancelFunc
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// Open constructs or reopens a storage directory. If the directory has no
// manifest and no options are given, Open fails with errs.ErrEmptyStorage.
// The strategy always comes from opts (CACHE when none is given): the
// manifest does not record a strategy, so reopening a directory does not
// detect the strategy it was written with.
func Open(path string, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrIO, err)
	}

	lockPath := filepath.Join(path, lockfileName)
	if _, err := os.Stat(lockPath); err == nil {
		return nil, errs.ErrStorageLocked
	}

	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.ErrStorageLocked
	}
	lf.Close()

	m, err := manifest.Load(path)
	empty := false
	if err != nil {
		if !os.IsNotExist(err) {
			os.Remove(lockPath)

			return nil, err
		}

		empty = true
		m = manifest.New()
	}

	settings := DefaultSettings(path)
	if err := apply(&settings, opts...); err != nil {
		os.Remove(lockPath)

		return nil, err
	}

	if empty && len(opts) == 0 {
		os.Remove(lockPath)

		return nil, errs.ErrEmptyStorage
	}

	if m.Version > manifest.CurrentVersion {
		slog.Default().Error("opening storage with version", "version", m.Version, "current", manifest.CurrentVersion)
		os.Remove(lockPath)

		return nil, errs.ErrVersionMismatch
	}

	log := slog.Default()

	e := &Engine{
		settings: settings,
		log:      log,
		locks:    lockmgr.New(),
		pool:     workerpool.New(settings.CommonPoolLimit, settings.DiskIOPoolLimit),
		man:      m,
		summary:  make(map[uint64]measurement.Measurement),
	}

	pages, err := page.NewManager(path, settings.PageCompression, m)
	if err != nil {
		e.abortOpen(lockPath)

		return nil, err
	}
	e.pages = pages

	if settings.MemoryLimit > 0 {
		e.allocr = alloc.NewRegion(settings.MemoryLimit/settings.ChunkSize, settings.ChunkSize)
	} else {
		e.allocr = alloc.NewUnlimited(settings.ChunkSize)
	}

	e.drop = dropper.New(e.pool, e.pages, e.man, log)

	switch settings.Strategy {
	case StrategyWAL, StrategyCompressed:
		e.walMgr, err = wal.NewManager(path, settings.WalFileSize, e.man, e.drop.EnqueueSegment)
		if err != nil {
			e.abortOpen(lockPath)

			return nil, err
		}
	case StrategyMemory:
		e.memStore = mem.New(mem.Settings{
			Allocator:                e.allocr,
			PercentWhenStartDropping: settings.PercentWhenStartDropping,
			PercentToDrop:            settings.PercentToDrop,
			MemoryOnly:               false,
		}, log)
		e.memStore.SetDownLevel(e.pages)
	case StrategyCache:
		e.walMgr, err = wal.NewManager(path, settings.WalFileSize, e.man, e.drop.EnqueueSegment)
		if err != nil {
			e.abortOpen(lockPath)

			return nil, err
		}

		e.memStore = mem.New(mem.Settings{
			Allocator:                e.allocr,
			PercentWhenStartDropping: settings.PercentWhenStartDropping,
			PercentToDrop:            settings.PercentToDrop,
			MemoryOnly:               false,
		}, log)
		e.memStore.SetDownLevel(e.pages)
		e.memStore.SetDisk(e.walMgr)
	default:
		e.abortOpen(lockPath)

		return nil, errs.ErrUnknownStrategy
	}

	if err := e.man.Save(path); err != nil {
		e.abortOpen(lockPath)

		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelDropper = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drop.Run(ctx)
	}()

	if e.memStore != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.memStore.RunDropper(ctx)
		}()
	}

	e.drop.ScanManifest(func(name string) (*wal.Segment, error) {
		return wal.OpenSegment(filepath.Join(path, name), settings.WalFileSize)
	})

	// CACHE keeps its working set in MemStorage; a process killed without
	// Stop loses that in-memory state, so every measurement durably sitting
	// in the WAL (self-discovered above by wal.NewManager, independent of
	// whether the manifest was resaved since it was written) is replayed
	// back into MemStorage here before Open returns.
	if settings.Strategy == StrategyCache {
		e.replayWAL()
	}

	return e, nil
}

func (e *Engine) abortOpen(lockPath string) {
	os.Remove(lockPath)
}

// replayWAL rebuilds the summary map and MemStorage's working set from WAL
// contents on CACHE open, restoring crash-time state after an unclean
// shutdown. Replayed measurements are inserted into MemStorage without
// re-appending to the WAL sink (the data is already durable there).
func (e *Engine) replayWAL() {
	if e.walMgr == nil {
		return
	}

	best := e.walMgr.LoadMinMax()

	e.mu.Lock()
	for id, m := range best {
		e.summary[id] = m
	}
	e.mu.Unlock()

	if e.memStore == nil {
		return
	}

	ctx := context.Background()
	all := query.Interval{From: 0, To: ^uint64(0)}

	_ = e.walMgr.Scan(all, func(m measurement.Measurement) {
		if err := e.memStore.Replay(ctx, m); err != nil {
			e.log.Error("engine: wal replay into memstorage failed", "id", m.ID, "time", m.Time, "err", err)
		}
	})
}

// Strategy returns the active strategy.
func (e *Engine) Strategy() Strategy { return e.settings.Strategy }

// SettingsView returns a copy of the engine's active settings.
func (e *Engine) SettingsView() Settings { return e.settings }

// Append writes m through the configured tiers, enforcing the monotonicity
// guard: if m.Time is less than the stored max for m.ID, the write is
// rejected with Status.Ignored without touching any tier.
func (e *Engine) Append(ctx context.Context, m measurement.Measurement) Status {
	e.mu.Lock()
	if cur, ok := e.summary[m.ID]; ok && m.Time < cur.Time {
		e.mu.Unlock()

		return Status{Ignored: true, Err: errs.ErrOutOfOrderWrite}
	}
	e.mu.Unlock()

	var err error

	switch e.settings.Strategy {
	case StrategyWAL, StrategyCompressed:
		unlock := e.locks.Lock(lockmgr.KindWAL, "wal")
		err = e.walMgr.Append(m)
		unlock()
	case StrategyMemory, StrategyCache:
		err = e.memStore.Append(ctx, m)
	default:
		err = errs.ErrUnknownStrategy
	}

	if err != nil {
		if err == errs.ErrNoSpace {
			return Status{Err: err}
		}

		return Status{Err: err}
	}

	e.mu.Lock()
	e.summary[m.ID] = m
	for _, sub := range e.subscribers {
		if query.Matches(sub.ids, m.ID) && m.MatchFlag(sub.flag) {
			sub.cb(m)
		}
	}
	e.mu.Unlock()

	return Status{Written: true}
}

// Foreach invokes cb for every measurement matching q, fanning out to the
// page tier and the top-level tier concurrently. Within the top-level tier
// each id's measurements arrive in ascending time order; results of the two
// tiers are interleaved as the scans produce them, with no time order
// between them. cb may return false to cancel early.
func (e *Engine) Foreach(ctx context.Context, q query.Interval, cb func(measurement.Measurement) bool) error {
	unlockPage := e.locks.RLock(lockmgr.KindPage, "page")
	defer unlockPage()

	var mu sync.Mutex
	canceled := false

	emit := func(m measurement.Measurement) {
		mu.Lock()
		defer mu.Unlock()

		if canceled {
			return
		}
		if !cb(m) {
			canceled = true
		}
	}

	// Page-side and top-level-side scans are independent, potentially
	// blocking disk reads; they are submitted to the shared COMMON pool as
	// two awaitable tasks and merged through emit, per spec.md §4.9.
	grp, gctx := e.pool.NewGroup(ctx, workerpool.Common)

	grp.Submit(func() error {
		return e.pages.Foreach(q, emit)
	})

	switch e.settings.Strategy {
	case StrategyWAL, StrategyCompressed:
		if e.walMgr != nil {
			grp.Submit(func() error {
				unlockWal := e.locks.RLock(lockmgr.KindWAL, "wal")
				defer unlockWal()

				return e.walMgr.Scan(q, emit)
			})
		}
	case StrategyMemory, StrategyCache:
		if e.memStore != nil {
			grp.Submit(func() error {
				for m := range e.memStore.Foreach(q) {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}

					emit(m)
				}

				return nil
			})
		}
	}

	return grp.Wait()
}

// ReadInterval collects Foreach's results into a slice.
func (e *Engine) ReadInterval(ctx context.Context, q query.Interval) ([]measurement.Measurement, error) {
	var out []measurement.Measurement

	err := e.Foreach(ctx, q, func(m measurement.Measurement) bool {
		out = append(out, m)

		return true
	})

	return out, err
}

// ReadTimePoint returns, for each requested id, the latest measurement with
// time <= q.At, merging the page tier and the top-level tier (WAL/Mem).
//
// The two tiers never overlap at the same id with the top tier older than
// the page tier: eviction always drops an id's oldest closed chunks to the
// page sink first, so whichever tier holds the newer value wins by a plain
// max-time comparison, and no separate MIN_TIME case is needed.
func (e *Engine) ReadTimePoint(q query.TimePoint) (map[uint64]measurement.Measurement, error) {
	unlockPage := e.locks.RLock(lockmgr.KindPage, "page")
	defer unlockPage()

	pageRes, err := e.pages.ValuesBeforeTimePoint(q)
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]measurement.Measurement, len(pageRes))
	for id, m := range pageRes {
		out[id] = m
	}

	var topRes map[uint64]measurement.Measurement

	switch e.settings.Strategy {
	case StrategyMemory, StrategyCache:
		if e.memStore != nil {
			topRes = e.memStore.ReadTimePoint(q)
		}
	case StrategyWAL, StrategyCompressed:
		if e.walMgr != nil {
			best := e.walMgr.LoadMinMax()
			topRes = make(map[uint64]measurement.Measurement)
			for id, m := range best {
				if query.Matches(q.IDs, id) && m.Time <= q.At && m.MatchFlag(q.Flag) {
					topRes[id] = m
				}
			}
		}
	}

	for id, m := range topRes {
		cur, ok := out[id]
		if ok && m.IsNoData() {
			continue // the top tier has nothing for id at or before q.At
		}
		if !ok || m.Time >= cur.Time {
			out[id] = m
		}
	}

	return out, nil
}

// CurrentValue returns the latest measurement for each id regardless of
// time, sourced from the engine's summary map.
func (e *Engine) CurrentValue(ids []uint64, flag uint32) map[uint64]measurement.Measurement {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[uint64]measurement.Measurement)
	for id, m := range e.summary {
		if query.Matches(ids, id) && m.MatchFlag(flag) {
			out[id] = m
		}
	}

	return out
}

// Subscribe is a convenience wrapper exposing new appends to ids matching
// flag as they succeed; it returns a stop function. Subscription is
// poll-free: the caller's callback is invoked synchronously from Append's
// goroutine, so it must not block.
func (e *Engine) Subscribe(ids []uint64, flag uint32, cb func(measurement.Measurement)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subscribers == nil {
		e.subscribers = make(map[int]subscription)
	}

	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = subscription{ids: ids, flag: flag, cb: cb}

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

type subscription struct {
	ids  []uint64
	flag uint32
	cb   func(measurement.Measurement)
}

// Flush drops every closed MemStorage chunk to the page tier (the
// dropper's full drop). Open MemStorage chunks and WAL segments are left
// as they are; CompressAll and Stop hand WAL segments to the dropper.
func (e *Engine) Flush() {
	if e.memStore != nil {
		e.memStore.Flush()
	}
}

// EraseOld deletes data older than t from the page and WAL tiers. Data
// still sitting in the open WAL segment or MemStorage's working set is
// untouched until it is next flushed to a page.
func (e *Engine) EraseOld(t uint64) error {
	unlockPage := e.locks.Lock(lockmgr.KindPage, "page")
	defer unlockPage()

	if err := e.pages.EraseOld(t); err != nil {
		return err
	}

	if e.walMgr != nil {
		unlockWal := e.locks.Lock(lockmgr.KindWAL, "wal")
		defer unlockWal()

		return e.walMgr.EraseOld(t)
	}

	return nil
}

// CompactTo merges pages down to at most n.
func (e *Engine) CompactTo(n int) error {
	unlockPage := e.locks.Lock(lockmgr.KindPage, "page")
	defer unlockPage()

	return e.pages.CompactTo(n)
}

// CompactByTime merges all pages within [from,to] into one page.
func (e *Engine) CompactByTime(from, to uint64) error {
	unlockPage := e.locks.Lock(lockmgr.KindPage, "page")
	defer unlockPage()

	return e.pages.CompactByTime(from, to)
}

// CompressAll drops every closed MemStorage chunk to pages and hands every
// WAL segment, the open one included, to the dropper for conversion to a
// page (the manual compress for the WAL strategy). Open MemStorage chunks
// are left in memory.
func (e *Engine) CompressAll() {
	if e.memStore != nil {
		e.memStore.Flush()
	}
	if e.walMgr != nil {
		e.walMgr.DropAll()
	}
}

// Fsck rebuilds missing/corrupted page indexes and verifies chunk CRCs.
func (e *Engine) Fsck() (checked, dropped int, err error) {
	unlockPage := e.locks.Lock(lockmgr.KindPage, "page")
	defer unlockPage()

	return e.pages.Fsck()
}

// LoadMinMax forces a WAL scan to rebuild per-id max-time summaries. Open
// rebuilds them only for the CACHE strategy (through WAL replay) and does
// not read Settings.LoadMinMax.
func (e *Engine) LoadMinMax() map[uint64]measurement.Measurement {
	if e.walMgr == nil {
		return nil
	}

	best := e.walMgr.LoadMinMax()

	e.mu.Lock()
	for id, m := range best {
		e.summary[id] = m
	}
	e.mu.Unlock()

	return best
}

// Description reports coarse counts about the open storage.
func (e *Engine) Description() Description {
	d := Description{Strategy: e.settings.Strategy}

	if e.memStore != nil {
		d.MemChunks = e.memStore.ChunksInUse()
	}

	if e.walMgr != nil {
		d.WalFiles, d.WalFilesOpen = e.walMgr.FileCounts()
	}

	d.Pages = e.pages.PageCount()
	d.PagesChunks = e.pages.ChunkCount()

	return d
}

// Stop idempotently shuts the engine down: signals the dropper, flushes
// every tier, tears down in reverse dependency order, joins the background
// goroutines, and removes the lockfile.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.memStore != nil {
			e.memStore.Stop()
		}

		// Seal and enqueue every WAL segment for conversion before telling
		// the shared dropper to stop: EnqueueSegment silently drops jobs
		// once the dropper is marked stopped, so DropAll must run first or
		// this final flush is lost.
		if e.walMgr != nil {
			e.walMgr.DropAll()
		}

		if e.drop != nil {
			e.drop.Stop()
		}

		e.wg.Wait()

		if e.cancelDropper != nil {
			e.cancelDropper()
		}

		_ = e.man.Save(e.settings.StoragePath)
		_ = os.Remove(filepath.Join(e.settings.StoragePath, lockfileName))
	})
}

// readerSeq adapts Foreach into an iter.Seq for callers that prefer
// range-based consumption over a callback.
func (e *Engine) readerSeq(ctx context.Context, q query.Interval) iter.Seq[measurement.Measurement] {
	return func(yield func(measurement.Measurement) bool) {
		_ = e.Foreach(ctx, q, yield)
	}
}
