// Package dropper implements the background conversion worker: a FIFO
// queue of {WalSegment→Page} and {ChunkBatch→Page} jobs, with dedup against
// segments already queued and an async per-file manifest scan.
package dropper

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dariadb-go/dariadb/alloc"
	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/manifest"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/page"
	"github.com/dariadb-go/dariadb/wal"
	"github.com/dariadb-go/dariadb/workerpool"
)

// job is one conversion unit: either a sealed WAL segment or a batch of
// closed chunks, destined for the page tier.
type job struct {
	segment *wal.Segment
	chunks  []*chunk.Chunk
	alloc   alloc.Allocator // owns the chunks' slots, freed after persisting
}

// Dropper drains conversion jobs onto the page tier, one worker per engine,
// in FIFO order. Duplicate WAL-segment jobs (the same segment submitted
// twice, e.g. once by the manager's seal path and once by a manifest scan
// racing it) are deduplicated via an internal pending set.
type Dropper struct {
	log   *slog.Logger
	pool  *workerpool.Pool
	pages *page.Manager
	man   *manifest.Manifest

	mu      sync.Mutex
	pending map[string]struct{} // segment paths currently queued or running
	queue   []job
	cond    *sync.Cond
	stopped bool
}

// New creates a Dropper writing converted data to pages.
func New(pool *workerpool.Pool, pages *page.Manager, man *manifest.Manifest, log *slog.Logger) *Dropper {
	if log == nil {
		log = slog.Default()
	}

	d := &Dropper{pool: pool, pages: pages, man: man, log: log, pending: make(map[string]struct{})}
	d.cond = sync.NewCond(&d.mu)

	return d
}

// Run is the single dedicated worker loop; call it in its own goroutine.
// It blocks on the internal condition variable between jobs and exits once
// Stop has drained the queue.
func (d *Dropper) Run(ctx context.Context) {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}

		if len(d.queue) == 0 && d.stopped {
			d.mu.Unlock()

			return
		}

		j := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.process(ctx, j)
	}
}

func (d *Dropper) process(_ context.Context, j job) {
	defer d.unmark(j)

	if j.segment != nil {
		var chunks []*chunk.Chunk
		id := j.segment.Path()

		byID := make(map[uint64]*chunk.Chunk)

		err := j.segment.Scan(func(m measurement.Measurement) bool {
			c, ok := byID[m.ID]
			if !ok {
				c = chunk.New(1 << 16)
				byID[m.ID] = c
			}

			if c.Append(m) == chunk.Full {
				c.Close()
				chunks = append(chunks, c)

				c = chunk.New(1 << 16)
				c.Append(m)
				byID[m.ID] = c
			}

			return true
		})
		if err != nil {
			d.log.Error("dropper: scan wal segment failed", "segment", id, "err", err)

			return
		}

		for _, c := range byID {
			c.Close()
			chunks = append(chunks, c)
		}

		if len(chunks) > 0 {
			if _, err := d.pages.AppendChunks(chunks); err != nil {
				d.log.Error("dropper: write page from wal segment failed", "segment", id, "err", err)

				return
			}
		}

		d.man.Remove(id)
		if err := j.segment.Remove(); err != nil {
			d.log.Error("dropper: remove converted wal segment failed", "segment", id, "err", err)
		}

		return
	}

	if len(j.chunks) == 0 {
		return
	}

	if _, err := d.pages.AppendChunks(j.chunks); err != nil {
		d.log.Error("dropper: write page from chunk batch failed", "err", err)

		return
	}

	if j.alloc != nil {
		for _, c := range j.chunks {
			j.alloc.Free(c)
		}
	}
}

func (d *Dropper) unmark(j job) {
	if j.segment == nil {
		return
	}

	d.mu.Lock()
	delete(d.pending, j.segment.Path())
	d.mu.Unlock()
}

// EnqueueSegment submits a sealed WAL segment for conversion, deduplicating
// against any already-pending job for the same segment path.
func (d *Dropper) EnqueueSegment(seg *wal.Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	path := seg.Path()
	if _, dup := d.pending[path]; dup {
		return
	}

	d.pending[path] = struct{}{}
	d.queue = append(d.queue, job{segment: seg})
	d.cond.Signal()
}

// EnqueueChunks submits a batch of closed chunks for conversion, along with
// the allocator that owns their slots so they can be freed after the page
// write succeeds.
func (d *Dropper) EnqueueChunks(chunks []*chunk.Chunk, allocator alloc.Allocator) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(chunks) == 0 {
		return
	}

	d.queue = append(d.queue, job{chunks: chunks, alloc: allocator})
	d.cond.Signal()
}

// ScanManifest enqueues one job per WAL file the manifest marks
// closed-but-not-converted, called once on engine startup. Reopening each
// segment is disk I/O, so the per-file scan is dispatched concurrently
// across the DISK_IO pool rather than run as a sequential loop.
func (d *Dropper) ScanManifest(open func(name string) (*wal.Segment, error)) {
	recs := d.man.ByRole(manifest.RoleWAL)

	grp, _ := d.pool.NewGroup(context.Background(), workerpool.DiskIO)

	for _, rec := range recs {
		if !rec.Closed {
			continue
		}

		grp.Submit(func() error {
			seg, err := open(rec.Name)
			if err != nil {
				d.log.Error("dropper: reopen closed wal segment for scan failed", "file", rec.Name, "err", err)

				return nil
			}

			d.EnqueueSegment(seg)

			return nil
		})
	}

	_ = grp.Wait()
}

// Stop signals the worker to drain the queue and exit after processing
// everything already enqueued.
func (d *Dropper) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// QueueLen reports the number of jobs waiting (diagnostic use only).
func (d *Dropper) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.queue)
}
