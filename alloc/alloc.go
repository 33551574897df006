// Package alloc provides the two chunk allocation strategies: an unlimited
// allocator, and a fixed-region allocator with a free-list for a
// bounded-memory guarantee. The engine uses the region allocator whenever
// Settings.MemoryLimit > 0 and the unlimited one otherwise, whatever the
// strategy.
//
// Both wrap *chunk.Chunk construction rather than raw byte slices. The
// unlimited allocator pools chunks in a sync.Pool, the same shape as
// internal/pool's byte buffer pool; the region allocator keeps its own
// slot table and free-list instead.
package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/errs"
)

// Allocator hands out and reclaims chunk.Chunk instances of a fixed byte
// budget. Implementations must be safe for concurrent use.
type Allocator interface {
	// Allocate returns a fresh, empty chunk, or errs.ErrNoSpace if the
	// allocator is at capacity.
	Allocate() (*chunk.Chunk, error)
	// Free returns a chunk (already flushed to a page or otherwise no
	// longer needed) to the allocator for reuse.
	Free(c *chunk.Chunk)
	// Capacity returns the total number of chunk slots, or 0 if unbounded.
	Capacity() int
	// InUse returns the number of chunks currently allocated and not freed.
	InUse() int
}

// unlimited is a pool-backed allocator with no upper bound on live chunks,
// used by the engine when Settings.MemoryLimit is 0.
type unlimited struct {
	chunkSize int
	pool      sync.Pool
	inUse     atomic.Int64
}

// NewUnlimited creates an allocator with no fixed capacity, backed by a
// sync.Pool of chunk bodies sized to chunkSize bytes.
func NewUnlimited(chunkSize int) Allocator {
	a := &unlimited{chunkSize: chunkSize}
	a.pool.New = func() any { return chunk.New(chunkSize) }

	return a
}

func (a *unlimited) Allocate() (*chunk.Chunk, error) {
	c, _ := a.pool.Get().(*chunk.Chunk)
	a.inUse.Add(1)

	return c, nil
}

func (a *unlimited) Free(c *chunk.Chunk) {
	if c == nil {
		return
	}

	*c = *chunk.New(a.chunkSize)
	a.pool.Put(c)
	a.inUse.Add(-1)
}

func (a *unlimited) Capacity() int { return 0 }
func (a *unlimited) InUse() int    { return int(a.inUse.Load()) }

// region is a fixed-capacity allocator over one preallocated slab, used by
// the engine when Settings.MemoryLimit > 0 to give a hard ceiling on chunk
// memory. Freed slots are tracked on a free-list so the slab never grows.
type region struct {
	mu        sync.Mutex
	chunkSize int
	slots     []*chunk.Chunk // nil entry = free slot
	free      []int          // stack of free slot indices
	inUse     int
}

// NewRegion creates an allocator bounded to maxChunks slots of chunkSize
// bytes each. Allocate returns errs.ErrNoSpace once all slots are in use.
func NewRegion(maxChunks, chunkSize int) Allocator {
	return &region{
		chunkSize: chunkSize,
		slots:     make([]*chunk.Chunk, maxChunks),
		free:      seq(maxChunks),
	}
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = n - 1 - i // pop from the end returns ascending indices
	}

	return s
}

func (a *region) Allocate() (*chunk.Chunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return nil, errs.ErrNoSpace
	}

	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	c := chunk.New(a.chunkSize)
	c.SetSlotIndex(idx)
	a.slots[idx] = c
	a.inUse++

	return c, nil
}

func (a *region) Free(c *chunk.Chunk) {
	if c == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := c.SlotIndex()
	if idx < 0 || idx >= len(a.slots) || a.slots[idx] == nil {
		return
	}

	a.slots[idx] = nil
	a.free = append(a.free, idx)
	a.inUse--
}

func (a *region) Capacity() int { return len(a.slots) }

func (a *region) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.inUse
}
