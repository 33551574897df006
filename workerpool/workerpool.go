// Package workerpool implements kinded async task pools: COMMON (the
// engine's query fan-out) and DISK_IO (the dropper's manifest scan), each
// backed by golang.org/x/sync/errgroup so a fan-out of awaitable tasks can
// be canceled and error-propagated as a unit.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Kind selects which pool a task runs on.
type Kind int

const (
	Common Kind = iota
	DiskIO
)

// Pool is a kinded task submission point. Each kind gets its own
// concurrency limit so disk-bound compaction work cannot starve ingest.
type Pool struct {
	limits map[Kind]int
}

// New creates a Pool with the given per-kind concurrency limits. A limit of
// 0 means unbounded.
func New(commonLimit, diskIOLimit int) *Pool {
	return &Pool{limits: map[Kind]int{Common: commonLimit, DiskIO: diskIOLimit}}
}

// Group is an awaitable fan-out of tasks submitted to one Pool kind,
// wrapping errgroup.Group so callers Wait() once for the whole batch.
type Group struct {
	g *errgroup.Group
}

// NewGroup starts a task group bound to ctx and kind's concurrency limit.
func (p *Pool) NewGroup(ctx context.Context, kind Kind) (*Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if limit := p.limits[kind]; limit > 0 {
		g.SetLimit(limit)
	}

	return &Group{g: g}, gctx
}

// Submit posts fn to the group.
func (grp *Group) Submit(fn func() error) {
	grp.g.Go(fn)
}

// Wait blocks until every submitted task completes, returning the first
// error encountered (if any), per errgroup semantics.
func (grp *Group) Wait() error {
	return grp.g.Wait()
}

// Run submits a single task to kind and blocks for its result, the common
// case of posting one async task and awaiting its handle.
func (p *Pool) Run(ctx context.Context, kind Kind, fn func(context.Context) error) error {
	grp, gctx := p.NewGroup(ctx, kind)
	grp.Submit(func() error { return fn(gctx) })

	return grp.Wait()
}
