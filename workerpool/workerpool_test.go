package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolGroupRunsConcurrentTasks(t *testing.T) {
	p := New(0, 0)
	grp, ctx := p.NewGroup(context.Background(), Common)

	var n atomic.Int64
	for range 10 {
		grp.Submit(func() error {
			n.Add(1)

			return nil
		})
	}

	require.NoError(t, grp.Wait())
	require.Equal(t, int64(10), n.Load())
	require.NoError(t, ctx.Err())
}

func TestPoolGroupPropagatesFirstError(t *testing.T) {
	p := New(0, 0)
	grp, _ := p.NewGroup(context.Background(), DiskIO)

	boom := errors.New("boom")
	grp.Submit(func() error { return boom })
	grp.Submit(func() error { return nil })

	require.ErrorIs(t, grp.Wait(), boom)
}

func TestPoolRunSingleTask(t *testing.T) {
	p := New(1, 1)

	err := p.Run(context.Background(), Common, func(ctx context.Context) error {
		return ctx.Err()
	})
	require.NoError(t, err)
}

func TestPoolLimitCapsConcurrency(t *testing.T) {
	p := New(2, 0)
	grp, _ := p.NewGroup(context.Background(), Common)

	var inFlight, maxSeen atomic.Int64
	for range 20 {
		grp.Submit(func() error {
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			inFlight.Add(-1)

			return nil
		})
	}

	require.NoError(t, grp.Wait())
	require.LessOrEqual(t, maxSeen.Load(), int64(2))
}
