package dropper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/format"
	"github.com/dariadb-go/dariadb/manifest"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/page"
	"github.com/dariadb-go/dariadb/wal"
)

func TestDropperEnqueueChunksWritesPage(t *testing.T) {
	dir := t.TempDir()
	pages, err := page.NewManager(dir, format.CompressionNone, manifest.New())
	require.NoError(t, err)

	d := New(nil, pages, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)
	defer d.Stop()

	c := chunk.New(1 << 16)
	for i := uint64(0); i < 5; i++ {
		require.Equal(t, chunk.Ok, c.Append(measurement.Measurement{ID: 1, Time: i, Value: float64(i)}))
	}
	c.Close()

	d.EnqueueChunks([]*chunk.Chunk{c}, nil)

	require.Eventually(t, func() bool {
		return pages.PageCount() > 0
	}, time.Second, time.Millisecond)
}

func TestDropperEnqueueSegmentDeduplicates(t *testing.T) {
	dir := t.TempDir()
	pages, err := page.NewManager(dir, format.CompressionNone, manifest.New())
	require.NoError(t, err)

	seg, err := wal.CreateSegment(filepath.Join(dir, "00000000.wal"), 4096)
	require.NoError(t, err)

	d := New(nil, pages, nil, nil)

	// No Run() goroutine started, so the queue never drains and we can
	// inspect it directly after enqueuing the same segment twice.
	d.EnqueueSegment(seg)
	d.EnqueueSegment(seg)

	require.Equal(t, 1, d.QueueLen())
}
