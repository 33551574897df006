package page

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dariadb-go/dariadb/chunk"
	"github.com/dariadb-go/dariadb/format"
	"github.com/dariadb-go/dariadb/manifest"
	"github.com/dariadb-go/dariadb/measurement"
	"github.com/dariadb-go/dariadb/query"
)

func chunkFor(t *testing.T, id uint64, times []uint64) *chunk.Chunk {
	t.Helper()

	c := chunk.New(1 << 16)
	for _, tm := range times {
		require.Equal(t, chunk.Ok, c.Append(measurement.Measurement{ID: id, Time: tm, Value: float64(tm)}))
	}
	c.Close()

	return c
}

func TestPageWriteOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c1 := chunkFor(t, 1, []uint64{0, 10, 20})
	c2 := chunkFor(t, 2, []uint64{5, 15})

	pg, err := Write(filepath.Join(dir, "00000000.page"), []*chunk.Chunk{c2, c1}, format.CompressionNone)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pg.MinTime())
	require.Equal(t, uint64(20), pg.MaxTime())

	reopened, err := Open(pg.Path(), format.CompressionNone)
	require.NoError(t, err)
	require.Len(t, reopened.Index(), 2)

	var got []measurement.Measurement
	require.NoError(t, reopened.Foreach(query.Interval{From: 0, To: 100}, func(m measurement.Measurement) {
		got = append(got, m)
	}))
	require.Len(t, got, 5)
}

func TestPageValuesBeforeTimePoint(t *testing.T) {
	dir := t.TempDir()

	c := chunkFor(t, 1, []uint64{0, 10, 20, 30})
	pg, err := Write(filepath.Join(dir, "00000000.page"), []*chunk.Chunk{c}, format.CompressionNone)
	require.NoError(t, err)

	res, err := pg.ValuesBeforeTimePoint(query.TimePoint{IDs: []uint64{1}, At: 25})
	require.NoError(t, err)
	require.Equal(t, uint64(20), res[1].Time)
}

func TestPageManagerEraseOldAndCompact(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, format.CompressionNone, manifest.New())
	require.NoError(t, err)

	for i := range 3 {
		c := chunkFor(t, 7, []uint64{uint64(i * 100), uint64(i*100 + 10)})
		_, err := m.AppendChunks([]*chunk.Chunk{c})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.PageCount())

	require.NoError(t, m.EraseOld(100))
	require.Equal(t, 2, m.PageCount())

	require.NoError(t, m.CompactTo(1))
	require.Equal(t, 1, m.PageCount())

	var got []measurement.Measurement
	require.NoError(t, m.Foreach(query.Interval{IDs: []uint64{7}, From: 0, To: 1000}, func(mm measurement.Measurement) {
		got = append(got, mm)
	}))
	require.Len(t, got, 4)
}

func TestPageManagerFsckDropsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, format.CompressionNone, manifest.New())
	require.NoError(t, err)

	c := chunkFor(t, 1, []uint64{0, 10})
	_, err = m.AppendChunks([]*chunk.Chunk{c})
	require.NoError(t, err)

	checked, dropped, err := m.Fsck()
	require.NoError(t, err)
	require.Equal(t, 1, checked)
	require.Equal(t, 0, dropped)
}

func TestPageManagerReopenRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, format.CompressionNone, manifest.New())
	require.NoError(t, err)

	c := chunkFor(t, 1, []uint64{0, 10, 20})
	pg, err := m.AppendChunks([]*chunk.Chunk{c})
	require.NoError(t, err)

	require.NoError(t, os.Remove(indexPath(pg.Path())))

	reopened, err := Open(pg.Path(), format.CompressionNone)
	require.NoError(t, err)
	require.Len(t, reopened.Index(), 1)
}
