// Package dariadb provides an embedded time-series storage engine:
// chunked in-memory storage, a write-ahead log, and compressed on-disk
// pages, composed behind four durability/latency strategies (WAL,
// COMPRESSED, MEMORY, CACHE).
//
// # Core Features
//
//   - Bit-level streaming compression: delta-of-delta timestamps,
//     XOR (Gorilla-style) values, run-length flags, sharing one bit
//     cursor per chunk body.
//   - Pluggable write strategies trading durability for latency.
//   - Background eviction from memory to compressed pages under pressure.
//   - CRC32 chunk integrity and an xxHash64-checksummed manifest.
//   - Crash recovery via WAL replay.
//
// # Basic Usage
//
//	import "github.com/dariadb-go/dariadb"
//
//	e, err := dariadb.Open("/var/lib/dariadb",
//		dariadb.WithStrategy(dariadb.StrategyCache),
//		dariadb.WithChunkSize(4096),
//	)
//	if err != nil {
//		// handle error
//	}
//	defer e.Stop()
//
//	status := e.Append(ctx, measurement.Measurement{ID: 1, Time: 1000, Value: 42})
//
//	points, err := e.ReadInterval(ctx, query.Interval{IDs: []uint64{1}, From: 0, To: 2000})
//
// # Package Structure
//
// This package re-exports the engine package's constructor and option
// types for convenience. For the full surface (query construction,
// measurement types, and the individual tiers) use the measurement,
// query, and engine packages directly.
package dariadb

import (
	"github.com/dariadb-go/dariadb/engine"
)

// Re-exported strategy constants; see engine.Strategy.
const (
	StrategyWAL        = engine.StrategyWAL
	StrategyCompressed = engine.StrategyCompressed
	StrategyMemory     = engine.StrategyMemory
	StrategyCache      = engine.StrategyCache
)

// Option configures a storage instance; see engine.Option.
type Option = engine.Option

// Re-exported functional options; see the engine package for the rest.
var (
	WithStrategy                 = engine.WithStrategy
	WithChunkSize                = engine.WithChunkSize
	WithWalFileSize              = engine.WithWalFileSize
	WithMemoryLimit              = engine.WithMemoryLimit
	WithPercentWhenStartDropping = engine.WithPercentWhenStartDropping
	WithPercentToDrop            = engine.WithPercentToDrop
	WithMaxStorePeriod           = engine.WithMaxStorePeriod
	WithMaxChunksPerPage         = engine.WithMaxChunksPerPage
	WithLoadMinMax               = engine.WithLoadMinMax
	WithPageCompression          = engine.WithPageCompression
)

// Open constructs or reopens a storage directory; see engine.Open.
func Open(path string, opts ...Option) (*engine.Engine, error) {
	return engine.Open(path, opts...)
}
