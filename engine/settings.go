// Package engine implements the storage orchestrator: the storage path,
// lockfile, manifest, tier composition by strategy, the monotonicity
// summary map, and the engine's programmatic operations.
package engine

import (
	"github.com/dariadb-go/dariadb/format"
	"github.com/dariadb-go/dariadb/internal/options"
)

// Strategy selects which tiers are active on the write path.
type Strategy string

const (
	StrategyWAL        Strategy = "WAL"
	StrategyCompressed Strategy = "COMPRESSED"
	StrategyMemory     Strategy = "MEMORY"
	StrategyCache      Strategy = "CACHE"
)

// Settings configures a storage instance. Construct via New-style
// functional options rather than a literal, the same options.Option[T]
// pattern used throughout the codebase for configuration.
type Settings struct {
	StoragePath string
	RawPath     string

	WalFileSize  int // records per segment
	WalCacheSize int // stored only; the WAL writes each record to its segment file directly
	ChunkSize    int // bytes per chunk

	MemoryLimit int // bytes for the region allocator (0 = unlimited)

	PercentWhenStartDropping float64 // ∈[0,1]
	PercentToDrop            float64 // ∈[0,1]

	Strategy Strategy

	MaxStorePeriod   int64 // ms; stored only, the engine applies no retention from it
	MaxChunksPerPage int   // stored only; a page holds every chunk of the batch it is written from

	LoadMinMax bool // stored only; Open does not read it

	PageCompression format.CompressionType

	CommonPoolLimit int
	DiskIOPoolLimit int
}

// DefaultSettings returns the baseline configuration; callers override via
// With* options.
func DefaultSettings(storagePath string) Settings {
	return Settings{
		StoragePath:              storagePath,
		RawPath:                  storagePath,
		WalFileSize:              100_000,
		WalCacheSize:             1_000,
		ChunkSize:                4096,
		MemoryLimit:              0,
		PercentWhenStartDropping: 0.75,
		PercentToDrop:            0.25,
		Strategy:                 StrategyCache,
		MaxStorePeriod:           0,
		MaxChunksPerPage:         256,
		LoadMinMax:               false,
		PageCompression:          format.CompressionNone,
		CommonPoolLimit:          0,
		DiskIOPoolLimit:          4,
	}
}

// Option configures Settings via the generic functional-option helper in
// internal/options.
type Option = options.Option[*Settings]

// WithStrategy selects the active strategy.
func WithStrategy(s Strategy) Option {
	return options.NoError(func(st *Settings) { st.Strategy = s })
}

// WithChunkSize sets the per-chunk byte budget.
func WithChunkSize(n int) Option {
	return options.NoError(func(st *Settings) { st.ChunkSize = n })
}

// WithWalFileSize sets the number of records per WAL segment.
func WithWalFileSize(n int) Option {
	return options.NoError(func(st *Settings) { st.WalFileSize = n })
}

// WithMemoryLimit sets the byte budget for the region allocator (CACHE/MEMORY).
func WithMemoryLimit(n int) Option {
	return options.NoError(func(st *Settings) { st.MemoryLimit = n })
}

// WithPercentWhenStartDropping sets the dropper's pressure threshold.
func WithPercentWhenStartDropping(p float64) Option {
	return options.NoError(func(st *Settings) { st.PercentWhenStartDropping = p })
}

// WithPercentToDrop sets the fraction of in-use chunks evicted per drop cycle.
func WithPercentToDrop(p float64) Option {
	return options.NoError(func(st *Settings) { st.PercentToDrop = p })
}

// WithMaxStorePeriod sets Settings.MaxStorePeriod (milliseconds). The
// engine applies no retention from it; EraseOld is the only retention path.
func WithMaxStorePeriod(ms int64) Option {
	return options.NoError(func(st *Settings) { st.MaxStorePeriod = ms })
}

// WithMaxChunksPerPage sets Settings.MaxChunksPerPage. Page writes do not
// read it: a page holds every chunk of the batch it is written from.
func WithMaxChunksPerPage(n int) Option {
	return options.NoError(func(st *Settings) { st.MaxChunksPerPage = n })
}

// WithLoadMinMax sets Settings.LoadMinMax. Open does not read it; use
// Engine.LoadMinMax to rebuild the summaries from the WAL.
func WithLoadMinMax(b bool) Option {
	return options.NoError(func(st *Settings) { st.LoadMinMax = b })
}

// WithPageCompression selects the whole-page compression codec.
func WithPageCompression(c format.CompressionType) Option {
	return options.NoError(func(st *Settings) { st.PageCompression = c })
}

func apply(s *Settings, opts ...Option) error {
	return options.Apply(s, opts...)
}
