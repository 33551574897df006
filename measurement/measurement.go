// Package measurement defines the core data unit stored by the engine.
package measurement

// NoData is the reserved flag bit (bit 0) marking a synthetic "no data"
// result, e.g. the answer to a time-point query with nothing at or before
// the requested time.
const NoData uint32 = 1 << 0

// Measurement is a single timestamped sample for one series.
//
// A measurement is uniquely addressed by (ID, Time). Duplicate (ID, Time)
// pairs are permitted on append; readers see the later write win.
type Measurement struct {
	ID    uint64
	Time  uint64 // milliseconds since Unix epoch
	Value float64
	Flag  uint32
}

// Empty returns the canonical "no data" measurement for a time-point query
// that found nothing at or before t.
func Empty(id uint64, t uint64) Measurement {
	return Measurement{ID: id, Time: t, Flag: NoData}
}

// IsNoData reports whether the measurement carries the reserved NoData bit.
func (m Measurement) IsNoData() bool {
	return m.Flag&NoData != 0
}

// MatchFlag reports whether m satisfies a query flag filter: a measurement
// matches when m.Flag&query == query, or when query is zero (no filter).
func (m Measurement) MatchFlag(query uint32) bool {
	if query == 0 {
		return true
	}

	return m.Flag&query == query
}

// Less orders measurements by (Time, ID), used when merging chunks or
// sorting chunk contents for a page.
func Less(a, b Measurement) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}

	return a.ID < b.ID
}
