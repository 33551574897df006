// Package query defines the read-request shapes shared across TimeTrack,
// MemStorage, PageManager and the engine.
package query

// Interval selects measurements for a set of ids within [From, To], filtered
// by Flag (0 matches everything; non-zero requires m.Flag&Flag == Flag).
type Interval struct {
	IDs  []uint64
	From uint64
	To   uint64
	Flag uint32
}

// TimePoint selects, for each id in IDs, the latest measurement with
// time <= At.
type TimePoint struct {
	IDs  []uint64
	At   uint64
	Flag uint32
}

// Matches reports whether ids is empty (meaning "all ids") or contains id.
func Matches(ids []uint64, id uint64) bool {
	if len(ids) == 0 {
		return true
	}

	for _, want := range ids {
		if want == id {
			return true
		}
	}

	return false
}
