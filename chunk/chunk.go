package chunk

import (
	"hash/crc32"
	"iter"

	"github.com/dariadb-go/dariadb/codec"
	"github.com/dariadb-go/dariadb/errs"
	"github.com/dariadb-go/dariadb/measurement"
)

// AppendResult reports the outcome of an Append call.
type AppendResult int

const (
	// Ok means the measurement was appended.
	Ok AppendResult = iota
	// Full means the chunk has no room left (or the append was
	// out-of-order); the caller should start a new chunk.
	Full
)

// Chunk holds one compressed run of measurements for a single series,
// bounded by a configured byte budget (Buffer's capacity).
//
// Append is the only mutator while the chunk is open; Close freezes the
// body and computes its CRC32. Reader returns a fresh, restartable
// iterator over the decoded contents, so multiple readers may consume a
// closed chunk concurrently.
type Chunk struct {
	Header Header

	maxBytes int
	w        *codec.Writer
	timeEnc  *codec.TimeEncoder
	valEnc   *codec.ValueEncoder
	flagEnc  *codec.FlagEncoder

	slotIndex int // allocator bookkeeping; meaningless to callers
}

// New creates an empty chunk backed by a body budget of maxBytes.
func New(maxBytes int) *Chunk {
	return &Chunk{maxBytes: maxBytes, w: codec.NewWriter(64)}
}

// SlotIndex returns the allocator slot index this chunk occupies. Only
// meaningful to the allocator that produced it.
func (c *Chunk) SlotIndex() int { return c.slotIndex }

// SetSlotIndex is called by the allocator that owns this chunk's backing slot.
func (c *Chunk) SetSlotIndex(idx int) { c.slotIndex = idx }

// Append adds a measurement to the chunk.
//
// Appending to an empty chunk always succeeds and seeds the header. For a
// non-empty chunk, an append is rejected with Full if the chunk is closed,
// if m.Time is older than the chunk's current max time (out-of-order
// within a chunk forces a new chunk rather than reordering), or if
// encoding the measurement would exceed the chunk's byte budget. In the
// last case the encoder state is rolled back so the rejected measurement
// leaves no trace. Both rejections close the chunk (computing its CRC32);
// the budget case also marks it full.
func (c *Chunk) Append(m measurement.Measurement) AppendResult {
	if c.Header.IsClosed {
		return Full
	}

	if c.Header.Count == 0 {
		c.Header.ID = m.ID
		c.Header.MinTime = m.Time
		c.Header.MaxTime = m.Time
		c.Header.FirstTime = m.Time
		c.Header.FirstValue = m.Value
		c.Header.FirstFlag = m.Flag
		c.Header.FlagBloom = m.Flag
		c.Header.Count = 1
		c.Header.BytesUsed = 0

		c.timeEnc = codec.NewTimeEncoder(int64(m.Time)) //nolint:gosec
		c.valEnc = codec.NewValueEncoder(m.Value)
		c.flagEnc = codec.NewFlagEncoder(m.Flag)

		return Ok
	}

	if m.Time < c.Header.MaxTime {
		c.Close()

		return Full
	}

	snapTime := *c.timeEnc
	snapVal := *c.valEnc
	snapFlag := *c.flagEnc
	snapW := c.w.Snapshot()

	c.timeEnc.Write(c.w, int64(m.Time)) //nolint:gosec
	c.valEnc.Write(c.w, m.Value)
	c.flagEnc.Write(c.w, m.Flag)

	if c.w.Size() > c.maxBytes {
		c.w.Restore(snapW)
		*c.timeEnc = snapTime
		*c.valEnc = snapVal
		*c.flagEnc = snapFlag

		c.Header.IsFull = true
		c.Close()

		return Full
	}

	c.Header.Count++
	c.Header.MaxTime = m.Time
	c.Header.FlagBloom |= m.Flag
	c.Header.BytesUsed = uint32(c.w.Size()) //nolint:gosec

	return Ok
}

// Close freezes the chunk body and computes its CRC32. Idempotent.
func (c *Chunk) Close() {
	if c.Header.IsClosed {
		return
	}

	body := c.w.Bytes()
	c.Header.BytesUsed = uint32(len(body)) //nolint:gosec
	c.Header.CRC32 = crc32.ChecksumIEEE(body)
	c.Header.IsClosed = true
}

// Body returns the raw compressed byte region (valid after Close, or
// reflecting bytes committed so far if still open).
func (c *Chunk) Body() []byte {
	return c.w.Bytes()
}

// VerifyCRC recomputes the body's CRC32 and compares it to the header.
func (c *Chunk) VerifyCRC() error {
	if crc32.ChecksumIEEE(c.w.Bytes()) != c.Header.CRC32 {
		return errs.ErrCorruptChunk
	}

	return nil
}

// Full reports whether the chunk has been marked full (and thus closed).
func (c *Chunk) Full() bool { return c.Header.IsFull }

// Closed reports whether the chunk is frozen.
func (c *Chunk) Closed() bool { return c.Header.IsClosed }

// Reader returns a restartable lazy sequence over the chunk's stored
// measurements, decoding from the frozen (or in-progress) body bytes.
func (c *Chunk) Reader() iter.Seq[measurement.Measurement] {
	return func(yield func(measurement.Measurement) bool) {
		if c.Header.Count == 0 {
			return
		}

		first := measurement.Measurement{
			ID: c.Header.ID, Time: c.Header.FirstTime,
			Value: c.Header.FirstValue, Flag: c.Header.FirstFlag,
		}
		if !yield(first) {
			return
		}

		if c.Header.Count == 1 {
			return
		}

		r := codec.NewReader(c.w.Bytes())
		td := codec.NewTimeDecoder(int64(c.Header.FirstTime)) //nolint:gosec
		vd := codec.NewValueDecoder(c.Header.FirstValue)
		fd := codec.NewFlagDecoder(c.Header.FirstFlag)

		for range c.Header.Count - 1 {
			t, ok := td.Read(r)
			if !ok {
				return
			}
			v, ok := vd.Read(r)
			if !ok {
				return
			}
			f, ok := fd.Read(r)
			if !ok {
				return
			}

			if !yield(measurement.Measurement{ID: c.Header.ID, Time: uint64(t), Value: v, Flag: f}) { //nolint:gosec
				return
			}
		}
	}
}

// FromStored reconstructs a frozen chunk from a header and its body bytes,
// as read back from a page file. The chunk is immediately closed.
func FromStored(h Header, body []byte) *Chunk {
	return &Chunk{Header: h, maxBytes: len(body), w: codec.NewWriterFromBytes(body)}
}
