package codec

import (
	"math"
	"math/bits"
)

// ValueEncoder encodes a series of float64 values using XOR compression
// with leading/trailing-zero window reuse, seeded with the chunk's first
// (header) value.
//
// For each subsequent value x_i = bits(v_i) XOR bits(v_{i-1}):
//   - x_i == 0: write a single 0 bit (value unchanged).
//   - x_i != 0: write a 1 bit, then:
//   - if the non-zero window [leading,trailing] fits inside the previous
//     block's window, write 0 and the meaningful bits (reusing the
//     previous block's width);
//   - otherwise write 1, 5 bits of leading-zero count, 6 bits of
//     meaningful-bit count minus one, and the meaningful bits, then
//     remember this window as the new "previous block".
//
// This mirrors the Facebook Gorilla algorithm, adapted to share a single
// bit cursor with the time and flag streams instead of owning its own
// buffer.
type ValueEncoder struct {
	prevBits      uint64
	prevLeading   int
	prevTrailing  int
	prevBlockSize int
	hasPrevBlock  bool
}

// NewValueEncoder seeds the encoder with the chunk's first (header) value.
func NewValueEncoder(firstValue float64) *ValueEncoder {
	return &ValueEncoder{prevBits: math.Float64bits(firstValue)}
}

// Write encodes the next value into w.
func (e *ValueEncoder) Write(w *Writer, v float64) {
	valBits := math.Float64bits(v)
	xor := valBits ^ e.prevBits
	e.prevBits = valBits

	if xor == 0 {
		w.WriteBit(0)
		return
	}

	w.WriteBit(1)

	leading := bits.LeadingZeros64(xor)
	if leading > 31 {
		leading = 31 // the 5-bit field holds at most 31
	}
	trailing := bits.TrailingZeros64(xor)

	if e.hasPrevBlock && leading >= e.prevLeading && trailing >= e.prevTrailing {
		w.WriteBit(0)
		w.WriteBits(xor>>e.prevTrailing, e.prevBlockSize)

		return
	}

	w.WriteBit(1)
	blockSize := 64 - leading - trailing
	w.WriteBits(uint64(leading), 5)
	w.WriteBits(uint64(blockSize-1), 6)
	w.WriteBits(xor>>trailing, blockSize)

	e.prevLeading = leading
	e.prevTrailing = trailing
	e.prevBlockSize = blockSize
	e.hasPrevBlock = true
}

// ValueDecoder is the inverse of ValueEncoder, seeded the same way.
type ValueDecoder struct {
	prevBits      uint64
	prevTrailing  int
	prevBlockSize int
	hasPrevBlock  bool
}

// NewValueDecoder seeds the decoder with the chunk's first (header) value.
func NewValueDecoder(firstValue float64) *ValueDecoder {
	return &ValueDecoder{prevBits: math.Float64bits(firstValue)}
}

// Read decodes the next value from r.
func (d *ValueDecoder) Read(r *Reader) (float64, bool) {
	control, ok := r.ReadBit()
	if !ok {
		return 0, false
	}

	if control == 0 {
		return math.Float64frombits(d.prevBits), true
	}

	reuse, ok := r.ReadBit()
	if !ok {
		return 0, false
	}

	var trailing, blockSize int
	if reuse == 0 {
		if !d.hasPrevBlock {
			return 0, false
		}
		trailing = d.prevTrailing
		blockSize = d.prevBlockSize
	} else {
		leading, ok := r.ReadBits(5)
		if !ok {
			return 0, false
		}
		sz, ok := r.ReadBits(6)
		if !ok {
			return 0, false
		}
		blockSize = int(sz) + 1
		trailing = 64 - int(leading) - blockSize
		if trailing < 0 || blockSize <= 0 || blockSize > 64 {
			return 0, false
		}

		d.prevTrailing = trailing
		d.prevBlockSize = blockSize
		d.hasPrevBlock = true
	}

	meaningful, ok := r.ReadBits(blockSize)
	if !ok {
		return 0, false
	}

	d.prevBits ^= meaningful << uint(trailing)

	return math.Float64frombits(d.prevBits), true
}
