package codec

// TimeEncoder encodes a series of millisecond timestamps as delta-of-delta
// values using a variable-width prefix code.
//
// The encoder is seeded with the chunk's first timestamp (stored verbatim
// in the chunk header, never through this encoder) and then encodes every
// subsequent timestamp relative to it:
//
//   - The second timestamp in the chunk is written as a raw 64-bit delta
//     from the first.
//   - Every timestamp after that is written as the delta-of-delta
//     (current delta minus previous delta), using the prefix code:
//     D == 0            -> '0'    (1 bit)
//     |D| < 64          -> '10'   + 7 bits signed
//     |D| < 256         -> '110'  + 9 bits signed
//     |D| < 2048        -> '1110' + 12 bits signed
//     otherwise         -> '1111' + 32 bits signed
type TimeEncoder struct {
	prevTS    int64
	prevDelta int64
	n         int
}

// NewTimeEncoder seeds the encoder with the chunk's first (header) timestamp.
func NewTimeEncoder(firstTime int64) *TimeEncoder {
	return &TimeEncoder{prevTS: firstTime}
}

// Write encodes the next timestamp into w.
func (e *TimeEncoder) Write(w *Writer, t int64) {
	delta := t - e.prevTS

	if e.n == 0 {
		w.WriteSigned(delta, 64)
		e.prevDelta = delta
		e.prevTS = t
		e.n++

		return
	}

	dod := delta - e.prevDelta
	writePrefixedSigned(w, dod)

	e.prevDelta = delta
	e.prevTS = t
	e.n++
}

func writePrefixedSigned(w *Writer, d int64) {
	switch {
	case d == 0:
		w.WriteBit(0)
	case d > -64 && d < 64:
		w.WriteBits(0b10, 2)
		w.WriteSigned(d, 7)
	case d > -256 && d < 256:
		w.WriteBits(0b110, 3)
		w.WriteSigned(d, 9)
	case d > -2048 && d < 2048:
		w.WriteBits(0b1110, 4)
		w.WriteSigned(d, 12)
	default:
		w.WriteBits(0b1111, 4)
		w.WriteSigned(d, 32)
	}
}

func readPrefixedSigned(r *Reader) (int64, bool) {
	b, ok := r.ReadBit()
	if !ok {
		return 0, false
	}
	if b == 0 {
		return 0, true
	}

	b, ok = r.ReadBit()
	if !ok {
		return 0, false
	}
	if b == 0 {
		return r.ReadSigned(7)
	}

	b, ok = r.ReadBit()
	if !ok {
		return 0, false
	}
	if b == 0 {
		return r.ReadSigned(9)
	}

	b, ok = r.ReadBit()
	if !ok {
		return 0, false
	}
	if b == 0 {
		return r.ReadSigned(12)
	}

	return r.ReadSigned(32)
}

// TimeDecoder is the inverse of TimeEncoder, seeded the same way.
type TimeDecoder struct {
	prevTS    int64
	prevDelta int64
	n         int
}

// NewTimeDecoder seeds the decoder with the chunk's first (header) timestamp.
func NewTimeDecoder(firstTime int64) *TimeDecoder {
	return &TimeDecoder{prevTS: firstTime}
}

// Read decodes the next timestamp from r.
func (d *TimeDecoder) Read(r *Reader) (int64, bool) {
	if d.n == 0 {
		delta, ok := r.ReadSigned(64)
		if !ok {
			return 0, false
		}

		d.prevDelta = delta
		d.prevTS += delta
		d.n++

		return d.prevTS, true
	}

	dod, ok := readPrefixedSigned(r)
	if !ok {
		return 0, false
	}

	d.prevDelta += dod
	d.prevTS += d.prevDelta
	d.n++

	return d.prevTS, true
}
