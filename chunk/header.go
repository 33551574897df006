// Package chunk implements a bounded, CRC-checked compressed run of
// measurements for one series: a header+body pair built on top of the
// bit-level codecs in package codec.
//
// The header is a fixed-size, little-endian struct with a magic number and
// explicit byte offsets, parsed with an explicit Parse/Bytes pair so
// corruption is caught at Parse time rather than by reading garbage.
package chunk

import (
	"math"

	"github.com/dariadb-go/dariadb/endian"
	"github.com/dariadb-go/dariadb/errs"
)

// byteOrder is the fixed wire byte order for chunk headers.
var byteOrder = endian.GetLittleEndianEngine()

// HeaderSize is the fixed on-disk size of a chunk header in bytes.
const HeaderSize = 128

const headerMagic uint32 = 0x44415231 // "DAR1"

const (
	headerFlagFull   = 1 << 0
	headerFlagClosed = 1 << 1
)

// Header is the fixed-size metadata block preceding a chunk's compressed body.
//
// Invariants (enforced by the owning Chunk, not by Header itself):
//   - MinTime <= MaxTime
//   - Count > 0 iff MinTime <= MaxTime
//   - CRC32 covers the compressed body region only
//   - IsFull implies IsClosed
type Header struct {
	ID         uint64
	Count      uint32
	MinTime    uint64
	MaxTime    uint64
	BytesUsed  uint32
	CRC32      uint32
	FlagBloom  uint32
	FirstTime  uint64
	FirstValue float64
	FirstFlag  uint32
	IsFull     bool
	IsClosed   bool
}

// Bytes serializes the header into a HeaderSize-byte little-endian slice.
func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)

	byteOrder.PutUint32(b[0:4], headerMagic)
	b[4] = 1 // version

	var flags byte
	if h.IsFull {
		flags |= headerFlagFull
	}
	if h.IsClosed {
		flags |= headerFlagClosed
	}
	b[5] = flags

	byteOrder.PutUint64(b[8:16], h.ID)
	byteOrder.PutUint32(b[16:20], h.Count)
	byteOrder.PutUint64(b[20:28], h.MinTime)
	byteOrder.PutUint64(b[28:36], h.MaxTime)
	byteOrder.PutUint32(b[36:40], h.BytesUsed)
	byteOrder.PutUint32(b[40:44], h.CRC32)
	byteOrder.PutUint32(b[44:48], h.FlagBloom)
	byteOrder.PutUint64(b[48:56], h.FirstTime)
	byteOrder.PutUint64(b[56:64], math.Float64bits(h.FirstValue))
	byteOrder.PutUint32(b[64:68], h.FirstFlag)

	return b
}

// ParseHeader parses a HeaderSize-byte slice produced by Header.Bytes.
func ParseHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, errs.ErrInvalidHeaderSize
	}

	if byteOrder.Uint32(data[0:4]) != headerMagic {
		return Header{}, errs.ErrInvalidHeaderFlags
	}

	flags := data[5]

	h := Header{
		IsFull:     flags&headerFlagFull != 0,
		IsClosed:   flags&headerFlagClosed != 0,
		ID:         byteOrder.Uint64(data[8:16]),
		Count:      byteOrder.Uint32(data[16:20]),
		MinTime:    byteOrder.Uint64(data[20:28]),
		MaxTime:    byteOrder.Uint64(data[28:36]),
		BytesUsed:  byteOrder.Uint32(data[36:40]),
		CRC32:      byteOrder.Uint32(data[40:44]),
		FlagBloom:  byteOrder.Uint32(data[44:48]),
		FirstTime:  byteOrder.Uint64(data[48:56]),
		FirstValue: math.Float64frombits(byteOrder.Uint64(data[56:64])),
		FirstFlag:  byteOrder.Uint32(data[64:68]),
	}

	return h, nil
}
