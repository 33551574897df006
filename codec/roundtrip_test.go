package codec

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// genSequence produces a random sequence of (time, value, flag) triples
// with time steps uniform in [0, 2^20], values uniform in finite f64, and
// flags uniform in [0, 2^32), as required by the codec round-trip property.
func genSequence(rng *rand.Rand, n int) (times []int64, values []float64, flags []uint32) {
	times = make([]int64, n)
	values = make([]float64, n)
	flags = make([]uint32, n)

	cur := int64(rng.IntN(1 << 20))
	for i := range n {
		cur += int64(rng.IntN(1 << 20))
		times[i] = cur
		v := math.Float64frombits(rng.Uint64())
		for math.IsNaN(v) || math.IsInf(v, 0) {
			v = math.Float64frombits(rng.Uint64())
		}
		values[i] = v
		flags[i] = uint32(rng.Uint32())
	}

	return times, values, flags
}

func TestTimeCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for _, n := range []int{1, 2, 3, 10, 500} {
		times, _, _ := genSequence(rng, n)

		w := NewWriter(64)
		enc := NewTimeEncoder(times[0])
		for _, ts := range times[1:] {
			enc.Write(w, ts)
		}

		r := NewReader(w.Bytes())
		dec := NewTimeDecoder(times[0])

		got := make([]int64, 0, n)
		got = append(got, times[0])
		for range times[1:] {
			v, ok := dec.Read(r)
			require.True(t, ok)
			got = append(got, v)
		}

		require.Equal(t, times, got)
	}
}

func TestValueCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	for _, n := range []int{1, 2, 3, 10, 500} {
		_, values, _ := genSequence(rng, n)

		w := NewWriter(64)
		enc := NewValueEncoder(values[0])
		for _, v := range values[1:] {
			enc.Write(w, v)
		}

		r := NewReader(w.Bytes())
		dec := NewValueDecoder(values[0])

		got := make([]float64, 0, n)
		got = append(got, values[0])
		for range values[1:] {
			v, ok := dec.Read(r)
			require.True(t, ok)
			got = append(got, v)
		}

		require.Equal(t, values, got)
	}
}

func TestFlagCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))

	for _, n := range []int{1, 2, 3, 10, 500} {
		_, _, flags := genSequence(rng, n)

		w := NewWriter(64)
		enc := NewFlagEncoder(flags[0])
		for _, f := range flags[1:] {
			enc.Write(w, f)
		}

		r := NewReader(w.Bytes())
		dec := NewFlagDecoder(flags[0])

		got := make([]uint32, 0, n)
		got = append(got, flags[0])
		for range flags[1:] {
			v, ok := dec.Read(r)
			require.True(t, ok)
			got = append(got, v)
		}

		require.Equal(t, flags, got)
	}
}

func TestWriterSnapshotRestore(t *testing.T) {
	w := NewWriter(16)
	w.WriteBits(0xABCD, 16)
	snap := w.Snapshot()

	w.WriteBits(0xFF, 8)
	require.Equal(t, 3, w.Size())

	w.Restore(snap)
	require.Equal(t, 2, w.Size())

	got := w.Bytes()
	require.Equal(t, []byte{0xAB, 0xCD}, got)
}

func TestFlagCodecRunLength(t *testing.T) {
	w := NewWriter(16)
	enc := NewFlagEncoder(0)
	enc.Write(w, 0)
	enc.Write(w, 0)
	enc.Write(w, 7)

	r := NewReader(w.Bytes())
	dec := NewFlagDecoder(0)

	v, ok := dec.Read(r)
	require.True(t, ok)
	require.Equal(t, uint32(0), v)

	v, ok = dec.Read(r)
	require.True(t, ok)
	require.Equal(t, uint32(0), v)

	v, ok = dec.Read(r)
	require.True(t, ok)
	require.Equal(t, uint32(7), v)
}
