package ringbuf

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func TestWriteRead_Basic(t *testing.T) {
	b := NewWithCapacity(8, 16000)

	b.Write(ramp(4))
	out := make([]float32, 4)
	n := b.Read(out)

	require.Equal(t, 4, n)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)

	stats := b.Stats()
	assert.Equal(t, 0, stats.AvailableSamples)
	assert.Equal(t, uint64(4), stats.TotalWritten)
	assert.Equal(t, uint64(4), stats.TotalRead)
	assert.Zero(t, stats.Overruns)
	assert.Zero(t, stats.Underruns)
}

func TestWrite_WrapsAround(t *testing.T) {
	b := NewWithCapacity(4, 16000)

	b.Write(ramp(3))
	out := make([]float32, 3)
	b.Read(out)

	// Cursors sit at position 3; this write must wrap.
	b.Write([]float32{10, 11, 12})
	n := b.Read(out)

	require.Equal(t, 3, n)
	assert.Equal(t, []float32{10, 11, 12}, out)
	assert.Zero(t, b.Stats().Overruns)
}

func TestRead_UnderrunZeroFills(t *testing.T) {
	b := NewWithCapacity(8, 16000)
	b.Write([]float32{1, 2})

	out := make([]float32, 5)
	n := b.Read(out)

	assert.Equal(t, 2, n)
	assert.Equal(t, []float32{1, 2, 0, 0, 0}, out)
	assert.Equal(t, uint64(1), b.Stats().Underruns)
}

func TestWrite_OverrunAdvancesReadPos(t *testing.T) {
	b := NewWithCapacity(4, 16000)

	b.Write([]float32{1, 2, 3})
	b.Write([]float32{4, 5, 6})

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, 4, stats.AvailableSamples)

	out := make([]float32, 4)
	b.Read(out)
	assert.Equal(t, []float32{3, 4, 5, 6}, out)
}

func TestWrite_DoubleCapacityDropsExactlyCapacity(t *testing.T) {
	const capacity = 64
	b := NewWithCapacity(capacity, 16000)

	b.Write(ramp(2 * capacity))

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Equal(t, uint64(capacity), stats.Dropped)
	assert.Equal(t, capacity, stats.AvailableSamples)

	// The newest capacity samples survive.
	out := make([]float32, capacity)
	b.Read(out)
	assert.Equal(t, float32(capacity+1), out[0])
	assert.Equal(t, float32(2*capacity), out[capacity-1])
}

func TestReset_Idempotent(t *testing.T) {
	b := NewWithCapacity(8, 16000)
	b.Write(ramp(6))
	b.Read(make([]float32, 2))

	b.Reset()
	first := b.Stats()
	b.Reset()
	second := b.Stats()

	assert.Equal(t, first, second)
	assert.Equal(t, 0, first.AvailableSamples)
	assert.Zero(t, first.TotalWritten)
	assert.Zero(t, first.TotalRead)
}

func TestStats_FillPctAndSeconds(t *testing.T) {
	b := NewWithCapacity(32000, 32000)
	b.Write(ramp(16000))

	stats := b.Stats()
	assert.InDelta(t, 50.0, stats.FillPct, 0.001)
	assert.InDelta(t, 0.5, stats.AvailableSeconds, 0.001)
}

// Property: available + dropped == written - read at every observation.
func TestProperty_AccountingInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("accounting balances under arbitrary write/read sequences", prop.ForAll(
		func(capacity int, ops []int) bool {
			b := NewWithCapacity(capacity, 16000)
			for _, op := range ops {
				if op >= 0 {
					b.Write(make([]float32, op))
				} else {
					b.Read(make([]float32, -op))
				}
				s := b.Stats()
				if uint64(s.AvailableSamples)+s.Dropped != s.TotalWritten-s.TotalRead {
					return false
				}
				if s.AvailableSamples < 0 || s.AvailableSamples > s.Capacity {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 256),
		gen.SliceOf(gen.IntRange(-128, 300)),
	))

	properties.TestingRun(t)
}
