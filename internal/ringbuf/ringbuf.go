// Package ringbuf provides a fixed-capacity circular buffer for mono PCM
// samples. This package is internal and should not be imported by external
// projects.
package ringbuf

import (
	"sync"
)

// Stats is a snapshot of the buffer accounting counters.
type Stats struct {
	Capacity         int     `json:"capacity"`
	AvailableSamples int     `json:"available_samples"`
	AvailableSeconds float64 `json:"available_seconds"`
	FillPct          float64 `json:"fill_pct"`
	Overruns         uint64  `json:"overruns"`
	Underruns        uint64  `json:"underruns"`
	TotalWritten     uint64  `json:"total_written"`
	TotalRead        uint64  `json:"total_read"`
	Dropped          uint64  `json:"dropped"`
}

// Buffer is a thread-safe circular buffer of float32 samples.
//
// Writes never block: when a write would exceed capacity the read cursor is
// advanced past the overflow, the dropped samples are counted, and Overruns
// is incremented once per overflowing write. Reads always return exactly the
// requested number of samples, zero-filling the tail and incrementing
// Underruns when fewer are available.
type Buffer struct {
	mu sync.Mutex

	data       []float32
	sampleRate int

	writePos  int
	readPos   int
	available int

	totalWritten uint64
	totalRead    uint64
	overruns     uint64
	underruns    uint64
	dropped      uint64
}

// New creates a buffer holding sizeSeconds of audio at sampleRate.
func New(sizeSeconds, sampleRate int) *Buffer {
	return &Buffer{
		data:       make([]float32, sizeSeconds*sampleRate),
		sampleRate: sampleRate,
	}
}

// NewWithCapacity creates a buffer with an explicit sample capacity.
func NewWithCapacity(capacity, sampleRate int) *Buffer {
	return &Buffer{
		data:       make([]float32, capacity),
		sampleRate: sampleRate,
	}
}

// SetSampleRate updates the playback rate used for seconds accounting.
func (b *Buffer) SetSampleRate(rate int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rate > 0 {
		b.sampleRate = rate
	}
}

// SampleRate returns the current playback rate.
func (b *Buffer) SampleRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sampleRate
}

// Write appends samples in arrival order and returns the number written.
func (b *Buffer) Write(samples []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.data)
	n := len(samples)
	if n == 0 || size == 0 {
		return 0
	}

	// A single oversized write keeps only the newest `size` samples.
	if n > size {
		skipped := n - size
		b.dropped += uint64(skipped)
		b.totalWritten += uint64(skipped)
		samples = samples[skipped:]
		n = size
		b.overruns++
		// The whole previous content is overwritten below via the
		// overflow path, so fold it into the same overrun.
		if b.available > 0 {
			b.dropped += uint64(b.available)
			b.readPos = (b.readPos + b.available) % size
			b.available = 0
		}
	} else if b.available+n > size {
		overflow := b.available + n - size
		b.overruns++
		b.dropped += uint64(overflow)
		b.readPos = (b.readPos + overflow) % size
		b.available -= overflow
	}

	written := 0
	for written < n {
		chunk := min(n-written, size-b.writePos)
		copy(b.data[b.writePos:b.writePos+chunk], samples[written:written+chunk])
		b.writePos = (b.writePos + chunk) % size
		written += chunk
	}

	b.available += n
	b.totalWritten += uint64(n)
	return len(samples)
}

// Read fills out with exactly len(out) samples, zero-filling the tail when
// fewer are available.
func (b *Buffer) Read(out []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.data)
	want := len(out)
	if want == 0 {
		return 0
	}

	actual := min(want, b.available)
	read := 0
	for read < actual {
		chunk := min(actual-read, size-b.readPos)
		copy(out[read:read+chunk], b.data[b.readPos:b.readPos+chunk])
		b.readPos = (b.readPos + chunk) % size
		read += chunk
	}
	for i := actual; i < want; i++ {
		out[i] = 0
	}

	b.available -= actual
	b.totalRead += uint64(actual)
	if actual < want {
		b.underruns++
	}
	return actual
}

// Stats reports the current accounting snapshot.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.data)
	fill := 0.0
	if size > 0 {
		fill = float64(b.available) / float64(size) * 100
	}
	seconds := 0.0
	if b.sampleRate > 0 {
		seconds = float64(b.available) / float64(b.sampleRate)
	}
	return Stats{
		Capacity:         size,
		AvailableSamples: b.available,
		AvailableSeconds: seconds,
		FillPct:          fill,
		Overruns:         b.overruns,
		Underruns:        b.underruns,
		TotalWritten:     b.totalWritten,
		TotalRead:        b.totalRead,
		Dropped:          b.dropped,
	}
}

// Reset zeroes cursors and counters. Sample storage is left as-is.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePos = 0
	b.readPos = 0
	b.available = 0
	b.totalWritten = 0
	b.totalRead = 0
	b.overruns = 0
	b.underruns = 0
	b.dropped = 0
}
