package ws

import (
	"sync"

	"github.com/obiente/gowhisper/internal/audio"
)

const (
	maxBufferSamples = 90 * audio.SampleRate
	discardSamples   = 30 * audio.SampleRate
)

// sampleBuffer is the rolling session audio plus how much of it has been
// transcribed. Positions are absolute sample counts since the session
// started, so trimming the front never shifts what counts as processed.
type sampleBuffer struct {
	mu        sync.Mutex
	samples   []float32
	base      int // absolute position of samples[0]
	processed int // absolute position transcribed up to
	limit     int
	discard   int
}

// window is a snapshot of the buffer tail. end is the absolute position
// just past its last sample.
type window struct {
	samples []float32
	fresh   int
	end     int
}

func newSampleBuffer() *sampleBuffer {
	return &sampleBuffer{limit: maxBufferSamples, discard: discardSamples}
}

// append adds pcm and drops the oldest audio once the buffer exceeds its
// limit. It returns the number of buffered samples.
func (b *sampleBuffer) append(pcm []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, pcm...)
	if len(b.samples) > b.limit {
		drop := min(b.discard, len(b.samples))
		b.samples = append([]float32(nil), b.samples[drop:]...)
		b.base += drop
	}
	return len(b.samples)
}

// pending copies the trailing context window and reports how many of the
// buffered samples arrived since the last advance.
func (b *sampleBuffer) pending(contextSamples int) window {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.base + len(b.samples)
	fresh := min(end-b.processed, len(b.samples))
	if fresh <= 0 {
		return window{end: end}
	}
	start := max(len(b.samples)-contextSamples, 0)
	return window{
		samples: append([]float32(nil), b.samples[start:]...),
		fresh:   fresh,
		end:     end,
	}
}

// advance marks everything before the absolute position end as processed.
func (b *sampleBuffer) advance(end int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed = max(b.processed, end)
}
