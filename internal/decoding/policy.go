package decoding

import (
	"math"
	"math/rand/v2"

	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/tensor"
)

// Policy picks the next token from a validated distribution.
type Policy interface {
	Next(d *model.Distribution) int
}

// Greedy always picks the highest-scoring token.
type Greedy struct{}

// Next implements Policy.
func (Greedy) Next(d *model.Distribution) int { return d.ArgMax() }

// Temperature samples from softmax(logits / T) with a seeded PCG source, so
// two runs with the same seed pick the same tokens.
type Temperature struct {
	T   float64
	rng *rand.Rand
}

// NewTemperature returns a sampler at temperature t.
func NewTemperature(t float64, seed uint64) *Temperature {
	return &Temperature{T: t, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next implements Policy.
func (p *Temperature) Next(d *model.Distribution) int {
	maxV := math.Inf(-1)
	for _, v := range d.Logits {
		maxV = max(maxV, float64(v))
	}
	// Shifting before scaling keeps logits/T finite for small T.
	probs := make([]float32, d.Len())
	for i, v := range d.Logits {
		if math.IsInf(maxV, 0) {
			probs[i] = v
			continue
		}
		probs[i] = float32((float64(v) - maxV) / p.T)
	}
	tensor.SoftmaxInPlace(probs)

	u := p.rng.Float64()
	var acc float64
	for i, q := range probs {
		acc += float64(q)
		if u < acc {
			return i
		}
	}
	// Rounding left u past the last bucket.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 && !math.IsNaN(float64(probs[i])) {
			return i
		}
	}
	return d.ArgMax()
}
