package model

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/obiente/gowhisper/internal/tensor"
)

// FixtureConfig is a tiny model that fits the tokenizer fixture's 1811 ids.
func FixtureConfig() Config {
	return Config{
		NMels:       8,
		NAudioCtx:   4,
		NAudioState: 8,
		NAudioHead:  2,
		NAudioLayer: 1,
		NVocab:      1811,
		NTextCtx:    8,
		NTextState:  8,
		NTextHead:   2,
		NTextLayer:  1,
	}
}

// TensorShapes lists every tensor the encoder and decoder bind for cfg.
func TensorShapes(cfg Config) map[string][]int {
	shapes := map[string][]int{
		"encoder.conv1.weight":           {cfg.NAudioState, cfg.NMels, 3},
		"encoder.conv1.bias":             {cfg.NAudioState},
		"encoder.conv2.weight":           {cfg.NAudioState, cfg.NAudioState, 3},
		"encoder.conv2.bias":             {cfg.NAudioState},
		"encoder.ln_post.weight":         {cfg.NAudioState},
		"encoder.ln_post.bias":           {cfg.NAudioState},
		"decoder.token_embedding.weight": {cfg.NVocab, cfg.NTextState},
		"decoder.positional_embedding":   {cfg.NTextCtx, cfg.NTextState},
		"decoder.ln.weight":              {cfg.NTextState},
		"decoder.ln.bias":                {cfg.NTextState},
	}
	addBlock := func(prefix string, state int, cross bool) {
		attns := []string{"attn"}
		if cross {
			attns = append(attns, "cross_attn")
		}
		for _, a := range attns {
			for _, p := range []string{"query", "key", "value", "out"} {
				shapes[prefix+"."+a+"."+p+".weight"] = []int{state, state}
				if p != "key" {
					shapes[prefix+"."+a+"."+p+".bias"] = []int{state}
				}
			}
			shapes[prefix+"."+a+"_ln.weight"] = []int{state}
			shapes[prefix+"."+a+"_ln.bias"] = []int{state}
		}
		shapes[prefix+".mlp.0.weight"] = []int{4 * state, state}
		shapes[prefix+".mlp.0.bias"] = []int{4 * state}
		shapes[prefix+".mlp.2.weight"] = []int{state, 4 * state}
		shapes[prefix+".mlp.2.bias"] = []int{state}
		shapes[prefix+".mlp_ln.weight"] = []int{state}
		shapes[prefix+".mlp_ln.bias"] = []int{state}
	}
	for i := 0; i < cfg.NAudioLayer; i++ {
		addBlock(fmt.Sprintf("encoder.blocks.%d", i), cfg.NAudioState, false)
	}
	for i := 0; i < cfg.NTextLayer; i++ {
		addBlock(fmt.Sprintf("decoder.blocks.%d", i), cfg.NTextState, true)
	}
	return shapes
}

// NewWeights wraps in-memory tensors.
func NewWeights(tensors map[string]Tensor) *Weights {
	return &Weights{tensors: tensors}
}

// FixtureWeights fills every tensor of cfg with small seeded values, then
// rigs the final decoder layer norm so that every step puts almost all
// probability on forced, whatever the prefix or audio.
func FixtureWeights(cfg Config, forced int) *Weights {
	r := rand.New(rand.NewPCG(7, 11))
	tensors := make(map[string]Tensor)
	shapes := TensorShapes(cfg)
	for _, name := range slices.Sorted(maps.Keys(shapes)) {
		shape := shapes[name]
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = (r.Float32() - 0.5) * 0.2
		}
		tensors[name] = Tensor{Shape: shape, Data: data}
	}

	// The final hidden state becomes the unit vector e0, so the logit of
	// id t is column 0 of its embedding row.
	gamma := tensors["decoder.ln.weight"].Data
	beta := tensors["decoder.ln.bias"].Data
	for i := range gamma {
		gamma[i], beta[i] = 0, 0
	}
	beta[0] = 1
	emb := tensor.MustFromSlice(cfg.NVocab, cfg.NTextState, tensors["decoder.token_embedding.weight"].Data)
	emb.Set(forced, 0, 5)
	return NewWeights(tensors)
}

// NewFixtureModel builds the FixtureConfig model whose decoder always favours
// forced.
func NewFixtureModel(backend tensor.Backend, forced int) (*Model, error) {
	cfg := FixtureConfig()
	return New(cfg, FixtureWeights(cfg, forced), backend)
}
