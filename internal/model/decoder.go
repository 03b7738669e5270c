package model

import (
	"context"
	"fmt"
	"math"

	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/tensor"
)

// Distribution is the next-token score vector, one logit per vocabulary id.
type Distribution struct {
	Logits []float32
}

// Len is the number of scored ids.
func (d *Distribution) Len() int { return len(d.Logits) }

// Probabilities returns softmax(Logits) with the maximum subtracted first.
func (d *Distribution) Probabilities() []float32 {
	p := append([]float32(nil), d.Logits...)
	tensor.SoftmaxInPlace(p)
	return p
}

// ArgMax returns the id with the highest logit; ties go to the lowest id.
func (d *Distribution) ArgMax() int {
	best, bestV := -1, float32(math.Inf(-1))
	for i, v := range d.Logits {
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

// HasNaN reports whether any logit is NaN.
func (d *Distribution) HasNaN() bool {
	for _, v := range d.Logits {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// DecoderState carries the per-call caches: self-attention keys and values
// for every token processed so far and cross-attention keys and values
// computed once from the audio context.
type DecoderState struct {
	tokens []int
	self   []kvCache
	cross  []kvCache
}

// Len is the number of tokens already in the cache.
func (s *DecoderState) Len() int { return len(s.tokens) }

// Decoder scores the next token given a prefix and the audio context.
type Decoder struct {
	cfg      Config
	backend  tensor.Backend
	tokenEmb *tensor.Matrix
	posEmb   *tensor.Matrix
	blocks   []residualBlock
	ln       layerNorm
}

// NewDecoder binds the decoder.* tensors of w.
func NewDecoder(cfg Config, w *Weights, backend tensor.Backend) (*Decoder, error) {
	b := &binder{w: w}
	state := cfg.NTextState
	dec := &Decoder{
		cfg:      cfg,
		backend:  backend,
		tokenEmb: b.matrix("decoder.token_embedding.weight", cfg.NVocab, state),
		posEmb:   b.matrix("decoder.positional_embedding", cfg.NTextCtx, state),
		blocks:   make([]residualBlock, cfg.NTextLayer),
		ln:       bindLayerNorm(b, "decoder.ln", state),
	}
	for i := range dec.blocks {
		dec.blocks[i] = bindBlock(b, fmt.Sprintf("decoder.blocks.%d", i), state, cfg.NTextHead, true)
	}
	if b.err != nil {
		return nil, b.err
	}
	return dec, nil
}

// MaxLength is the longest prefix the positional embedding covers.
func (d *Decoder) MaxLength() int { return d.cfg.NTextCtx }

// VocabSize is the length of every Distribution.
func (d *Decoder) VocabSize() int { return d.cfg.NVocab }

// NewState precomputes the cross-attention keys and values for audio.
func (d *Decoder) NewState(audio *AudioContext) (*DecoderState, error) {
	if audio == nil || audio.Matrix == nil || audio.Rows != d.cfg.NAudioCtx || audio.Cols != d.cfg.NTextState {
		return nil, apperrors.InvalidInput("audio_context", "shape does not match the model")
	}
	st := &DecoderState{
		self:  make([]kvCache, len(d.blocks)),
		cross: make([]kvCache, len(d.blocks)),
	}
	for i := range d.blocks {
		st.cross[i] = d.blocks[i].cross.project(d.backend, audio.Matrix)
	}
	return st, nil
}

// Step returns the distribution over the token following prefix. Only the
// tokens of prefix beyond st.Len() are run through the blocks; the earlier
// ones must match what the state already holds.
func (d *Decoder) Step(ctx context.Context, st *DecoderState, prefix []int) (*Distribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Cancelled("decoder", err)
	}
	n := st.Len()
	switch {
	case len(prefix) <= n:
		return nil, apperrors.Decoding(fmt.Sprintf("prefix of %d tokens adds nothing to %d cached", len(prefix), n))
	case len(prefix) > d.cfg.NTextCtx:
		return nil, apperrors.Decoding(fmt.Sprintf("prefix of %d tokens exceeds text context %d", len(prefix), d.cfg.NTextCtx))
	}
	for i, id := range st.tokens {
		if prefix[i] != id {
			return nil, apperrors.Decoding(fmt.Sprintf("prefix diverges from cache at position %d", i))
		}
	}

	fresh := prefix[n:]
	x := tensor.New(len(fresh), d.cfg.NTextState)
	for i, id := range fresh {
		if id < 0 || id >= d.cfg.NVocab {
			return nil, apperrors.UnknownTokenID(id, d.cfg.NVocab)
		}
		row, tok, pos := x.Row(i), d.tokenEmb.Row(id), d.posEmb.Row(n+i)
		for j := range row {
			row[j] = tok[j] + pos[j]
		}
	}

	be := d.backend
	for i := range d.blocks {
		x = d.blocks[i].forward(be, x, &st.self[i], &st.cross[i])
	}
	last := d.ln.forward(be, x.RowRange(x.Rows-1, x.Rows))
	logits := be.MatMulT(last, d.tokenEmb)

	st.tokens = append(st.tokens, fresh...)
	return &Distribution{Logits: logits.Data}, nil
}

// Session pairs a decoder with the state of one call.
type Session struct {
	dec   *Decoder
	state *DecoderState
}

// Start opens a decoding session over audio.
func (d *Decoder) Start(audio *AudioContext) (*Session, error) {
	st, err := d.NewState(audio)
	if err != nil {
		return nil, err
	}
	return &Session{dec: d, state: st}, nil
}

// Step scores the token following prefix.
func (s *Session) Step(ctx context.Context, prefix []int) (*Distribution, error) {
	return s.dec.Step(ctx, s.state, prefix)
}
