package model

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/features"
	"github.com/obiente/gowhisper/internal/tensor"
)

// AudioContext is the encoder output, n_audio_ctx × n_audio_state. It is
// read-only for every decoder step of one call.
type AudioContext struct {
	*tensor.Matrix
}

// Encoder maps a log-mel spectrogram to an AudioContext.
type Encoder struct {
	cfg     Config
	backend tensor.Backend
	conv1   conv1d
	conv2   conv1d
	pos     *tensor.Matrix
	blocks  []residualBlock
	lnPost  layerNorm
}

// NewEncoder binds the encoder.* tensors of w. Any missing or mis-shaped
// tensor is a WeightLoadError.
func NewEncoder(cfg Config, w *Weights, backend tensor.Backend) (*Encoder, error) {
	b := &binder{w: w}
	state := cfg.NAudioState
	enc := &Encoder{
		cfg:     cfg,
		backend: backend,
		conv1:   bindConv(b, "encoder.conv1", state, cfg.NMels, 3, 1, 1),
		conv2:   bindConv(b, "encoder.conv2", state, state, 3, 2, 1),
		pos:     sinusoids(cfg.NAudioCtx, state),
		blocks:  make([]residualBlock, cfg.NAudioLayer),
		lnPost:  bindLayerNorm(b, "encoder.ln_post", state),
	}
	for i := range enc.blocks {
		enc.blocks[i] = bindBlock(b, fmt.Sprintf("encoder.blocks.%d", i), state, cfg.NAudioHead, false)
	}
	if b.err != nil {
		return nil, b.err
	}
	return enc, nil
}

// Encode runs the convolution stem, the attention blocks and the final
// layer norm. The spectrogram must be exactly n_mels × 2·n_audio_ctx.
func (e *Encoder) Encode(ctx context.Context, spec features.Spectrogram) (*AudioContext, error) {
	if spec.Matrix == nil || spec.MelBins() != e.cfg.NMels || spec.Frames() != e.cfg.Frames() {
		rows, cols := 0, 0
		if spec.Matrix != nil {
			rows, cols = spec.Shape()
		}
		return nil, apperrors.InvalidInput("spectrogram",
			fmt.Sprintf("shape %dx%d, want %dx%d", rows, cols, e.cfg.NMels, e.cfg.Frames()))
	}
	be := e.backend

	x := e.conv1.forward(be, spec.Transpose())
	be.GELU(x)
	x = e.conv2.forward(be, x)
	be.GELU(x)
	x = be.Add(x, e.pos)

	for i := range e.blocks {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Cancelled("encoder", err)
		}
		x = e.blocks[i].forward(be, x, nil, nil)
	}
	x = e.lnPost.forward(be, x)

	log.Debug().
		Int("positions", x.Rows).
		Int("state", x.Cols).
		Str("backend", be.Name()).
		Msg("model: audio encoded")
	return &AudioContext{Matrix: x}, nil
}
