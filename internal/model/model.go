package model

import (
	"github.com/rs/zerolog/log"

	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/tensor"
)

// Model bundles a configuration with its encoder and decoder.
type Model struct {
	Config  Config
	Encoder *Encoder
	Decoder *Decoder
}

// New builds both halves of the model from w.
func New(cfg Config, w *Weights, backend tensor.Backend) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.ConfigLoad("model config", err)
	}
	enc, err := NewEncoder(cfg, w, backend)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg, w, backend)
	if err != nil {
		return nil, err
	}
	return &Model{Config: cfg, Encoder: enc, Decoder: dec}, nil
}

// Load reads <name>.cfg and <name>.safetensors.
func Load(name string, backend tensor.Backend) (*Model, error) {
	cfg, err := LoadConfig(name + ".cfg")
	if err != nil {
		return nil, err
	}
	w, err := LoadWeights(name + ".safetensors")
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, w, backend)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("model", name).
		Str("backend", backend.Name()).
		Int("n_audio_layer", cfg.NAudioLayer).
		Int("n_text_layer", cfg.NTextLayer).
		Int("n_vocab", cfg.NVocab).
		Msg("model: ready")
	return m, nil
}
