// Package model holds the Whisper encoder-decoder transformer: its
// dimensions, the weight loader and the forward passes, all written once
// against tensor.Backend.
package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	apperrors "github.com/obiente/gowhisper/internal/errors"
)

// Config is the set of model dimensions. It is immutable once loaded and is
// passed by value to every constructor.
type Config struct {
	NMels       int `json:"n_mels" validate:"gt=0"`
	NAudioCtx   int `json:"n_audio_ctx" validate:"gt=0"`
	NAudioState int `json:"n_audio_state" validate:"gte=4"`
	NAudioHead  int `json:"n_audio_head" validate:"gt=0"`
	NAudioLayer int `json:"n_audio_layer" validate:"gte=0"`
	NVocab      int `json:"n_vocab" validate:"gt=0"`
	NTextCtx    int `json:"n_text_ctx" validate:"gt=0"`
	NTextState  int `json:"n_text_state" validate:"gt=0"`
	NTextHead   int `json:"n_text_head" validate:"gt=0"`
	NTextLayer  int `json:"n_text_layer" validate:"gte=0"`
}

// Frames is the fixed spectrogram length the encoder accepts.
func (c Config) Frames() int { return 2 * c.NAudioCtx }

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field ranges and the relations between dimensions.
func (c Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("model config: %s must satisfy %s=%s, got %v", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("model config: %w", err)
	}
	switch {
	case c.NAudioState%c.NAudioHead != 0:
		return fmt.Errorf("model config: n_audio_state %d not divisible by n_audio_head %d", c.NAudioState, c.NAudioHead)
	case c.NTextState%c.NTextHead != 0:
		return fmt.Errorf("model config: n_text_state %d not divisible by n_text_head %d", c.NTextState, c.NTextHead)
	case c.NAudioState%2 != 0:
		return fmt.Errorf("model config: n_audio_state %d must be even", c.NAudioState)
	case c.NAudioState != c.NTextState:
		return fmt.Errorf("model config: n_audio_state %d differs from n_text_state %d", c.NAudioState, c.NTextState)
	}
	return nil
}

// LoadConfig reads a <model>.cfg JSON document with nested
// audio_encoder_config and text_decoder_config sections.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, apperrors.ConfigLoad("model config", err).WithDetail("path", path)
	}
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return Config{}, apperrors.ConfigLoad("model config", fmt.Errorf("missing %s", key)).WithDetail("path", path)
		}
	}
	cfg := Config{
		NMels:       v.GetInt("audio_encoder_config.n_mels"),
		NAudioCtx:   v.GetInt("audio_encoder_config.n_audio_ctx"),
		NAudioState: v.GetInt("audio_encoder_config.n_audio_state"),
		NAudioHead:  v.GetInt("audio_encoder_config.n_audio_head"),
		NAudioLayer: v.GetInt("audio_encoder_config.n_audio_layer"),
		NVocab:      v.GetInt("text_decoder_config.n_vocab"),
		NTextCtx:    v.GetInt("text_decoder_config.n_text_ctx"),
		NTextState:  v.GetInt("text_decoder_config.n_text_state"),
		NTextHead:   v.GetInt("text_decoder_config.n_text_head"),
		NTextLayer:  v.GetInt("text_decoder_config.n_text_layer"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, apperrors.ConfigLoad("model config", err).WithDetail("path", path)
	}
	return cfg, nil
}

var requiredKeys = []string{
	"audio_encoder_config.n_mels",
	"audio_encoder_config.n_audio_ctx",
	"audio_encoder_config.n_audio_state",
	"audio_encoder_config.n_audio_head",
	"audio_encoder_config.n_audio_layer",
	"text_decoder_config.n_vocab",
	"text_decoder_config.n_text_ctx",
	"text_decoder_config.n_text_state",
	"text_decoder_config.n_text_head",
	"text_decoder_config.n_text_layer",
}
