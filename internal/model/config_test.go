package model

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/obiente/gowhisper/internal/errors"
)

const tinyCfg = `{
  "audio_encoder_config": {"n_mels": 80, "n_audio_ctx": 1500, "n_audio_state": 384, "n_audio_head": 6, "n_audio_layer": 4},
  "text_decoder_config": {"n_vocab": 51864, "n_text_ctx": 448, "n_text_state": 384, "n_text_head": 6, "n_text_layer": 4}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "tiny_en.cfg", tinyCfg))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Config{
		NMels: 80, NAudioCtx: 1500, NAudioState: 384, NAudioHead: 6, NAudioLayer: 4,
		NVocab: 51864, NTextCtx: 448, NTextState: 384, NTextHead: 6, NTextLayer: 4,
	}
	if cfg != want {
		t.Errorf("expected %+v, got %+v", want, cfg)
	}
	if cfg.Frames() != 3000 {
		t.Errorf("expected 3000 frames, got %d", cfg.Frames())
	}
}

func TestLoadConfig_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "n_mels = 80"},
		{"missing section", `{"audio_encoder_config": {"n_mels": 80, "n_audio_ctx": 1500, "n_audio_state": 384, "n_audio_head": 6, "n_audio_layer": 4}}`},
		{"zero heads", `{
  "audio_encoder_config": {"n_mels": 80, "n_audio_ctx": 1500, "n_audio_state": 384, "n_audio_head": 0, "n_audio_layer": 4},
  "text_decoder_config": {"n_vocab": 51864, "n_text_ctx": 448, "n_text_state": 384, "n_text_head": 6, "n_text_layer": 4}
}`},
		{"indivisible", `{
  "audio_encoder_config": {"n_mels": 80, "n_audio_ctx": 1500, "n_audio_state": 384, "n_audio_head": 5, "n_audio_layer": 4},
  "text_decoder_config": {"n_vocab": 51864, "n_text_ctx": 448, "n_text_state": 384, "n_text_head": 6, "n_text_layer": 4}
}`},
	}
	for _, tt := range tests {
		_, err := LoadConfig(writeFile(t, "m.cfg", tt.content))
		if !apperrors.HasCode(err, apperrors.ErrCodeConfigLoad) {
			t.Errorf("%s: expected CONFIG_LOAD_ERROR, got %v", tt.name, err)
		}
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.cfg"))
	if !apperrors.HasCode(err, apperrors.ErrCodeConfigLoad) {
		t.Errorf("missing file: expected CONFIG_LOAD_ERROR, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := FixtureConfig().Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	mismatch := FixtureConfig()
	mismatch.NTextState = 16
	if err := mismatch.Validate(); err == nil {
		t.Error("expected error when audio and text state differ")
	}
}
