package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/goccy/go-json"

	"github.com/obiente/gowhisper/internal/config"
	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/tokenizer"
)

func writeWAV(t *testing.T, dir string, sampleRate, frames int) string {
	t.Helper()
	path := filepath.Join(dir, "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

// writeModel stores the fixture model as <dir>/<name>.cfg and
// <dir>/<name>.safetensors and returns the model name. With poison set the
// final decoder layer norm bias carries a NaN, so every logit is NaN.
func writeModel(t *testing.T, dir, name string, forced int, poison bool) string {
	t.Helper()
	cfg := model.FixtureConfig()
	w := model.FixtureWeights(cfg, forced)
	if poison {
		bias, _ := w.Tensor("decoder.ln.bias")
		bias.Data[0] = float32(math.NaN())
	}

	header := map[string]any{}
	var body bytes.Buffer
	for _, n := range w.Names() {
		tt, _ := w.Tensor(n)
		begin := body.Len()
		for _, v := range tt.Data {
			_ = binary.Write(&body, binary.LittleEndian, math.Float32bits(v))
		}
		header[n] = map[string]any{"dtype": "F32", "shape": tt.Shape, "data_offsets": []int{begin, body.Len()}}
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	var file bytes.Buffer
	_ = binary.Write(&file, binary.LittleEndian, uint64(len(hdr)))
	file.Write(hdr)
	file.Write(body.Bytes())

	cfgJSON, err := json.Marshal(map[string]any{
		"audio_encoder_config": map[string]int{
			"n_mels": cfg.NMels, "n_audio_ctx": cfg.NAudioCtx, "n_audio_state": cfg.NAudioState,
			"n_audio_head": cfg.NAudioHead, "n_audio_layer": cfg.NAudioLayer,
		},
		"text_decoder_config": map[string]int{
			"n_vocab": cfg.NVocab, "n_text_ctx": cfg.NTextCtx, "n_text_state": cfg.NTextState,
			"n_text_head": cfg.NTextHead, "n_text_layer": cfg.NTextLayer,
		},
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path+".cfg", cfgJSON, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".safetensors", file.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeTokenizer stores the fixture vocabulary as tokenizer.json in dir.
func writeTokenizer(t *testing.T, dir string) {
	t.Helper()
	v := tokenizer.NewFixture()
	eot := v.Specials().EndOfText
	vocab := map[string]int{}
	var added []tokenizer.AddedToken
	for id := 0; id < v.Size(); id++ {
		tok := v.Token(id)
		switch {
		case tok == "":
		case id < eot:
			vocab[tok] = id
		default:
			added = append(added, tokenizer.AddedToken{ID: id, Content: tok, Special: true})
		}
	}
	data, err := json.Marshal(map[string]any{
		"added_tokens": added,
		"model":        map[string]any{"type": "BPE", "vocab": vocab, "merges": []string{}},
	})
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(dir string) config.Config {
	return config.Config{
		TokenizerPath: filepath.Join(dir, "tokenizer.json"),
		Backend:       "cpu",
		Threads:       1,
		Language:      "en",
		Task:          "transcribe",
	}
}

func TestRun_Usage(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"transcribe", "tiny_en"}, config.Config{}, &stderr)
	if !errors.Is(err, errUsage) {
		t.Errorf("expected usage error, got %v", err)
	}
	if !strings.Contains(stderr.String(), "<model name> <audio file> <transcription file>") {
		t.Errorf("expected usage line, got %q", stderr.String())
	}
}

func TestRun_WritesTranscription(t *testing.T) {
	dir := t.TempDir()
	writeTokenizer(t, dir)
	name := writeModel(t, dir, "tiny", 259, false)
	out := filepath.Join(dir, "out.txt")

	args := []string{"transcribe", name, writeWAV(t, t.TempDir(), 16000, 1600), out}
	if err := run(context.Background(), args, testConfig(dir), &bytes.Buffer{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if want := "hellohellohellohello hellohellohellohello"; string(got) != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRun_FailuresWriteNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	tokDir := t.TempDir()
	writeTokenizer(t, tokDir)
	nanModel := writeModel(t, tokDir, "nan", 259, true)

	tests := []struct {
		name     string
		model    string
		tokDir   string
		audio    string
		wantCode apperrors.ErrorCode
		wantMsg  string
	}{
		{"missing audio", filepath.Join(dir, "tiny_en"), dir, filepath.Join(dir, "absent.wav"), "", "load audio file"},
		{"8 kHz audio", filepath.Join(dir, "tiny_en"), dir, writeWAV(t, t.TempDir(), 8000, 800), apperrors.ErrCodeInvalidAudioFormat, "load audio file"},
		{"missing tokenizer", filepath.Join(dir, "tiny_en"), dir, writeWAV(t, t.TempDir(), 16000, 1600), apperrors.ErrCodeConfigLoad, "load tokenizer"},
		{"missing model", filepath.Join(dir, "tiny_en"), tokDir, writeWAV(t, t.TempDir(), 16000, 1600), apperrors.ErrCodeConfigLoad, "load whisper model"},
		{"NaN distribution", nanModel, tokDir, writeWAV(t, t.TempDir(), 16000, 1600), apperrors.ErrCodeDecoding, "transcription"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := []string{"transcribe", tt.model, tt.audio, out}
			err := run(context.Background(), args, testConfig(tt.tokDir), &bytes.Buffer{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected %q in %q", tt.wantMsg, err.Error())
			}
			if tt.wantCode != "" && !apperrors.HasCode(err, tt.wantCode) {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
			if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
				t.Errorf("expected no output file, stat returned %v", statErr)
			}
		})
	}
}
