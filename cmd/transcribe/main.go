// Command transcribe converts a 16 kHz mono WAV file to text.
//
//	transcribe <model name> <audio file> <transcription file>
//
// The model name is a path prefix: <model name>.cfg holds the dimensions
// and <model name>.safetensors the weights. Backend, tokenizer and decoding
// options come from the same environment as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/config"
	"github.com/obiente/gowhisper/internal/logger"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/tensor"
	"github.com/obiente/gowhisper/internal/tokenizer"
	"github.com/obiente/gowhisper/internal/whisper"
)

var errUsage = errors.New("usage")

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args, cfg, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// run transcribes args[2] with model args[1] and writes the text to
// args[3]. Nothing is written unless transcription succeeds.
func run(ctx context.Context, args []string, cfg config.Config, stderr io.Writer) error {
	if len(args) < 4 {
		fmt.Fprintf(stderr, "Usage: %s <model name> <audio file> <transcription file>\n", args[0])
		return errUsage
	}
	modelName, wavFile, textFile := args[1], args[2], args[3]

	log.Info().Str("file", wavFile).Msg("Loading waveform...")
	w, err := audio.LoadWAV(wavFile)
	if err != nil {
		return fmt.Errorf("load audio file: %w", err)
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("load audio file: %w", err)
	}

	vocab, err := tokenizer.LoadFile(cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	backend, err := tensor.Lookup(cfg.Backend, cfg.Threads)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}

	log.Info().Str("model", modelName).Str("backend", backend.Name()).Msg("Loading model...")
	m, err := model.Load(modelName, backend)
	if err != nil {
		return fmt.Errorf("load whisper model: %w", err)
	}

	t, err := whisper.NewTranscriber(m, vocab, backend, whisper.SettingsFrom(cfg).Options)
	if err != nil {
		return fmt.Errorf("configure decoding: %w", err)
	}
	res, err := t.TranscribeLong(ctx, w)
	if err != nil {
		return fmt.Errorf("transcription: %w", err)
	}

	if err := os.WriteFile(textFile, []byte(res.Text), 0o644); err != nil {
		return fmt.Errorf("write transcription file: %w", err)
	}
	log.Info().
		Int("tokens", len(res.Tokens)).
		Float64("duration", res.Duration).
		Str("language", res.Language).
		Msg("Transcription finished.")
	return nil
}
