package whisper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/config"
	"github.com/obiente/gowhisper/internal/decoding"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/observability"
	"github.com/obiente/gowhisper/internal/tensor"
	"github.com/obiente/gowhisper/internal/tokenizer"
)

// Engine is a small interface for whisper transcription.
// The native engine runs the Go pipeline; whisper.cpp is available with the
// whisper_cpp build tag.
type Engine interface {
	// Process transcribes 16 kHz mono samples in full.
	Process(ctx context.Context, samples []float32) (*Result, error)
	// Stream transcribes the most recent context window of samples and calls
	// onSegment for each segment. The callback should be fast and
	// non-blocking.
	Stream(ctx context.Context, samples []float32, onSegment func(seg tokenizer.Segment, lang string)) error
	// SetLanguage configures the default language for every caller. Use
	// "auto" to leave it to the model.
	SetLanguage(lang string) error
	// WithLanguage returns an engine sharing the loaded model but bound to
	// lang, leaving the receiver untouched for other callers.
	WithLanguage(lang string) (Engine, error)
	// StreamingConfig returns the work window and context size in samples.
	StreamingConfig() (workWindowSamples, contextSamples int)
	Name() string
	Close() error
}

// Engine names.
const (
	EngineNative     = "native"
	EngineWhisperCPP = "whispercpp"
)

// Settings is what an engine needs from the service configuration.
type Settings struct {
	Engine            string
	ModelPath         string
	TokenizerPath     string
	Backend           string
	Threads           int
	Options           decoding.Options
	WorkWindowSamples int
	ContextSamples    int
}

// SettingsFrom extracts engine settings from the service configuration.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		Engine:        cfg.Engine,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		Backend:       cfg.Backend,
		Threads:       cfg.Threads,
		Options: decoding.Options{
			Language:    cfg.Language,
			Task:        decoding.Task(cfg.Task),
			Timestamps:  cfg.Timestamps,
			Temperature: cfg.Temperature,
			Seed:        cfg.Seed,
		},
		WorkWindowSamples: cfg.WorkWindowSamples,
		ContextSamples:    cfg.ContextSamples,
	}
}

// NewEngine builds the engine named by s.Engine.
func NewEngine(s Settings) (Engine, error) {
	switch strings.ToLower(s.Engine) {
	case "", EngineNative:
		return LoadNative(s)
	case EngineWhisperCPP:
		return newWhisperCPP(s)
	default:
		return nil, fmt.Errorf("whisper: unknown engine %q (want %s or %s)", s.Engine, EngineNative, EngineWhisperCPP)
	}
}

// LoadNative loads the model, weights and tokenizer named in s and wraps
// them in a native engine.
func LoadNative(s Settings) (Engine, error) {
	backend, err := tensor.Lookup(s.Backend, s.Threads)
	if err != nil {
		return nil, err
	}
	m, err := model.Load(s.ModelPath, backend)
	if err != nil {
		return nil, err
	}
	vocab, err := tokenizer.LoadFile(s.TokenizerPath)
	if err != nil {
		return nil, err
	}
	t, err := NewTranscriber(m, vocab, backend, s.Options)
	if err != nil {
		return nil, err
	}
	return NewNativeEngine(t, s.WorkWindowSamples, s.ContextSamples), nil
}

// NativeEngine adapts a Transcriber to Engine.
type NativeEngine struct {
	mu                sync.RWMutex
	t                 *Transcriber
	workWindowSamples int
	contextSamples    int
}

// NewNativeEngine wraps t. Non-positive window sizes fall back to half a
// second of work window and one model window of context.
func NewNativeEngine(t *Transcriber, workWindowSamples, contextSamples int) *NativeEngine {
	if workWindowSamples <= 0 {
		workWindowSamples = audio.SampleRate / 2
	}
	if contextSamples <= 0 {
		contextSamples = t.WindowSamples()
	}
	log.Info().
		Int("workWindowSamples", workWindowSamples).
		Float64("workWindowSeconds", float64(workWindowSamples)/audio.SampleRate).
		Int("contextSamples", contextSamples).
		Float64("contextSeconds", float64(contextSamples)/audio.SampleRate).
		Msg("whisper: streaming configuration")
	return &NativeEngine{t: t, workWindowSamples: workWindowSamples, contextSamples: contextSamples}
}

func (e *NativeEngine) transcriber() *Transcriber {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.t
}

// Name implements Engine.
func (e *NativeEngine) Name() string { return EngineNative }

// Process implements Engine.
func (e *NativeEngine) Process(ctx context.Context, samples []float32) (*Result, error) {
	return e.transcriber().TranscribeLong(ctx, audio.Mono(samples))
}

// Stream implements Engine. Input shorter than the work window is skipped.
func (e *NativeEngine) Stream(ctx context.Context, samples []float32, onSegment func(tokenizer.Segment, string)) error {
	if len(samples) < e.workWindowSamples {
		return nil
	}
	if len(samples) > e.contextSamples {
		samples = samples[len(samples)-e.contextSamples:]
	}
	res, err := e.transcriber().TranscribeLong(ctx, audio.Mono(samples))
	if err != nil {
		return err
	}
	if onSegment != nil {
		for _, seg := range res.Segments {
			onSegment(seg, res.Language)
		}
	}
	return nil
}

// SetLanguage implements Engine.
func (e *NativeEngine) SetLanguage(lang string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	opts := e.t.Options()
	opts.Language = lang
	t, err := e.t.WithOptions(opts)
	if err != nil {
		return err
	}
	e.t = t
	log.Info().Str("language", lang).Msg("whisper: language configured")
	return nil
}

// WithLanguage returns an engine sharing e's model but decoding in lang.
// e itself is unchanged.
func (e *NativeEngine) WithLanguage(lang string) (Engine, error) {
	cur := e.transcriber()
	opts := cur.Options()
	opts.Language = lang
	t, err := cur.WithOptions(opts)
	if err != nil {
		return nil, err
	}
	return &NativeEngine{t: t, workWindowSamples: e.workWindowSamples, contextSamples: e.contextSamples}, nil
}

// WithMetrics makes subsequent transcriptions record into m.
func (e *NativeEngine) WithMetrics(m *observability.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.t = e.t.WithMetrics(m)
}

// StreamingConfig implements Engine.
func (e *NativeEngine) StreamingConfig() (int, int) {
	return e.workWindowSamples, e.contextSamples
}

// Close implements Engine.
func (e *NativeEngine) Close() error { return nil }
