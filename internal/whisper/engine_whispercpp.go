//go:build whisper_cpp

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/decoding"
	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/tokenizer"
)

// EngineCPP is the whisper.cpp-backed implementation of Engine. ModelPath
// names a ggml model file rather than a safetensors prefix.
type EngineCPP struct {
	model             whisperpkg.Model
	threads           uint
	workWindowSamples int
	contextSamples    int
	opts              decoding.Options
	// mu is shared by every copy of the engine: whisper.cpp contexts must
	// not run concurrently on one model.
	mu *sync.Mutex
	// owner is false for WithLanguage copies, which must not close the model.
	owner bool
}

func newWhisperCPP(s Settings) (Engine, error) {
	m, err := whisperpkg.New(s.ModelPath)
	if err != nil {
		return nil, apperrors.WeightLoad("load ggml model", err).WithDetail("path", s.ModelPath)
	}
	threads := uint(max(s.Threads, 1))
	work, ctxSamples := s.WorkWindowSamples, s.ContextSamples
	if work <= 0 {
		work = audio.SampleRate / 2
	}
	if ctxSamples <= 0 {
		ctxSamples = 30 * audio.SampleRate
	}
	log.Info().
		Str("model", s.ModelPath).
		Uint("threads", threads).
		Int("workWindowSamples", work).
		Int("contextSamples", ctxSamples).
		Msg("whisper: whisper.cpp model loaded")
	return &EngineCPP{
		model:             m,
		threads:           threads,
		workWindowSamples: work,
		contextSamples:    ctxSamples,
		opts:              s.Options,
		mu:                &sync.Mutex{},
		owner:             true,
	}, nil
}

func (e *EngineCPP) Name() string { return EngineWhisperCPP }

func (e *EngineCPP) Close() error {
	if e.owner && e.model != nil {
		return e.model.Close()
	}
	return nil
}

// SetLanguage configures the language for transcription. Use "auto" for auto-detection.
func (e *EngineCPP) SetLanguage(lang string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.Language = lang
	log.Info().Str("language", lang).Msg("whisper: language configured")
	return nil
}

// WithLanguage returns a copy bound to lang that shares the model and its
// lock with e.
func (e *EngineCPP) WithLanguage(lang string) (Engine, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang != "" && lang != "auto" && !slices.Contains(e.model.Languages(), lang) {
		return nil, apperrors.InvalidInput("language", fmt.Sprintf("model has no language %q", lang))
	}
	e.mu.Lock()
	c := &EngineCPP{
		model:             e.model,
		threads:           e.threads,
		workWindowSamples: e.workWindowSamples,
		contextSamples:    e.contextSamples,
		opts:              e.opts,
		mu:                e.mu,
	}
	e.mu.Unlock()
	c.opts.Language = lang
	return c, nil
}

func (e *EngineCPP) StreamingConfig() (int, int) {
	return e.workWindowSamples, e.contextSamples
}

func (e *EngineCPP) newContext() (whisperpkg.Context, error) {
	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	lang := e.opts.Language
	if lang == "" {
		lang = "auto"
	}
	wctx.SetThreads(e.threads)
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, apperrors.InvalidInput("language", err.Error())
	}
	wctx.SetTranslate(e.opts.Task == decoding.TaskTranslate)
	wctx.SetTemperature(float32(e.opts.Temperature))
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(e.opts.Timestamps)
	wctx.SetMaxSegmentLength(0)
	wctx.SetMaxTokensPerSegment(0)
	wctx.SetAudioCtx(0)
	return wctx, nil
}

// Stream processes the most recent context window and invokes the callback
// for each new segment as soon as it is available.
func (e *EngineCPP) Stream(ctx context.Context, samples []float32, onSegment func(tokenizer.Segment, string)) error {
	if len(samples) < e.workWindowSamples {
		return nil
	}
	if len(samples) > e.contextSamples {
		samples = samples[len(samples)-e.contextSamples:]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return apperrors.Cancelled("whisper.cpp", err)
	}
	wctx, err := e.newContext()
	if err != nil {
		return err
	}
	segCB := func(seg whisperpkg.Segment) {
		text := strings.TrimSpace(seg.Text)
		if text == "" || onSegment == nil {
			return
		}
		lang := wctx.Language()
		if lang == "" || lang == "auto" {
			lang = wctx.DetectedLanguage()
		}
		onSegment(tokenizer.Segment{Start: seg.Start.Seconds(), End: seg.End.Seconds(), Text: text}, lang)
	}
	if err := wctx.Process(samples, nil, segCB, nil); err != nil {
		return fmt.Errorf("process audio: %w", err)
	}
	return nil
}

// Process runs a full-context transcription. Calls are serialised.
func (e *EngineCPP) Process(ctx context.Context, samples []float32) (*Result, error) {
	w := audio.Mono(samples)
	if len(samples) == 0 {
		return &Result{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Cancelled("whisper.cpp", err)
	}
	wctx, err := e.newContext()
	if err != nil {
		return nil, err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		log.Error().Err(err).Int("samples", len(samples)).Msg("whisper: process failed")
		return nil, fmt.Errorf("process audio: %w", err)
	}

	res := &Result{Duration: w.Duration()}
	var texts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		res.Segments = append(res.Segments, tokenizer.Segment{Start: seg.Start.Seconds(), End: seg.End.Seconds(), Text: text})
		for _, tok := range seg.Tokens {
			res.Tokens = append(res.Tokens, tok.Id)
		}
	}
	res.Text = strings.Join(texts, " ")
	res.Language = wctx.Language()
	if res.Language == "" || res.Language == "auto" {
		res.Language = wctx.DetectedLanguage()
	}

	log.Debug().
		Str("lang", res.Language).
		Int("segments", len(res.Segments)).
		Int("samples", len(samples)).
		Msg("whisper: transcription complete")
	return res, nil
}
