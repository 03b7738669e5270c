package whisper

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/decoding"
	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/features"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/observability"
	"github.com/obiente/gowhisper/internal/tensor"
	"github.com/obiente/gowhisper/internal/tokenizer"
)

// Result is the outcome of one successful transcription.
type Result struct {
	Text     string              `json:"text"`
	Tokens   []int               `json:"tokens"`
	Language string              `json:"language,omitempty"`
	Duration float64             `json:"duration"`
	Segments []tokenizer.Segment `json:"segments,omitempty"`
}

// Transcriber runs the native pipeline: log-mel features, encoder, decoding
// loop and detokenisation. It holds only read-only state, so one value
// serves concurrent calls; each call owns its spectrogram, audio context and
// decoder caches.
type Transcriber struct {
	model     *model.Model
	vocab     *tokenizer.Vocabulary
	extractor *features.Extractor
	loop      *decoding.Loop
	backend   tensor.Backend
	metrics   *observability.Metrics
}

// NewTranscriber checks that the pieces fit together and builds the
// feature extractor and decoding loop.
func NewTranscriber(m *model.Model, vocab *tokenizer.Vocabulary, backend tensor.Backend, opts decoding.Options) (*Transcriber, error) {
	if vocab.Size() != m.Config.NVocab {
		log.Warn().
			Int("tokenizer", vocab.Size()).
			Int("model", m.Config.NVocab).
			Msg("whisper: tokenizer and model vocabulary sizes differ")
	}
	ext, err := features.NewExtractor(m.Config.NMels, m.Config.Frames(), backend)
	if err != nil {
		return nil, apperrors.ConfigLoad("feature extractor", err)
	}
	loop, err := decoding.NewLoop(vocab.Specials(), m.Config.NTextCtx, m.Config.NVocab, opts)
	if err != nil {
		return nil, err
	}
	return &Transcriber{
		model:     m,
		vocab:     vocab,
		extractor: ext,
		loop:      loop,
		backend:   backend,
	}, nil
}

// WithOptions returns a transcriber sharing t's model with different
// decoding options.
func (t *Transcriber) WithOptions(opts decoding.Options) (*Transcriber, error) {
	loop, err := decoding.NewLoop(t.vocab.Specials(), t.model.Config.NTextCtx, t.model.Config.NVocab, opts)
	if err != nil {
		return nil, err
	}
	c := *t
	c.loop = loop
	return &c, nil
}

// WithMetrics returns t recording into m.
func (t *Transcriber) WithMetrics(m *observability.Metrics) *Transcriber {
	c := *t
	c.metrics = m
	return &c
}

// Options returns the decoding options in effect.
func (t *Transcriber) Options() decoding.Options { return t.loop.Options() }

// WindowSamples is the audio length one model pass covers.
func (t *Transcriber) WindowSamples() int { return t.extractor.Samples() }

// Transcribe converts one window of audio to text. Audio past the window
// is ignored; use TranscribeLong for longer input. On any error the result
// is nil.
func (t *Transcriber) Transcribe(ctx context.Context, w audio.Waveform) (*Result, error) {
	return t.run(ctx, w, func(ctx context.Context) (*Result, error) {
		return t.window(ctx, w.Samples, 0)
	})
}

// TranscribeLong splits w into consecutive windows, transcribes each and
// joins the text and segments. It fails on the first window error.
func (t *Transcriber) TranscribeLong(ctx context.Context, w audio.Waveform) (*Result, error) {
	return t.run(ctx, w, func(ctx context.Context) (*Result, error) {
		size := t.WindowSamples()
		if len(w.Samples) <= size {
			return t.window(ctx, w.Samples, 0)
		}
		out := &Result{}
		var texts []string
		for start := 0; start < len(w.Samples); start += size {
			end := min(start+size, len(w.Samples))
			offset := float64(start) / audio.SampleRate
			r, err := t.window(ctx, w.Samples[start:end], offset)
			if err != nil {
				return nil, err
			}
			if s := strings.TrimSpace(r.Text); s != "" {
				texts = append(texts, s)
			}
			out.Tokens = append(out.Tokens, r.Tokens...)
			out.Segments = append(out.Segments, r.Segments...)
			if out.Language == "" {
				out.Language = r.Language
			}
		}
		out.Text = strings.Join(texts, " ")
		return out, nil
	})
}

// run validates the waveform before any tensor work and wraps the call in
// a span and metrics.
func (t *Transcriber) run(ctx context.Context, w audio.Waveform, body func(context.Context) (*Result, error)) (*Result, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, observability.SpanTranscribe,
		attribute.Int("samples", len(w.Samples)),
		attribute.String("backend", t.backend.Name()))

	res, err := body(ctx)
	observability.EndSpan(span, err)

	code := ""
	if err != nil {
		code = string(apperrors.ErrCodeInternal)
		if appErr, ok := apperrors.AsAppError(err); ok {
			code = string(appErr.Code)
		}
		t.metrics.RecordTranscription(ctx, t.backend.Name(), code, 0, 0, time.Since(start))
		log.Error().Err(err).Int("samples", len(w.Samples)).Msg("whisper: transcription failed")
		return nil, err
	}
	res.Duration = w.Duration()
	t.metrics.RecordTranscription(ctx, t.backend.Name(), "", len(res.Tokens), res.Duration, time.Since(start))
	log.Debug().
		Int("samples", len(w.Samples)).
		Int("tokens", len(res.Tokens)).
		Dur("elapsed", time.Since(start)).
		Msg("whisper: transcription complete")
	return res, nil
}

// window transcribes at most one window of samples starting offset seconds
// into the recording.
func (t *Transcriber) window(ctx context.Context, samples []float32, offset float64) (*Result, error) {
	stage := func(name string, fn func(context.Context) error) error {
		start := time.Now()
		sctx, span := observability.StartSpan(ctx, name)
		err := fn(sctx)
		observability.EndSpan(span, err)
		t.metrics.RecordStage(ctx, name, time.Since(start))
		return err
	}

	var spec features.Spectrogram
	if err := stage(observability.SpanFeatures, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return apperrors.Cancelled("features", err)
		}
		spec = t.extractor.Extract(samples)
		return nil
	}); err != nil {
		return nil, err
	}

	var audioCtx *model.AudioContext
	if err := stage(observability.SpanEncode, func(ctx context.Context) (err error) {
		audioCtx, err = t.model.Encoder.Encode(ctx, spec)
		return err
	}); err != nil {
		return nil, err
	}

	var seq decoding.Sequence
	if err := stage(observability.SpanDecode, func(ctx context.Context) error {
		sess, err := t.model.Decoder.Start(audioCtx)
		if err != nil {
			return err
		}
		seq, err = t.loop.Run(ctx, sess)
		return err
	}); err != nil {
		return nil, err
	}

	res := &Result{Tokens: seq.Tokens, Language: t.loop.Options().Language}
	if err := stage(observability.SpanDetokenize, func(context.Context) (err error) {
		res.Text, err = t.vocab.Decode(seq.Tokens)
		if err != nil {
			return err
		}
		res.Segments, err = t.segments(seq.Tokens, res.Text, offset, float64(len(samples))/audio.SampleRate)
		return err
	}); err != nil {
		return nil, err
	}
	for _, id := range seq.Tokens {
		if code, ok := t.vocab.Specials().LanguageCode(id); ok {
			res.Language = code
			break
		}
	}
	return res, nil
}

// segments returns timed spans. Without timestamp tokens the whole text is
// one span covering the window.
func (t *Transcriber) segments(ids []int, text string, offset, length float64) ([]tokenizer.Segment, error) {
	var segs []tokenizer.Segment
	if t.loop.Options().Timestamps {
		var err error
		if segs, err = t.vocab.Segments(ids); err != nil {
			return nil, err
		}
	}
	if len(segs) == 0 {
		if s := strings.TrimSpace(text); s != "" {
			segs = []tokenizer.Segment{{Start: 0, End: length, Text: s}}
		}
	}
	for i := range segs {
		segs[i].Start += offset
		segs[i].End += offset
	}
	return segs, nil
}
