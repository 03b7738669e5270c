// Package decoding runs the autoregressive loop that turns an encoded audio
// context into a token sequence.
//
// The loop is an explicit state machine: Init seeds the prompt, Emitting
// asks the decoder for one distribution per step and appends the chosen
// token, Done is reached on end-of-text or when the sequence fills the
// model's text context. A run therefore makes at most n_text_ctx steps
// after the seed.
package decoding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/tokenizer"
)

// StepDecoder scores the next token for a prefix. model.Session is the
// production implementation.
type StepDecoder interface {
	Step(ctx context.Context, prefix []int) (*model.Distribution, error)
}

// State is a phase of the decoding loop.
type State int

const (
	StateInit State = iota
	StateEmitting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEmitting:
		return "emitting"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task selects between same-language transcription and translation to
// English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Options configure the prompt and the token policy.
type Options struct {
	// Language is a code such as "en"; empty leaves the tag out.
	Language string
	Task     Task
	// Timestamps leaves out <|notimestamps|> so the model may emit
	// timestamp tokens.
	Timestamps bool
	// Temperature 0 selects greedy decoding.
	Temperature float64
	Seed        uint64
}

// Sequence is the token output of one run, prompt included.
type Sequence struct {
	Tokens    []int
	PromptLen int
	// Steps counts loop iterations, the Init seed included.
	Steps int
}

// Generated returns the tokens after the prompt.
func (s Sequence) Generated() []int { return s.Tokens[s.PromptLen:] }

// Loop decodes sequences for one model and vocabulary.
type Loop struct {
	specials  *tokenizer.SpecialTokens
	maxLen    int
	vocabSize int
	opts      Options
	prompt    []int
}

// NewLoop checks opts against the vocabulary and builds the prompt.
func NewLoop(specials *tokenizer.SpecialTokens, maxLen, vocabSize int, opts Options) (*Loop, error) {
	if maxLen <= 0 || vocabSize <= 0 {
		return nil, apperrors.InvalidInput("decoding", fmt.Sprintf("max length %d, vocab size %d", maxLen, vocabSize))
	}
	if opts.Task == "" {
		opts.Task = TaskTranscribe
	}
	opts.Language = strings.ToLower(strings.TrimSpace(opts.Language))
	if opts.Language == "auto" {
		opts.Language = ""
	}
	if opts.Temperature < 0 {
		return nil, apperrors.InvalidInput("temperature", "must not be negative")
	}

	prompt := []int{specials.StartOfTranscript}
	if opts.Language != "" {
		id, ok := specials.Language(opts.Language)
		if !ok {
			return nil, apperrors.InvalidInput("language", fmt.Sprintf("no tag for %q", opts.Language))
		}
		prompt = append(prompt, id)
	}
	switch opts.Task {
	case TaskTranscribe:
		if specials.Transcribe >= 0 {
			prompt = append(prompt, specials.Transcribe)
		}
	case TaskTranslate:
		if specials.Translate < 0 {
			return nil, apperrors.InvalidInput("task", "vocabulary has no translate token")
		}
		prompt = append(prompt, specials.Translate)
	default:
		return nil, apperrors.InvalidInput("task", fmt.Sprintf("unknown task %q", opts.Task))
	}
	if !opts.Timestamps && specials.NoTimestamps >= 0 {
		prompt = append(prompt, specials.NoTimestamps)
	}
	if len(prompt) > maxLen {
		prompt = prompt[:maxLen]
	}
	return &Loop{specials: specials, maxLen: maxLen, vocabSize: vocabSize, opts: opts, prompt: prompt}, nil
}

// Prompt returns a copy of the seed tokens.
func (l *Loop) Prompt() []int { return append([]int(nil), l.prompt...) }

// Options returns the normalised options.
func (l *Loop) Options() Options { return l.opts }

func (l *Loop) policy() Policy {
	if l.opts.Temperature > 0 {
		return NewTemperature(l.opts.Temperature, l.opts.Seed)
	}
	return Greedy{}
}

// Run decodes until end-of-text or the length limit. A malformed
// distribution fails with DecodingError; nothing partial is returned.
func (l *Loop) Run(ctx context.Context, dec StepDecoder) (Sequence, error) {
	var (
		state  = StateInit
		seq    Sequence
		policy = l.policy()
	)
	for state != StateDone {
		seq.Steps++
		switch state {
		case StateInit:
			seq.Tokens = l.Prompt()
			seq.PromptLen = len(seq.Tokens)
			state = StateEmitting
			if len(seq.Tokens) >= l.maxLen {
				state = StateDone
			}

		case StateEmitting:
			if err := ctx.Err(); err != nil {
				return Sequence{}, apperrors.Cancelled("decoding", err)
			}
			dist, err := dec.Step(ctx, seq.Tokens)
			if err != nil {
				return Sequence{}, err
			}
			if err := l.check(dist); err != nil {
				return Sequence{}, err
			}
			next := policy.Next(dist)
			seq.Tokens = append(seq.Tokens, next)
			if next == l.specials.EndOfText || len(seq.Tokens) >= l.maxLen {
				state = StateDone
			}
		}
	}

	log.Debug().
		Int("tokens", len(seq.Tokens)).
		Int("steps", seq.Steps).
		Bool("eot", seq.Tokens[len(seq.Tokens)-1] == l.specials.EndOfText).
		Msg("decoding: sequence complete")
	return seq, nil
}

func (l *Loop) check(d *model.Distribution) error {
	if d == nil {
		return apperrors.Decoding("decoder returned no distribution")
	}
	if d.Len() != l.vocabSize {
		return apperrors.Decoding(fmt.Sprintf("distribution has %d entries, want %d", d.Len(), l.vocabSize)).
			WithDetail("len", d.Len())
	}
	if d.HasNaN() {
		return apperrors.Decoding("distribution contains NaN")
	}
	return nil
}
