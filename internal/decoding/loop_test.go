package decoding

import (
	"context"
	"math"
	"reflect"
	"testing"

	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/tensor"
	"github.com/obiente/gowhisper/internal/tokenizer"
)

const vocabSize = 1811

// scripted returns logits that favour script[i] at the i-th call and count
// the calls it receives.
type scripted struct {
	script []int
	calls  int
	mutate func(logits []float32)
}

func (s *scripted) Step(_ context.Context, prefix []int) (*model.Distribution, error) {
	logits := make([]float32, vocabSize)
	next := s.script[len(s.script)-1]
	if s.calls < len(s.script) {
		next = s.script[s.calls]
	}
	s.calls++
	logits[next] = 10
	if s.mutate != nil {
		s.mutate(logits)
	}
	return &model.Distribution{Logits: logits}, nil
}

func newLoop(t *testing.T, maxLen int, opts Options) *Loop {
	t.Helper()
	l, err := NewLoop(tokenizer.NewFixture().Specials(), maxLen, vocabSize, opts)
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	return l
}

func TestNewLoop_Prompt(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []int
	}{
		{"default", Options{}, []int{301, 305, 309}},
		{"english", Options{Language: "en"}, []int{301, 302, 305, 309}},
		{"auto language", Options{Language: "auto"}, []int{301, 305, 309}},
		{"translate chinese", Options{Language: "ZH", Task: TaskTranslate}, []int{301, 303, 304, 309}},
		{"timestamps", Options{Language: "en", Timestamps: true}, []int{301, 302, 305}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newLoop(t, 8, tt.opts).Prompt(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNewLoop_InvalidOptions(t *testing.T) {
	specials := tokenizer.NewFixture().Specials()
	for _, opts := range []Options{
		{Language: "fr"},
		{Task: "summarise"},
		{Temperature: -1},
	} {
		_, err := NewLoop(specials, 8, vocabSize, opts)
		if !apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
			t.Errorf("%+v: expected INVALID_INPUT, got %v", opts, err)
		}
	}
}

func TestRun_StopsAtEndOfText(t *testing.T) {
	l := newLoop(t, 8, Options{Language: "en"})
	dec := &scripted{script: []int{259, 264, 300}}
	seq, err := l.Run(context.Background(), dec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []int{301, 302, 305, 309, 259, 264, 300}
	if !reflect.DeepEqual(seq.Tokens, want) {
		t.Errorf("expected %v, got %v", want, seq.Tokens)
	}
	if !reflect.DeepEqual(seq.Generated(), []int{259, 264, 300}) {
		t.Errorf("unexpected generated tokens %v", seq.Generated())
	}
	if dec.calls != 3 || seq.Steps != 4 {
		t.Errorf("expected 3 calls and 4 steps, got %d and %d", dec.calls, seq.Steps)
	}
}

func TestRun_TerminatesAtMaxLength(t *testing.T) {
	for _, maxLen := range []int{1, 3, 4, 8, 32} {
		l := newLoop(t, maxLen, Options{Language: "en"})
		dec := &scripted{script: []int{259}}
		seq, err := l.Run(context.Background(), dec)
		if err != nil {
			t.Fatalf("max %d: %v", maxLen, err)
		}
		wantLen := maxLen
		if len(seq.Tokens) != wantLen {
			t.Errorf("max %d: expected %d tokens, got %d", maxLen, wantLen, len(seq.Tokens))
		}
		if seq.Steps > maxLen+1 {
			t.Errorf("max %d: %d steps exceeds bound", maxLen, seq.Steps)
		}
		if seq.Tokens[0] != 301 {
			t.Errorf("max %d: sequence must start with sot, got %v", maxLen, seq.Tokens)
		}
	}
}

func TestRun_GreedyDeterministic(t *testing.T) {
	m, err := model.NewFixtureModel(tensor.NewCPU(), 259)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	audio := tensor.New(m.Config.NAudioCtx, m.Config.NAudioState)
	for i := range audio.Data {
		audio.Data[i] = float32(math.Cos(float64(i)))
	}
	l := newLoop(t, m.Config.NTextCtx, Options{Language: "en"})

	var runs [2][]int
	for i := range runs {
		sess, err := m.Decoder.Start(&model.AudioContext{Matrix: audio})
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		seq, err := l.Run(context.Background(), sess)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		runs[i] = seq.Tokens
	}
	if !reflect.DeepEqual(runs[0], runs[1]) {
		t.Errorf("expected identical runs, got %v and %v", runs[0], runs[1])
	}
	if len(runs[0]) != m.Config.NTextCtx {
		t.Errorf("expected a full %d-token sequence, got %v", m.Config.NTextCtx, runs[0])
	}
}

func TestRun_TemperatureDeterministicBySeed(t *testing.T) {
	flat := func(logits []float32) {
		for i := range logits {
			logits[i] = float32(i%7) * 0.1
		}
	}
	run := func(seed uint64) []int {
		l := newLoop(t, 32, Options{Temperature: 1.0, Seed: seed})
		seq, err := l.Run(context.Background(), &scripted{script: []int{0}, mutate: flat})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return seq.Tokens
	}
	a, b := run(42), run(42)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("expected identical sequences for one seed, got %v and %v", a, b)
	}
}

func TestRun_MalformedDistribution(t *testing.T) {
	tests := []struct {
		name string
		dec  StepDecoder
	}{
		{"nan", &scripted{script: []int{259}, mutate: func(l []float32) { l[17] = float32(math.NaN()) }}},
		{"short", stepFunc(func(prefix []int) *model.Distribution {
			return &model.Distribution{Logits: make([]float32, vocabSize-1)}
		})},
		{"nil", stepFunc(func(prefix []int) *model.Distribution { return nil })},
	}
	for _, tt := range tests {
		l := newLoop(t, 8, Options{})
		seq, err := l.Run(context.Background(), tt.dec)
		if !apperrors.HasCode(err, apperrors.ErrCodeDecoding) {
			t.Errorf("%s: expected DECODING_ERROR, got %v", tt.name, err)
		}
		if seq.Tokens != nil {
			t.Errorf("%s: expected no partial sequence, got %v", tt.name, seq.Tokens)
		}
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newLoop(t, 8, Options{}).Run(ctx, &scripted{script: []int{259}})
	if !apperrors.HasCode(err, apperrors.ErrCodeCancelled) {
		t.Errorf("expected CANCELLED, got %v", err)
	}
}

type stepFunc func(prefix []int) *model.Distribution

func (f stepFunc) Step(_ context.Context, prefix []int) (*model.Distribution, error) {
	return f(prefix), nil
}

func TestTemperature_PeakedPicksPeak(t *testing.T) {
	p := NewTemperature(0.5, 1)
	logits := make([]float32, 10)
	logits[6] = 100
	for i := 0; i < 20; i++ {
		if got := p.Next(&model.Distribution{Logits: logits}); got != 6 {
			t.Fatalf("expected 6, got %d", got)
		}
	}
}

func TestTemperature_HugeLogitsSmallT(t *testing.T) {
	p := NewTemperature(0.01, 5)
	logits := []float32{1e30, 3e38, -3e38, 2e38}
	for i := 0; i < 20; i++ {
		if got := p.Next(&model.Distribution{Logits: logits}); got != 1 {
			t.Fatalf("expected 1, got %d", got)
		}
	}
	inf := float32(math.Inf(1))
	if got := p.Next(&model.Distribution{Logits: []float32{0, inf, 1}}); got != 1 {
		t.Errorf("expected the +Inf logit, got %d", got)
	}
}

func TestGreedy_StableWithHugeLogits(t *testing.T) {
	logits := []float32{1e30, 3e38, -3e38, 2e38}
	if got := (Greedy{}).Next(&model.Distribution{Logits: logits}); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateInit: "init", StateEmitting: "emitting", StateDone: "done", State(9): "state(9)"} {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}
