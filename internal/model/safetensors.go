package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/tensor"
)

// Tensor is a named weight as stored on disk, converted to float32.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Weights is the full set of model parameters keyed by PyTorch name.
type Weights struct {
	tensors map[string]Tensor
}

// Names returns the sorted tensor names.
func (w *Weights) Names() []string {
	names := make([]string, 0, len(w.tensors))
	for n := range w.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len is the number of tensors.
func (w *Weights) Len() int { return len(w.tensors) }

// Tensor returns the named weight. Its Data aliases the stored values.
func (w *Weights) Tensor(name string) (Tensor, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

const maxHeaderLen = 100 << 20

// LoadWeights reads a safetensors file. The shapes are checked against cfg
// when the encoder and decoder are built, not here.
func LoadWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.WeightLoad("read weights", err).WithDetail("path", path)
	}
	w, err := ParseSafetensors(data)
	if err != nil {
		return nil, apperrors.WeightLoad("parse weights", err).WithDetail("path", path)
	}
	log.Info().
		Str("path", path).
		Int("tensors", w.Len()).
		Int("bytes", len(data)).
		Msg("model: weights loaded")
	return w, nil
}

// ParseSafetensors decodes an in-memory safetensors document with F32, F16
// or BF16 tensors.
func ParseSafetensors(data []byte) (*Weights, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderLen || 8+n > uint64(len(data)) {
		return nil, fmt.Errorf("safetensors: header length %d out of range", n)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("safetensors: decode header: %w", err)
	}
	body := data[8+n:]

	w := &Weights{tensors: make(map[string]Tensor, len(raw))}
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", name, err)
		}
		t, err := decodeTensor(h, body)
		if err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", name, err)
		}
		w.tensors[name] = t
	}
	return w, nil
}

func decodeTensor(h tensorHeader, body []byte) (Tensor, error) {
	count := 1
	for _, d := range h.Shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in %v", h.Shape)
		}
		count *= d
	}
	begin, end := h.DataOffsets[0], h.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return Tensor{}, fmt.Errorf("data offsets [%d, %d) outside %d byte body", begin, end, len(body))
	}
	buf := body[begin:end]

	var width int
	switch h.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return Tensor{}, fmt.Errorf("unsupported dtype %s", h.DType)
	}
	if len(buf) != count*width {
		return Tensor{}, fmt.Errorf("%d bytes for %d %s values", len(buf), count, h.DType)
	}

	out := make([]float32, count)
	for i := range out {
		switch h.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		case "F16":
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		case "BF16":
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return Tensor{Shape: append([]int(nil), h.Shape...), Data: out}, nil
}

// binder pulls typed parameters out of Weights and remembers the first
// failure, so layer constructors can read a run of tensors and check once.
type binder struct {
	w   *Weights
	err error
}

func (b *binder) fetch(name string, shape ...int) []float32 {
	if b.err != nil {
		return nil
	}
	t, ok := b.w.tensors[name]
	if !ok {
		b.err = apperrors.WeightLoad("missing tensor "+name, nil).WithDetail("tensor", name)
		return nil
	}
	if !slices.Equal(t.Shape, shape) {
		b.err = apperrors.WeightLoad(fmt.Sprintf("tensor %s has shape %v, want %v", name, t.Shape, shape), nil).
			WithDetail("tensor", name)
		return nil
	}
	return t.Data
}

func (b *binder) vector(name string, n int) []float32 {
	return b.fetch(name, n)
}

func (b *binder) matrix(name string, rows, cols int) *tensor.Matrix {
	data := b.fetch(name, rows, cols)
	if data == nil {
		return nil
	}
	return tensor.MustFromSlice(rows, cols, data)
}

// conv reads a [out, in, k] kernel as an out × (in·k) matrix.
func (b *binder) conv(name string, out, in, k int) *tensor.Matrix {
	data := b.fetch(name, out, in, k)
	if data == nil {
		return nil
	}
	return tensor.MustFromSlice(out, in*k, data)
}
