package model

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	apperrors "github.com/obiente/gowhisper/internal/errors"
)

// encodeSafetensors serialises tensors in name order with one dtype.
func encodeSafetensors(t *testing.T, tensors map[string]Tensor, dtype string) []byte {
	t.Helper()
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var body bytes.Buffer
	for _, n := range names {
		tt := tensors[n]
		begin := body.Len()
		for _, v := range tt.Data {
			switch dtype {
			case "F32":
				_ = binary.Write(&body, binary.LittleEndian, math.Float32bits(v))
			case "F16":
				_ = binary.Write(&body, binary.LittleEndian, float16.Fromfloat32(v).Bits())
			case "BF16":
				_ = binary.Write(&body, binary.LittleEndian, uint16(math.Float32bits(v)>>16))
			}
		}
		header[n] = map[string]any{
			"dtype":        dtype,
			"shape":        tt.Shape,
			"data_offsets": []int{begin, body.Len()},
		}
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, uint64(len(hdr)))
	out.Write(hdr)
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestParseSafetensors_DTypes(t *testing.T) {
	src := map[string]Tensor{
		"a": {Shape: []int{2, 2}, Data: []float32{1.5, -2, 0.25, 0}},
		"b": {Shape: []int{3}, Data: []float32{8, -0.5, 3}},
	}
	for _, dtype := range []string{"F32", "F16", "BF16"} {
		t.Run(dtype, func(t *testing.T) {
			w, err := ParseSafetensors(encodeSafetensors(t, src, dtype))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if w.Len() != 2 {
				t.Fatalf("expected 2 tensors, got %v", w.Names())
			}
			for name, want := range src {
				got := w.tensors[name]
				if len(got.Shape) != len(want.Shape) {
					t.Fatalf("%s: expected shape %v, got %v", name, want.Shape, got.Shape)
				}
				for i := range want.Data {
					if got.Data[i] != want.Data[i] {
						t.Errorf("%s[%d]: expected %g, got %g", name, i, want.Data[i], got.Data[i])
					}
				}
			}
		})
	}
}

func TestParseSafetensors_Malformed(t *testing.T) {
	good := encodeSafetensors(t, map[string]Tensor{"a": {Shape: []int{2}, Data: []float32{1, 2}}}, "F32")

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header past end", append([]byte{0xff, 0xff, 0, 0, 0, 0, 0, 0}, good[8:]...)},
		{"truncated body", good[:len(good)-4]},
		{"bad json", append([]byte{1, 0, 0, 0, 0, 0, 0, 0}, '{')},
	}
	for _, tt := range tests {
		if _, err := ParseSafetensors(tt.data); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestParseSafetensors_UnsupportedDType(t *testing.T) {
	hdr := []byte(`{"a":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`)
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hdr)))
	buf.Write(hdr)
	buf.Write(make([]byte, 8))
	if _, err := ParseSafetensors(buf.Bytes()); err == nil {
		t.Error("expected error for I64 tensor")
	}
}

func TestLoadWeights_MissingFile(t *testing.T) {
	_, err := LoadWeights(filepath.Join(t.TempDir(), "none.safetensors"))
	if !apperrors.HasCode(err, apperrors.ErrCodeWeightLoad) {
		t.Errorf("expected WEIGHT_LOAD_ERROR, got %v", err)
	}
}

func TestLoadWeights_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	data := encodeSafetensors(t, map[string]Tensor{"x": {Shape: []int{1}, Data: []float32{4}}}, "F32")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := LoadWeights(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := w.tensors["x"].Data[0]; got != 4 {
		t.Errorf("expected 4, got %g", got)
	}
}

func TestBinder_Errors(t *testing.T) {
	w := NewWeights(map[string]Tensor{"m": {Shape: []int{2, 3}, Data: make([]float32, 6)}})

	b := &binder{w: w}
	if m := b.matrix("m", 2, 3); m == nil || b.err != nil {
		t.Fatalf("expected matrix, got err %v", b.err)
	}

	b = &binder{w: w}
	b.matrix("m", 3, 2)
	if !apperrors.HasCode(b.err, apperrors.ErrCodeWeightLoad) {
		t.Errorf("expected WEIGHT_LOAD_ERROR for shape mismatch, got %v", b.err)
	}

	b = &binder{w: w}
	b.vector("absent", 4)
	b.matrix("m", 2, 3)
	if !apperrors.HasCode(b.err, apperrors.ErrCodeWeightLoad) {
		t.Errorf("expected WEIGHT_LOAD_ERROR for missing tensor, got %v", b.err)
	}
}
