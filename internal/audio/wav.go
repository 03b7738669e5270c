package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/wav"

	apperrors "github.com/obiente/gowhisper/internal/errors"
)

// SampleRate is the only rate the model accepts.
const SampleRate = 16000

const wavFormatIEEEFloat = 3

// Waveform is a decoded, normalised sample sequence. Multi-channel audio is
// kept interleaved so Validate can reject it.
type Waveform struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Validate fails with InvalidAudioFormat unless the waveform is 16 kHz mono.
func (w Waveform) Validate() error {
	if w.SampleRate != SampleRate || w.Channels != 1 {
		return apperrors.InvalidAudioFormat(w.SampleRate, w.Channels)
	}
	return nil
}

// Duration returns the length in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 || w.Channels <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.Channels) / float64(w.SampleRate)
}

// Mono wraps 16 kHz single-channel samples.
func Mono(samples []float32) Waveform {
	return Waveform{Samples: samples, SampleRate: SampleRate, Channels: 1}
}

// LoadWAV reads and decodes a WAV file.
func LoadWAV(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	return decodeWAV(f)
}

// DecodeWAV decodes a WAV blob into normalised float32 samples.
func DecodeWAV(b []byte) (Waveform, error) {
	return decodeWAV(bytes.NewReader(b))
}

func decodeWAV(r io.ReadSeeker) (Waveform, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Waveform{}, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && err != io.EOF {
		return Waveform{}, err
	}
	if buf == nil {
		return Waveform{}, errors.New("empty wav buffer")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}

	out := make([]float32, len(buf.Data))
	if dec.WavAudioFormat == wavFormatIEEEFloat && bitDepth == 32 {
		// The decoder hands back the raw 32-bit words; reinterpret them.
		for i, v := range buf.Data {
			out[i] = math.Float32frombits(uint32(v))
		}
	} else {
		maxInt := float32(int64(1)<<(bitDepth-1) - 1)
		for i, v := range buf.Data {
			out[i] = float32(v) / maxInt
		}
	}

	sr := int(dec.SampleRate)
	if sr == 0 && buf.Format != nil {
		sr = buf.Format.SampleRate
	}
	ch := int(dec.NumChans)
	if ch == 0 && buf.Format != nil {
		ch = buf.Format.NumChannels
	}
	return Waveform{Samples: out, SampleRate: sr, Channels: ch}, nil
}

// DecodePCM16LEToFloat32 converts little-endian PCM16 bytes into float32 samples and returns the given sample rate.
func DecodePCM16LEToFloat32(b []byte, sampleRate int) ([]float32, int, error) {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	if len(b)%2 != 0 {
		return nil, 0, errors.New("pcm16 length must be even")
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		out[i] = float32(v) / 32767.0
	}
	return out, sampleRate, nil
}

// ResampleLinear resamples PCM32F from inRate to outRate using linear interpolation.
func ResampleLinear(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(float64(len(samples)) * ratio)
	if outLen <= 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcPos - float64(i0))
		s0 := samples[i0]
		s1 := samples[i0+1]
		out[i] = s0 + (s1-s0)*frac
	}
	return out
}

// Conform downmixes interleaved channels by averaging and resamples to
// 16 kHz. The streaming and REST surfaces use it; the pipeline itself
// rejects anything but 16 kHz mono.
func Conform(w Waveform) Waveform {
	samples := w.Samples
	if w.Channels > 1 {
		frames := len(samples) / w.Channels
		mono := make([]float32, frames)
		for i := range mono {
			var sum float32
			for c := 0; c < w.Channels; c++ {
				sum += samples[i*w.Channels+c]
			}
			mono[i] = sum / float32(w.Channels)
		}
		samples = mono
	}
	if w.SampleRate > 0 && w.SampleRate != SampleRate {
		samples = ResampleLinear(samples, w.SampleRate, SampleRate)
	}
	return Mono(samples)
}
