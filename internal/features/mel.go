// Package features turns a 16 kHz waveform into the fixed-size log-mel
// spectrogram the Whisper encoder consumes.
package features

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/obiente/gowhisper/internal/tensor"
)

const (
	// NFFT is the STFT window length in samples (25 ms).
	NFFT = 400
	// HopLength is the STFT stride in samples (10 ms).
	HopLength = 160
	// SampleRate is the rate the filter bank is built for.
	SampleRate = 16000

	nFreq = NFFT/2 + 1
)

// Spectrogram is an n_mels × n_frames log-mel matrix.
type Spectrogram struct {
	*tensor.Matrix
}

// MelBins returns the frequency dimension.
func (s Spectrogram) MelBins() int { return s.Rows }

// Frames returns the time dimension.
func (s Spectrogram) Frames() int { return s.Cols }

// Extractor computes log-mel spectrograms of a fixed frame count. It holds
// only read-only tables and is safe for concurrent use.
type Extractor struct {
	nMels   int
	nFrames int
	window  []float64
	filters *tensor.Matrix
	backend tensor.Backend
}

// NewExtractor builds an extractor producing nMels × nFrames spectrograms.
func NewExtractor(nMels, nFrames int, backend tensor.Backend) (*Extractor, error) {
	if nMels <= 0 || nFrames <= 0 {
		return nil, fmt.Errorf("features: invalid shape %d mels x %d frames", nMels, nFrames)
	}
	return &Extractor{
		nMels:   nMels,
		nFrames: nFrames,
		window:  hannWindow(NFFT),
		filters: MelFilterBank(nMels, NFFT, SampleRate),
		backend: backend,
	}, nil
}

// Samples returns the waveform length the extractor pads or trims to.
func (e *Extractor) Samples() int { return e.nFrames * HopLength }

// Frames returns the fixed time dimension of every spectrogram.
func (e *Extractor) Frames() int { return e.nFrames }

// Extract computes the log-mel spectrogram of samples, which must already be
// 16 kHz mono. The input is zero padded or truncated to Samples().
func (e *Extractor) Extract(samples []float32) Spectrogram {
	audio := PadOrTrim(samples, e.Samples())
	power := e.powerSpectrum(audio)

	// (frames × freq) · (mels × freq)ᵀ = frames × mels
	mel := e.backend.MatMulT(power, e.filters)

	logMel := tensor.New(e.nMels, e.nFrames)
	maxV := math.Inf(-1)
	for t := 0; t < e.nFrames; t++ {
		row := mel.Row(t)
		for m, v := range row {
			lv := math.Log10(math.Max(float64(v), 1e-10))
			logMel.Set(m, t, float32(lv))
			if lv > maxV {
				maxV = lv
			}
		}
	}
	floor := float32(maxV - 8)
	for i, v := range logMel.Data {
		if v < floor {
			v = floor
		}
		logMel.Data[i] = (v + 4) / 4
	}

	log.Debug().
		Int("samples", len(samples)).
		Int("mels", e.nMels).
		Int("frames", e.nFrames).
		Msg("features: log-mel computed")
	return Spectrogram{Matrix: logMel}
}

// powerSpectrum runs a centred, reflect-padded STFT and returns the squared
// magnitudes of the first nFrames frames.
func (e *Extractor) powerSpectrum(audio []float32) *tensor.Matrix {
	pad := NFFT / 2
	n := len(audio)
	padded := make([]float64, n+2*pad)
	for i := range padded {
		padded[i] = float64(audio[reflectIndex(i-pad, n)])
	}

	fft := fourier.NewFFT(NFFT)
	frame := make([]float64, NFFT)
	coeffs := make([]complex128, nFreq)
	power := tensor.New(e.nFrames, nFreq)
	for t := 0; t < e.nFrames; t++ {
		start := t * HopLength
		for i := 0; i < NFFT; i++ {
			frame[i] = padded[start+i] * e.window[i]
		}
		coeffs = fft.Coefficients(coeffs, frame)
		row := power.Row(t)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			row[k] = float32(re*re + im*im)
		}
	}
	return power
}

// PadOrTrim returns exactly n samples: a prefix of samples, zero padded.
func PadOrTrim(samples []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, samples)
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// hannWindow returns a periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// MelFilterBank builds an nMels × (nFFT/2+1) slaney-scale, slaney-normalised
// triangular filter bank spanning 0 Hz to the Nyquist frequency.
func MelFilterBank(nMels, nFFT, sampleRate int) *tensor.Matrix {
	bins := nFFT/2 + 1
	fftFreqs := make([]float64, bins)
	nyquist := float64(sampleRate) / 2
	for i := range fftFreqs {
		fftFreqs[i] = nyquist * float64(i) / float64(bins-1)
	}

	minMel, maxMel := hzToMel(0), hzToMel(nyquist)
	melF := make([]float64, nMels+2)
	for i := range melF {
		melF[i] = melToHz(minMel + (maxMel-minMel)*float64(i)/float64(nMels+1))
	}

	fb := tensor.New(nMels, bins)
	for m := 0; m < nMels; m++ {
		lowerW := melF[m+1] - melF[m]
		upperW := melF[m+2] - melF[m+1]
		enorm := 2 / (melF[m+2] - melF[m])
		row := fb.Row(m)
		for k, f := range fftFreqs {
			lower := (f - melF[m]) / lowerW
			upper := (melF[m+2] - f) / upperW
			w := math.Max(0, math.Min(lower, upper))
			row[k] = float32(w * enorm)
		}
	}
	return fb
}

const (
	melFSp     = 200.0 / 3
	melMinLog  = 1000.0
	melLogStep = 0.06875177742094912 // ln(6.4) / 27
)

var melMinLogMel = melMinLog / melFSp

func hzToMel(f float64) float64 {
	if f < melMinLog {
		return f / melFSp
	}
	return melMinLogMel + math.Log(f/melMinLog)/melLogStep
}

func melToHz(m float64) float64 {
	if m < melMinLogMel {
		return m * melFSp
	}
	return melMinLog * math.Exp(melLogStep*(m-melMinLogMel))
}
