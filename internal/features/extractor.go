// Package features derives fixed-shape MFCC tensors and scalar audio
// statistics from decoded waveforms.
package features

import (
	"context"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"sampsort/internal/audio"
	"sampsort/internal/config"
)

// ReasonTooShort marks audio shorter than the configured minimum duration.
const ReasonTooShort = "too_short"

// Failure is the typed per-file extraction failure. It is data, not an
// error: the engine records it and moves on.
type Failure struct {
	Reason string
}

// Stats are informational scalar descriptors computed on the pre-padding
// waveform. They never affect classification.
type Stats struct {
	DurationSec      float64
	RMSDB            float64
	SpectralCentroid float64
	SpectralRolloff  float64
}

// Features is a successful extraction: one MFCC matrix of constant shape
// (coefficients x frames) plus optional statistics.
type Features struct {
	MFCC  [][]float64
	Stats *Stats
}

// Extractor computes MFCC features with fixed parameters so every item in a
// run produces the same tensor shape.
type Extractor struct {
	TargetSampleRate int
	TargetSamples    int
	NumMFCC          int
	NumMels          int
	FFTSize          int
	HopSize          int
	Normalize        bool
	MinDurationSec   float64

	decoder audio.Decoder
	fft     *fourier.FFT
	dct     *fourier.DCT
	melBank [][]float64
}

// rolloffFraction is the spectral-rolloff energy cutoff.
const rolloffFraction = 0.85

// defaultNumMels is the mel filterbank size backing the MFCC computation.
const defaultNumMels = 128

// New builds an Extractor from the feature configuration.
func New(cfg config.Features, dec audio.Decoder) *Extractor {
	e := &Extractor{
		TargetSampleRate: cfg.TargetSampleRate,
		TargetSamples:    cfg.TargetSamples,
		NumMFCC:          cfg.NumMFCC,
		NumMels:          defaultNumMels,
		FFTSize:          cfg.FFTSize,
		HopSize:          cfg.HopSize,
		Normalize:        cfg.Normalize,
		MinDurationSec:   cfg.MinDurationSec,
		decoder:          dec,
	}
	if e.NumMels < e.NumMFCC {
		e.NumMels = e.NumMFCC
	}
	e.fft = fourier.NewFFT(e.FFTSize)
	e.dct = fourier.NewDCT(e.NumMels)
	e.melBank = melFilterBank(e.NumMels, e.FFTSize, e.TargetSampleRate)
	return e
}

// Frames returns the constant time-frame count of the MFCC matrix.
func (e *Extractor) Frames() int {
	if e.TargetSamples < e.FFTSize {
		return 1
	}
	return 1 + (e.TargetSamples-e.FFTSize)/e.HopSize
}

// Extract decodes path and computes its MFCC matrix. On any decode failure
// the error text becomes the Failure reason; this is the only place raw
// failures turn into data.
func (e *Extractor) Extract(ctx context.Context, path string, withStats bool) (*Features, *Failure) {
	samples, err := e.decoder.Decode(ctx, path, e.TargetSampleRate)
	if err != nil {
		return nil, &Failure{Reason: err.Error()}
	}

	if float64(len(samples)) < e.MinDurationSec*float64(e.TargetSampleRate) {
		return nil, &Failure{Reason: ReasonTooShort}
	}

	out := &Features{}
	if withStats {
		out.Stats = e.computeStats(samples)
	}

	fixed := fixLength(samples, e.TargetSamples)
	out.MFCC = e.mfcc(fixed)
	if e.Normalize {
		peakNormalize(out.MFCC)
	}
	return out, nil
}

// fixLength pads with silence then truncates to n samples, so batching is
// uniform and deterministic.
func fixLength(samples []float64, n int) []float64 {
	if len(samples) == n {
		return samples
	}
	out := make([]float64, n)
	copy(out, samples)
	return out
}

func (e *Extractor) mfcc(samples []float64) [][]float64 {
	spec := e.powerSpectrogram(samples)

	frames := len(spec)
	mel := make([]float64, e.NumMels)
	coefBuf := make([]float64, e.NumMels)
	out := make([][]float64, e.NumMFCC)
	for c := range out {
		out[c] = make([]float64, frames)
	}
	for t, power := range spec {
		for m, filter := range e.melBank {
			var sum float64
			for k, w := range filter {
				if w != 0 {
					sum += w * power[k]
				}
			}
			mel[m] = math.Log(sum + 1e-10)
		}
		coefs := e.dct.Transform(coefBuf, mel)
		for c := 0; c < e.NumMFCC; c++ {
			out[c][t] = coefs[c]
		}
	}
	return out
}

// powerSpectrogram frames the signal with a Hann window and returns the
// per-frame power spectrum over positive frequencies.
func (e *Extractor) powerSpectrogram(samples []float64) [][]float64 {
	n, hop := e.FFTSize, e.HopSize
	frames := 1
	if len(samples) >= n {
		frames = 1 + (len(samples)-n)/hop
	}
	bins := n/2 + 1
	spec := make([][]float64, frames)
	buf := make([]float64, n)
	for t := 0; t < frames; t++ {
		start := t * hop
		for k := 0; k < n; k++ {
			if start+k < len(samples) {
				buf[k] = samples[start+k]
			} else {
				buf[k] = 0
			}
		}
		window.Hann(buf)
		coeffs := e.fft.Coefficients(nil, buf)
		power := make([]float64, bins)
		for k := 0; k < bins && k < len(coeffs); k++ {
			re, im := real(coeffs[k]), imag(coeffs[k])
			power[k] = re*re + im*im
		}
		spec[t] = power
	}
	return spec
}

// peakNormalize scales the matrix by its global absolute maximum.
func peakNormalize(m [][]float64) {
	var peak float64
	for _, row := range m {
		for _, v := range row {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}
	if peak == 0 {
		return
	}
	inv := 1 / peak
	for _, row := range m {
		for i := range row {
			row[i] *= inv
		}
	}
}

func hzToMel(hz float64) float64  { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterBank builds numMels triangular filters over the positive-frequency
// FFT bins, evenly spaced on the mel scale from 0 Hz to Nyquist.
func melFilterBank(numMels, fftSize, sampleRate int) [][]float64 {
	bins := fftSize/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)

	centers := make([]float64, numMels+2)
	for i := range centers {
		hz := melToHz(maxMel * float64(i) / float64(numMels+1))
		centers[i] = hz * float64(fftSize) / float64(sampleRate)
	}

	bank := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		filter := make([]float64, bins)
		left, center, right := centers[m], centers[m+1], centers[m+2]
		for k := 0; k < bins; k++ {
			f := float64(k)
			switch {
			case f > left && f < center:
				filter[k] = (f - left) / (center - left)
			case f >= center && f < right:
				filter[k] = (right - f) / (right - center)
			}
		}
		bank[m] = filter
	}
	return bank
}

func (e *Extractor) computeStats(samples []float64) *Stats {
	sr := float64(e.TargetSampleRate)
	st := &Stats{DurationSec: float64(len(samples)) / sr}

	var sumsq float64
	for _, s := range samples {
		sumsq += s * s
	}
	rms := math.Sqrt(sumsq / float64(len(samples)))
	st.RMSDB = 20 * math.Log10(rms+1e-10)

	spec := e.powerSpectrogram(samples)
	binHz := sr / float64(e.FFTSize)
	var centroidSum, rolloffSum float64
	for _, power := range spec {
		var total, weighted float64
		for k, p := range power {
			mag := math.Sqrt(p)
			total += mag
			weighted += mag * float64(k) * binHz
		}
		if total > 0 {
			centroidSum += weighted / total
		}
		var cum float64
		cutoff := rolloffFraction * total
		for k, p := range power {
			cum += math.Sqrt(p)
			if cum >= cutoff {
				rolloffSum += float64(k) * binHz
				break
			}
		}
	}
	if n := float64(len(spec)); n > 0 {
		st.SpectralCentroid = centroidSum / n
		st.SpectralRolloff = rolloffSum / n
	}
	return st
}
