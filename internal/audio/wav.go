package audio

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mjibson/go-dsp/wav"
)

// WAVDecoder reads PCM WAV files natively, without spawning a subprocess.
type WAVDecoder struct{}

func NewWAVDecoder() *WAVDecoder { return &WAVDecoder{} }

// Decode reads path, downmixes to mono and resamples to sampleRate.
func (d *WAVDecoder) Decode(ctx context.Context, path string, sampleRate int) ([]float64, error) {
	if !strings.EqualFold(".wav", ext(path)) {
		return nil, fmt.Errorf("not a wav file: %s", path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w, err := wav.New(f)
	if err != nil {
		return nil, fmt.Errorf("wav decode %s: %w", path, err)
	}
	raw, err := w.ReadFloats(w.Samples)
	if err != nil {
		return nil, fmt.Errorf("wav read %s: %w", path, err)
	}

	mono := downmix(raw, int(w.NumChannels))
	if int(w.SampleRate) != sampleRate {
		mono = Resample(mono, int(w.SampleRate), sampleRate)
	}
	return mono, nil
}

func ext(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

// downmix averages interleaved channels into one.
func downmix(interleaved []float32, channels int) []float64 {
	if channels <= 1 {
		out := make([]float64, len(interleaved))
		for i, s := range interleaved {
			out[i] = float64(s)
		}
		return out
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(interleaved[i*channels+c])
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Resample converts samples from srcRate to dstRate by linear interpolation.
// Good enough for classification features; exact band-limited resampling is
// the ffmpeg path's job.
func Resample(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(srcRate) / float64(dstRate)
	n := int(float64(len(samples)) / ratio)
	if n == 0 {
		n = 1
	}
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
