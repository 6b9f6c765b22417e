// Package audio turns files on disk into mono waveforms at a fixed sample
// rate. The rest of the pipeline never sees codecs or channel layouts.
package audio

import "context"

// Decoder decodes an audio file into a mono waveform at the requested
// sample rate, resampling if the container rate differs.
type Decoder interface {
	Decode(ctx context.Context, path string, sampleRate int) ([]float64, error)
}

// Fallback tries decoders in order and returns the first success. It mirrors
// a fast native path backed by a catch-all subprocess path.
type Fallback struct {
	Decoders []Decoder
}

// NewFallback returns the default decode ladder: native WAV first, ffmpeg
// for everything else.
func NewFallback() *Fallback {
	return &Fallback{Decoders: []Decoder{NewWAVDecoder(), NewFFmpegDecoder()}}
}

func (f *Fallback) Decode(ctx context.Context, path string, sampleRate int) ([]float64, error) {
	var lastErr error
	for _, d := range f.Decoders {
		samples, err := d.Decode(ctx, path, sampleRate)
		if err == nil {
			return samples, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
