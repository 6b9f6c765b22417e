package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"time"
)

// FFmpegDecoder shells out to ffmpeg and reads raw f32le mono samples from a
// pipe. ffmpeg handles format detection and resampling.
type FFmpegDecoder struct {
	// Binary overrides the ffmpeg executable name, mainly for tests.
	Binary string
	// Timeout bounds a single decode. Zero means 5 minutes.
	Timeout time.Duration
}

func NewFFmpegDecoder() *FFmpegDecoder { return &FFmpegDecoder{} }

func (d *FFmpegDecoder) Decode(ctx context.Context, path string, sampleRate int) ([]float64, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{
		"-hide_banner", "-v", "error",
		"-i", path,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-f", "f32le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &bytes.Buffer{}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}
	raw := out.Bytes()
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("ffmpeg decode %s: truncated f32le stream (%d bytes)", path, len(raw))
	}
	samples := make([]float64, len(raw)/4)
	for i := range samples {
		u := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = float64(math.Float32frombits(u))
	}
	return samples, nil
}
