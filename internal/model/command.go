package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"

	"context"
)

// Command runs a model-server executable once per batch. The batch is fed on
// stdin as a JSON shape header line followed by raw little-endian float32
// data; the server answers with one JSON probability array per input line on
// stdout.
type Command struct {
	argv      []string
	outputDim int
}

// NewCommand builds a subprocess-backed predictor. outputDim comes from
// configuration since the server's model is not introspectable.
func NewCommand(argv []string, outputDim int) *Command {
	return &Command{argv: argv, outputDim: outputDim}
}

func (c *Command) OutputDim() int { return c.outputDim }

type batchHeader struct {
	Batch int `json:"batch"`
	Rows  int `json:"rows"`
	Cols  int `json:"cols"`
}

func (c *Command) Predict(ctx context.Context, batch [][][]float64) ([][]float64, error) {
	rows, cols, err := checkShape(batch)
	if err != nil {
		return nil, err
	}

	var stdin bytes.Buffer
	header, err := json.Marshal(batchHeader{Batch: len(batch), Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}
	stdin.Write(header)
	stdin.WriteByte('\n')

	flat := make([]float32, 0, len(batch)*rows*cols)
	for _, tensor := range batch {
		flat = flatten(flat, tensor)
	}
	raw := make([]byte, 4*len(flat))
	for i, v := range flat {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	stdin.Write(raw)

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("model command %q: %w (%s)", c.argv[0], err, bytes.TrimSpace(stderr.Bytes()))
	}

	probs := make([][]float64, 0, len(batch))
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row []float64
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("model command %q: invalid probability row: %w", c.argv[0], err)
		}
		if len(row) != c.outputDim {
			return nil, fmt.Errorf("model command %q: probability row has %d classes, want %d",
				c.argv[0], len(row), c.outputDim)
		}
		probs = append(probs, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(probs) != len(batch) {
		return nil, fmt.Errorf("model command %q: got %d probability rows for %d inputs",
			c.argv[0], len(probs), len(batch))
	}
	return probs, nil
}

func (c *Command) Close() error { return nil }
