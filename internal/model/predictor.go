// Package model abstracts the classification model behind a single batch
// prediction capability. The pipeline never assumes a specific runtime.
package model

import (
	"context"
	"fmt"

	"sampsort/internal/config"
)

// Predictor maps a batch of fixed-shape feature tensors to one probability
// vector per tensor.
type Predictor interface {
	// OutputDim is the number of classes in each probability vector.
	OutputDim() int
	// Predict returns probabilities[i] for batch[i]. Every tensor in the
	// batch must have the same shape.
	Predict(ctx context.Context, batch [][][]float64) ([][]float64, error)
	Close() error
}

// NewFromConfig returns the configured prediction backend.
func NewFromConfig(cfg config.Model) (Predictor, error) {
	switch cfg.Backend {
	case "tflite":
		return NewTFLite(cfg.Path, cfg.Threads)
	case "command":
		return NewCommand(cfg.Command, cfg.OutputDim), nil
	default:
		return nil, fmt.Errorf("unsupported model backend: %s", cfg.Backend)
	}
}

// flatten packs a coefficient-by-frame matrix into a row-major float32
// slice, appending to dst.
func flatten(dst []float32, tensor [][]float64) []float32 {
	for _, row := range tensor {
		for _, v := range row {
			dst = append(dst, float32(v))
		}
	}
	return dst
}

// checkShape verifies the batch is uniformly shaped and returns rows, cols.
func checkShape(batch [][][]float64) (int, int, error) {
	if len(batch) == 0 {
		return 0, 0, fmt.Errorf("empty batch")
	}
	rows := len(batch[0])
	if rows == 0 {
		return 0, 0, fmt.Errorf("empty tensor in batch")
	}
	cols := len(batch[0][0])
	for i, t := range batch {
		if len(t) != rows || len(t[0]) != cols {
			return 0, 0, fmt.Errorf("tensor %d has shape %dx%d, want %dx%d", i, len(t), len(t[0]), rows, cols)
		}
	}
	return rows, cols, nil
}
