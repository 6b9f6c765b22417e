package model

import (
	"context"
	"fmt"
	"runtime"

	"github.com/mattn/go-tflite"
)

// TFLite runs a TensorFlow Lite model in-process. The interpreter is
// allocated once with a batch dimension of one; Predict feeds the batch
// through it item by item, which is the serialization point anyway.
type TFLite struct {
	model     *tflite.Model
	interp    *tflite.Interpreter
	outputDim int
}

// NewTFLite loads the model at path. threads <= 0 selects NumCPU.
func NewTFLite(path string, threads int) (*TFLite, error) {
	m := tflite.NewModelFromFile(path)
	if m == nil {
		return nil, fmt.Errorf("cannot load tflite model %s", path)
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	opts := tflite.NewInterpreterOptions()
	opts.SetNumThread(threads)
	interp := tflite.NewInterpreter(m, opts)
	if interp == nil {
		m.Delete()
		return nil, fmt.Errorf("cannot create tflite interpreter for %s", path)
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		m.Delete()
		return nil, fmt.Errorf("cannot allocate tensors for %s", path)
	}

	out := interp.GetOutputTensor(0)
	if out == nil {
		interp.Delete()
		m.Delete()
		return nil, fmt.Errorf("model %s has no output tensor", path)
	}
	dim := out.Dim(out.NumDims() - 1)
	if dim <= 0 {
		interp.Delete()
		m.Delete()
		return nil, fmt.Errorf("model %s reports output dimension %d", path, dim)
	}
	return &TFLite{model: m, interp: interp, outputDim: dim}, nil
}

func (t *TFLite) OutputDim() int { return t.outputDim }

func (t *TFLite) Predict(ctx context.Context, batch [][][]float64) ([][]float64, error) {
	rows, cols, err := checkShape(batch)
	if err != nil {
		return nil, err
	}
	input := t.interp.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("tflite: no input tensor")
	}
	in := input.Float32s()
	if len(in) != rows*cols {
		return nil, fmt.Errorf("tflite: input tensor holds %d floats, want %d (%dx%d)",
			len(in), rows*cols, rows, cols)
	}

	probs := make([][]float64, len(batch))
	scratch := make([]float32, 0, rows*cols)
	for i, tensor := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scratch = flatten(scratch[:0], tensor)
		copy(in, scratch)
		if status := t.interp.Invoke(); status != tflite.OK {
			return nil, fmt.Errorf("tflite: invoke failed on batch item %d", i)
		}
		out := t.interp.GetOutputTensor(0).Float32s()
		if len(out) != t.outputDim {
			return nil, fmt.Errorf("tflite: output has %d classes, want %d", len(out), t.outputDim)
		}
		row := make([]float64, t.outputDim)
		for k, v := range out {
			row[k] = float64(v)
		}
		probs[i] = row
	}
	return probs, nil
}

func (t *TFLite) Close() error {
	t.interp.Delete()
	t.model.Delete()
	return nil
}
