package gpufuse

import (
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/internal/kernels"
	"github.com/pkg/errors"
)

// WorkloadFactory builds the workloads that execute GpuFuse sketches. Only
// precompiled layers reach this backend after substitution; anything else is
// a wiring error on the host side.
type WorkloadFactory struct {
	mm *backends.MemoryManager
}

// Compile-time check.
var _ backends.WorkloadFactory = (*WorkloadFactory)(nil)

// BackendID implements backends.WorkloadFactory.
func (f *WorkloadFactory) BackendID() backends.BackendID { return ID }

// CreateWorkload implements backends.WorkloadFactory.
func (f *WorkloadFactory) CreateWorkload(l *graph.Layer, inputs, outputs []backends.TensorHandle) (backends.Workload, error) {
	if l.Type() != graph.LayerTypePrecompiled {
		return nil, errors.Errorf("gpufuse: workload factory only executes precompiled layers, got %s", l)
	}
	sketch, ok := l.Precompiled().(*Sketch)
	if !ok {
		return nil, errors.Errorf("gpufuse: %s carries a foreign compiled object (%T), not a GpuFuse sketch",
			l, l.Precompiled())
	}
	prog, err := decodeSketch(sketch.Blob())
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(prog.Inputs) || len(outputs) != 1 {
		return nil, errors.Errorf("gpufuse: %s bound to %d input / %d output handle(s), sketch wants %d / 1",
			l, len(inputs), len(outputs), len(prog.Inputs))
	}
	return &sketchWorkload{prog: prog, inputs: inputs, output: outputs[0]}, nil
}

// sketchWorkload replays a decoded sketch program over its bound handles.
type sketchWorkload struct {
	prog   *program
	inputs []backends.TensorHandle
	output backends.TensorHandle
}

// Execute implements backends.Workload.
func (w *sketchWorkload) Execute() error {
	switch w.prog.Op {
	case "Convolution2d":
		return w.executeConvolution2d()
	}
	return errors.Errorf("gpufuse: sketch has unknown op %q", w.prog.Op)
}

func (w *sketchWorkload) executeConvolution2d() error {
	operands := make([][]float32, len(w.inputs))
	for i, h := range w.inputs {
		raw, err := h.Map(true)
		if err != nil {
			return errors.Wrapf(err, "gpufuse: mapping input %d", i)
		}
		operands[i], err = kernels.FromBytes(h.Info().DType, raw)
		h.Unmap()
		if err != nil {
			return err
		}
	}

	inDims := w.prog.Inputs[0].Dims
	wDims := w.prog.Inputs[1].Dims
	outInfo := w.prog.Output.info()
	geom := kernels.ConvGeom{
		Batch: inDims[0], InHeight: inDims[1], InWidth: inDims[2], InChannels: inDims[3],
		OutHeight: outInfo.Dim(1), OutWidth: outInfo.Dim(2), OutChannels: outInfo.Dim(3),
		KernelHeight: wDims[1], KernelWidth: wDims[2],
		StrideH: w.prog.Conv.StrideH, StrideW: w.prog.Conv.StrideW,
		PadTop: w.prog.Conv.PadTop, PadLeft: w.prog.Conv.PadLeft,
		DilationH: w.prog.Conv.DilationH, DilationW: w.prog.Conv.DilationW,
	}
	var bias []float32
	if w.prog.Conv.BiasEnabled {
		bias = operands[2]
	}
	result := make([]float32, outInfo.Size())
	kernels.Conv2d(result, operands[0], operands[1], bias, geom)

	raw, err := w.output.Map(true)
	if err != nil {
		return errors.Wrapf(err, "gpufuse: mapping output")
	}
	defer w.output.Unmap()
	return kernels.ToBytes(w.output.Info().DType, raw, result)
}
