package refcpu

import (
	"github.com/gomlx/exceptions"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/internal/kernels"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/pkg/errors"
)

// compiledOp is the reference backend's compiled representation: the layer's
// operator, parameters and resolved tensor infos, bound at optimization
// time. Nothing to release -- Release exists to satisfy the ownership
// contract of precompiled layers.
type compiledOp struct {
	layerType graph.LayerType
	params    any
	inputs    []tensor.Info
	output    tensor.Info
}

// Compile-time check.
var _ graph.PrecompiledObject = (*compiledOp)(nil)

// Release implements graph.PrecompiledObject.
func (c *compiledOp) Release() {}

// compileLayer builds a compiledOp for supported layers, (nil, false)
// otherwise.
func (b *Backend) compileLayer(l *graph.Layer) (graph.PrecompiledObject, bool) {
	switch l.Type() {
	case graph.LayerTypeAdd, graph.LayerTypeMultiply, graph.LayerTypeActivation,
		graph.LayerTypeSoftmax, graph.LayerTypeFullyConnected, graph.LayerTypeConvolution2d:
		inputs, outputs := backends.ResolveLayerInfos(l)
		if !b.support.IsLayerSupported(l.Type(), inputs, outputs, l.Parameters()) {
			return nil, false
		}
		return &compiledOp{layerType: l.Type(), params: l.Parameters(), inputs: inputs, output: outputs[0]}, true
	default:
		return nil, false
	}
}

// WorkloadFactory builds reference workloads. Besides the backend's own
// precompiled nodes it accepts plain compute layers and constants, serving
// as the pipeline's default execution path.
type WorkloadFactory struct {
	mm *backends.MemoryManager
}

// Compile-time check.
var _ backends.WorkloadFactory = (*WorkloadFactory)(nil)

// BackendID implements backends.WorkloadFactory.
func (f *WorkloadFactory) BackendID() backends.BackendID { return ID }

// CreateWorkload implements backends.WorkloadFactory.
func (f *WorkloadFactory) CreateWorkload(l *graph.Layer, inputs, outputs []backends.TensorHandle) (backends.Workload, error) {
	switch l.Type() {
	case graph.LayerTypePrecompiled:
		op, ok := l.Precompiled().(*compiledOp)
		if !ok {
			return nil, errors.Errorf("refcpu: %s carries a foreign compiled object (%T)", l, l.Precompiled())
		}
		if len(inputs) != len(op.inputs) || len(outputs) != 1 {
			return nil, errors.Errorf("refcpu: %s bound to %d input / %d output handle(s), want %d / 1",
				l, len(inputs), len(outputs), len(op.inputs))
		}
		return &opWorkload{op: op, inputs: inputs, output: outputs[0]}, nil

	case graph.LayerTypeConstant:
		params, ok := l.Parameters().(graph.ConstantParams)
		if !ok || params.Data == nil {
			return nil, errors.Errorf("refcpu: constant %s has no data to materialize", l)
		}
		if len(outputs) != 1 {
			return nil, errors.Errorf("refcpu: constant %s bound to %d output handle(s), want 1", l, len(outputs))
		}
		return &constWorkload{data: params.Data, output: outputs[0]}, nil

	case graph.LayerTypeInput, graph.LayerTypeOutput:
		return nil, errors.Errorf("refcpu: %s layers are bound by the host, not executed as workloads", l.Type())

	default:
		// A plain layer left on the default path: compile it on the spot.
		var op *compiledOp
		err := exceptions.TryCatch[error](func() {
			compiled, ok := f.compilePlain(l)
			if !ok {
				exceptions.Panicf("refcpu: layer %s is not executable by the reference path", l)
			}
			op = compiled
		})
		if err != nil {
			return nil, err
		}
		if len(inputs) != len(op.inputs) || len(outputs) != 1 {
			return nil, errors.Errorf("refcpu: %s bound to %d input / %d output handle(s), want %d / 1",
				l, len(inputs), len(outputs), len(op.inputs))
		}
		return &opWorkload{op: op, inputs: inputs, output: outputs[0]}, nil
	}
}

func (f *WorkloadFactory) compilePlain(l *graph.Layer) (*compiledOp, bool) {
	inputs, outputs := backends.ResolveLayerInfos(l)
	var support LayerSupport
	if !support.IsLayerSupported(l.Type(), inputs, outputs, l.Parameters()) {
		return nil, false
	}
	return &compiledOp{layerType: l.Type(), params: l.Parameters(), inputs: inputs, output: outputs[0]}, true
}

// constWorkload materializes a constant's data into its output handle.
// It runs once, at network load time.
type constWorkload struct {
	data   []byte
	output backends.TensorHandle
}

// Execute implements backends.Workload.
func (w *constWorkload) Execute() error {
	return w.output.CopyIn(w.data)
}

// opWorkload executes one reference operator over its bound handles.
type opWorkload struct {
	op     *compiledOp
	inputs []backends.TensorHandle
	output backends.TensorHandle
}

// Execute implements backends.Workload.
func (w *opWorkload) Execute() error {
	operands := make([][]float32, len(w.inputs))
	for i, h := range w.inputs {
		raw, err := h.Map(true)
		if err != nil {
			return errors.Wrapf(err, "refcpu: mapping input %d of %s", i, w.op.layerType)
		}
		operands[i], err = kernels.FromBytes(h.Info().DType, raw)
		h.Unmap()
		if err != nil {
			return err
		}
	}

	out := w.op.output
	result := make([]float32, out.Size())
	switch w.op.layerType {
	case graph.LayerTypeAdd:
		kernels.Add(result, operands[0], operands[1])
	case graph.LayerTypeMultiply:
		kernels.Multiply(result, operands[0], operands[1])
	case graph.LayerTypeActivation:
		switch w.op.params.(graph.ActivationParams).Function {
		case graph.ActivationReLU:
			kernels.ReLU(result, operands[0])
		case graph.ActivationSigmoid:
			kernels.Sigmoid(result, operands[0])
		default:
			return errors.Errorf("refcpu: unknown activation function %v", w.op.params)
		}
	case graph.LayerTypeSoftmax:
		kernels.Softmax(result, operands[0], w.op.params.(graph.SoftmaxParams).Beta, out.Dim(-1))
	case graph.LayerTypeFullyConnected:
		var bias []float32
		if len(operands) > 2 {
			bias = operands[2]
		}
		kernels.FullyConnected(result, operands[0], operands[1], bias,
			w.op.inputs[0].Dim(0), w.op.inputs[0].Dim(1), out.Dim(1))
	case graph.LayerTypeConvolution2d:
		p := w.op.params.(graph.Convolution2dParams)
		in, weights := w.op.inputs[0], w.op.inputs[1]
		var bias []float32
		if p.BiasEnabled {
			bias = operands[2]
		}
		kernels.Conv2d(result, operands[0], operands[1], bias, kernels.ConvGeom{
			Batch: in.Dim(0), InHeight: in.Dim(1), InWidth: in.Dim(2), InChannels: in.Dim(3),
			OutHeight: out.Dim(1), OutWidth: out.Dim(2), OutChannels: out.Dim(3),
			KernelHeight: weights.Dim(1), KernelWidth: weights.Dim(2),
			StrideH: p.StrideH, StrideW: p.StrideW,
			PadTop: p.PadTop, PadLeft: p.PadLeft,
			DilationH: p.DilationH, DilationW: p.DilationW,
		})
	default:
		return errors.Errorf("refcpu: no reference routine for layer type %s", w.op.layerType)
	}

	raw, err := w.output.Map(true)
	if err != nil {
		return errors.Wrapf(err, "refcpu: mapping output of %s", w.op.layerType)
	}
	defer w.output.Unmap()
	return kernels.ToBytes(out.DType, raw, result)
}
