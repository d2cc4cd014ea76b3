package backends

import (
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/types/tensor"
)

// LayerSupport is a per-backend support oracle: can this backend execute a
// layer of the given type, with these input/output tensors and parameters?
//
// Implementations must be pure and side-effect free; the optimizer queries
// the oracle once per candidate layer per pass and treats a false answer as
// the normal "leave it to another backend" branch, never as an error.
type LayerSupport interface {
	IsLayerSupported(layerType graph.LayerType, inputs, outputs []tensor.Info, params any) bool
}

// ResolveLayerInfos gathers a layer's input infos (following each input slot
// to its connected producer) and output infos. A disconnected input slot is
// a structural error and panics; callers run under the optimization pass's
// recover boundary.
func ResolveLayerInfos(l *graph.Layer) (inputs, outputs []tensor.Info) {
	inputs = make([]tensor.Info, l.NumInputs())
	for i := range inputs {
		inputs[i] = l.Input(i).ResolvedInfo()
	}
	outputs = make([]tensor.Info, l.NumOutputs())
	for i := range outputs {
		outputs[i] = l.Output(i).Info()
	}
	return
}
