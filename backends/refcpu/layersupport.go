package refcpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/types/tensor"
)

// LayerSupport is the reference backend's support oracle: every compute
// layer type, on unquantized floating point tensors.
type LayerSupport struct{}

// Compile-time check.
var _ backends.LayerSupport = LayerSupport{}

// IsLayerSupported implements backends.LayerSupport.
func (LayerSupport) IsLayerSupported(layerType graph.LayerType, inputs, outputs []tensor.Info, params any) bool {
	for _, info := range inputs {
		if !executableDType(info.DType) || info.Quant.IsQuantized() {
			return false
		}
	}
	switch layerType {
	case graph.LayerTypeAdd, graph.LayerTypeMultiply:
		return len(inputs) == 2 && inputs[0].Equal(inputs[1])
	case graph.LayerTypeActivation:
		_, ok := params.(graph.ActivationParams)
		return ok && len(inputs) == 1
	case graph.LayerTypeSoftmax:
		return len(inputs) == 1 && inputs[0].Rank() >= 1
	case graph.LayerTypeFullyConnected:
		return len(inputs) >= 2 && inputs[0].Rank() == 2 && inputs[1].Rank() == 2
	case graph.LayerTypeConvolution2d:
		return len(inputs) >= 2 && inputs[0].Rank() == 4 && inputs[1].Rank() == 4
	default:
		return false
	}
}

func executableDType(d dtypes.DType) bool {
	return d == dtypes.Float32 || d == dtypes.Float16
}
