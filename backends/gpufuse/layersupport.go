package gpufuse

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/internal/kernels"
	"github.com/nnfuse/nnfuse/types/tensor"
)

// LayerSupport is the GpuFuse support oracle. The fused-kernel library only
// covers Convolution2d on floating point tensors for now; everything else is
// left untouched for the next backend in the priority list.
type LayerSupport struct{}

// Compile-time check.
var _ backends.LayerSupport = LayerSupport{}

// IsLayerSupported implements backends.LayerSupport.
func (LayerSupport) IsLayerSupported(layerType graph.LayerType, inputs, outputs []tensor.Info, params any) bool {
	switch layerType {
	case graph.LayerTypeConvolution2d:
		p, ok := params.(graph.Convolution2dParams)
		if !ok {
			return false
		}
		wantInputs := 2
		if p.BiasEnabled {
			wantInputs = 3
		}
		if len(inputs) != wantInputs || len(outputs) != 1 {
			return false
		}
		for _, info := range inputs {
			if !floatDType(info.DType) || info.Quant.IsQuantized() {
				return false
			}
		}
		// NHWC activation, OHWI weights.
		if inputs[0].Rank() != 4 || inputs[1].Rank() != 4 || outputs[0].Rank() != 4 {
			return false
		}
		// The declared output must match the convolution geometry; an
		// inconsistent graph is left for the default path to reject.
		outH := kernels.OutputDim(inputs[0].Dim(1), inputs[1].Dim(1), p.StrideH, p.PadTop, p.PadBottom, p.DilationH)
		outW := kernels.OutputDim(inputs[0].Dim(2), inputs[1].Dim(2), p.StrideW, p.PadLeft, p.PadRight, p.DilationW)
		return outputs[0].Dim(1) == outH && outputs[0].Dim(2) == outW
	default:
		return false
	}
}

func floatDType(d dtypes.DType) bool {
	return d == dtypes.Float32 || d == dtypes.Float16
}
