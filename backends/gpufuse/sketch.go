package gpufuse

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/pkg/errors"
)

// infoDescriptor is the serialized form of a tensor.Info inside a sketch.
type infoDescriptor struct {
	DType dtypes.DType `cbor:"dtype"`
	Dims  []int        `cbor:"dims"`
}

func descriptorOf(info tensor.Info) infoDescriptor {
	return infoDescriptor{DType: info.DType, Dims: info.Dimensions}
}

func (d infoDescriptor) info() tensor.Info {
	return tensor.Make(d.DType, d.Dims...)
}

// convDescriptor carries the Convolution2d parameters of a sketch.
type convDescriptor struct {
	StrideH     int  `cbor:"strideH"`
	StrideW     int  `cbor:"strideW"`
	PadTop      int  `cbor:"padT"`
	PadBottom   int  `cbor:"padB"`
	PadLeft     int  `cbor:"padL"`
	PadRight    int  `cbor:"padR"`
	DilationH   int  `cbor:"dilationH"`
	DilationW   int  `cbor:"dilationW"`
	BiasEnabled bool `cbor:"bias"`
}

// program is the sketch's serialized operator program. One operator per
// sketch at the current single-layer match granularity.
type program struct {
	Op     string           `cbor:"op"`
	Inputs []infoDescriptor `cbor:"inputs"`
	Output infoDescriptor   `cbor:"output"`
	Conv   *convDescriptor  `cbor:"conv,omitempty"`
}

// Sketch is the backend's compiled representation of a matched layer: the
// operator program validated and serialized to a compact CBOR blob at
// optimization time. It is the opaque payload of the precompiled node; the
// node owns it and calls Release exactly once on destruction.
type Sketch struct {
	blob []byte
}

// Compile-time check.
var _ graph.PrecompiledObject = (*Sketch)(nil)

// Blob returns the serialized program. Nil after Release.
func (s *Sketch) Blob() []byte { return s.blob }

// Release drops the compiled program.
func (s *Sketch) Release() { s.blob = nil }

// compileConvolution2d validates the convolution against the resolved input
// infos and serializes its program.
func compileConvolution2d(inputs []tensor.Info, output tensor.Info, p graph.Convolution2dParams) (*Sketch, error) {
	descriptors := make([]infoDescriptor, len(inputs))
	for i, info := range inputs {
		descriptors[i] = descriptorOf(info)
	}
	prog := program{
		Op:     "Convolution2d",
		Inputs: descriptors,
		Output: descriptorOf(output),
		Conv: &convDescriptor{
			StrideH: p.StrideH, StrideW: p.StrideW,
			PadTop: p.PadTop, PadLeft: p.PadLeft,
			PadBottom: p.PadBottom, PadRight: p.PadRight,
			DilationH: p.DilationH, DilationW: p.DilationW,
			BiasEnabled: p.BiasEnabled,
		},
	}
	blob, err := cbor.Marshal(prog)
	if err != nil {
		return nil, errors.Wrapf(err, "gpufuse: serializing Convolution2d sketch")
	}
	return &Sketch{blob: blob}, nil
}

// decodeSketch deserializes a sketch blob back into its program.
func decodeSketch(blob []byte) (*program, error) {
	if blob == nil {
		return nil, errors.New("gpufuse: sketch was released or empty")
	}
	var prog program
	if err := cbor.Unmarshal(blob, &prog); err != nil {
		return nil, errors.Wrapf(err, "gpufuse: deserializing sketch")
	}
	return &prog, nil
}

// compileLayer dispatches on the layer type, returning (nil, false) for
// unsupported layers. Resolving a disconnected required input panics and is
// surfaced as a structural error by the optimization sweep.
func (b *Backend) compileLayer(l *graph.Layer) (graph.PrecompiledObject, bool) {
	switch l.Type() {
	case graph.LayerTypeConvolution2d:
		inputs, outputs := backends.ResolveLayerInfos(l)
		if !b.support.IsLayerSupported(l.Type(), inputs, outputs, l.Parameters()) {
			return nil, false
		}
		sketch, err := compileConvolution2d(inputs, outputs[0], l.Parameters().(graph.Convolution2dParams))
		if err != nil {
			// Serialization of validated infos does not fail in practice;
			// treat it as structural if it ever does.
			exceptions.Panicf("gpufuse: compiling %s: %+v", l, err)
		}
		return sketch, true
	default:
		return nil, false
	}
}
