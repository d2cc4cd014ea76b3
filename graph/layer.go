package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// LayerGUID uniquely identifies a layer across all graphs of the process,
// mirroring the host framework's layer identifiers.
type LayerGUID uint64

var nextGUID atomic.Uint64

// LayerType is the operator type tag of a Layer.
type LayerType int

const (
	LayerTypeInput LayerType = iota
	LayerTypeOutput
	LayerTypeConstant
	LayerTypeConvolution2d
	LayerTypeAdd
	LayerTypeMultiply
	LayerTypeActivation
	LayerTypeSoftmax
	LayerTypeFullyConnected
	LayerTypePrecompiled
	numLayerTypes
)

var layerTypeNames = [numLayerTypes]string{
	"Input", "Output", "Constant", "Convolution2d", "Add", "Multiply",
	"Activation", "Softmax", "FullyConnected", "Precompiled",
}

// String implements fmt.Stringer.
func (t LayerType) String() string {
	if t < 0 || t >= numLayerTypes {
		return fmt.Sprintf("LayerType(%d)", int(t))
	}
	return layerTypeNames[t]
}

// Convolution2dParams is the parameter block of a Convolution2d layer.
// The weights (and bias, if BiasEnabled) arrive through input slots 1 (and 2),
// not through the parameter block.
type Convolution2dParams struct {
	StrideH, StrideW                     int
	PadTop, PadBottom, PadLeft, PadRight int
	DilationH, DilationW                 int
	BiasEnabled                          bool
}

// ActivationFunction selects the function of an Activation layer.
type ActivationFunction int

const (
	ActivationReLU ActivationFunction = iota
	ActivationSigmoid
)

// String implements fmt.Stringer.
func (f ActivationFunction) String() string {
	switch f {
	case ActivationReLU:
		return "ReLU"
	case ActivationSigmoid:
		return "Sigmoid"
	}
	return fmt.Sprintf("ActivationFunction(%d)", int(f))
}

// ActivationParams is the parameter block of an Activation layer.
type ActivationParams struct {
	Function ActivationFunction
}

// SoftmaxParams is the parameter block of a Softmax layer.
// Beta scales the logits before exponentiation; zero means 1.
type SoftmaxParams struct {
	Beta float64
}

// FullyConnectedParams is the parameter block of a FullyConnected layer.
type FullyConnectedParams struct {
	BiasEnabled bool
}

// ConstantParams is the parameter block of a Constant layer: the raw tensor
// contents, laid out per the output slot's info. Data may be nil for
// constants materialized by the host outside the delegate pipeline.
type ConstantParams struct {
	Data []byte
}

// PrecompiledObject is an opaque, backend-owned compiled representation
// attached to a precompiled layer. The layer owns it: Release is called
// exactly once, when the layer is removed from its graph.
type PrecompiledObject interface {
	Release()
}

// Layer is one node of a Graph: an operator type tag, a parameter block
// specific to that type, ordered input and output slots and a process-unique
// GUID. Layers are owned by their Graph and must only be created through it.
type Layer struct {
	graph     *Graph
	guid      LayerGUID
	layerType LayerType
	name      string
	params    any

	// Slots are allocated once at layer creation so their addresses stay
	// stable for the lifetime of the layer.
	inputs  []InputSlot
	outputs []OutputSlot

	precompiled PrecompiledObject
}

// numSlotsForType returns the (numInputs, numOutputs) of a layer type.
// Precompiled layers are sized explicitly and never go through here.
func numSlotsForType(t LayerType, params any) (numIn, numOut int) {
	switch t {
	case LayerTypeInput, LayerTypeConstant:
		return 0, 1
	case LayerTypeOutput:
		return 1, 0
	case LayerTypeConvolution2d:
		p, ok := params.(Convolution2dParams)
		if !ok {
			exceptions.Panicf("graph: Convolution2d layer requires Convolution2dParams, got %T", params)
		}
		if p.BiasEnabled {
			return 3, 1
		}
		return 2, 1
	case LayerTypeAdd, LayerTypeMultiply:
		return 2, 1
	case LayerTypeActivation, LayerTypeSoftmax:
		return 1, 1
	case LayerTypeFullyConnected:
		p, ok := params.(FullyConnectedParams)
		if !ok {
			exceptions.Panicf("graph: FullyConnected layer requires FullyConnectedParams, got %T", params)
		}
		if p.BiasEnabled {
			return 3, 1
		}
		return 2, 1
	}
	exceptions.Panicf("graph: no slot arity defined for layer type %s", t)
	return 0, 0
}

func newLayer(g *Graph, t LayerType, params any, name string, numIn, numOut int) *Layer {
	l := &Layer{
		graph:     g,
		guid:      LayerGUID(nextGUID.Add(1)),
		layerType: t,
		name:      name,
		params:    params,
		inputs:    make([]InputSlot, numIn),
		outputs:   make([]OutputSlot, numOut),
	}
	for i := range l.inputs {
		l.inputs[i].owner = l
		l.inputs[i].index = i
	}
	for i := range l.outputs {
		l.outputs[i].owner = l
		l.outputs[i].index = i
	}
	return l
}

// Type returns the layer's operator type tag.
func (l *Layer) Type() LayerType { return l.layerType }

// Name returns the layer's name. Names need not be unique.
func (l *Layer) Name() string { return l.name }

// GUID returns the layer's process-unique identifier.
func (l *Layer) GUID() LayerGUID { return l.guid }

// Parameters returns the layer type's parameter block (e.g.
// Convolution2dParams for a Convolution2d layer), or nil.
func (l *Layer) Parameters() any { return l.params }

// Graph returns the graph that owns this layer.
func (l *Layer) Graph() *Graph { return l.graph }

// NumInputs returns the number of input slots.
func (l *Layer) NumInputs() int { return len(l.inputs) }

// NumOutputs returns the number of output slots.
func (l *Layer) NumOutputs() int { return len(l.outputs) }

// Input returns the input slot at the given index.
func (l *Layer) Input(i int) *InputSlot { return &l.inputs[i] }

// Output returns the output slot at the given index.
func (l *Layer) Output(i int) *OutputSlot { return &l.outputs[i] }

// Precompiled returns the compiled object attached to a precompiled layer,
// or nil for every other layer type.
func (l *Layer) Precompiled() PrecompiledObject { return l.precompiled }

// String implements fmt.Stringer.
func (l *Layer) String() string {
	return fmt.Sprintf("%s(%q, guid=%d)", l.layerType, l.name, l.guid)
}

// destroy disconnects every slot and releases the compiled object, if any.
// Called by the graph when the layer is removed.
func (l *Layer) destroy() {
	for i := range l.inputs {
		in := &l.inputs[i]
		if src := in.connection; src != nil {
			src.Disconnect(in)
		}
	}
	for i := range l.outputs {
		out := &l.outputs[i]
		for _, in := range out.Connections() {
			out.Disconnect(in)
		}
	}
	if l.precompiled != nil {
		l.precompiled.Release()
		l.precompiled = nil
	}
	l.graph = nil
}
