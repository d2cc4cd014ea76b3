// Package graph implements the computation graph the delegate layer rewrites:
// layers connected through input/output slots, non-owning subgraph views over
// contiguous selections of layers, and the substitution operation that
// replaces a matched subgraph with a single precompiled layer.
//
// Structural errors -- disconnected required inputs, substitution boundary
// mismatches, cycles -- panic with a stack trace (github.com/gomlx/exceptions)
// and are converted to errors at the optimization-pass boundary. They are
// never retried.
package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/nnfuse/nnfuse/types/tensor"
)

// Graph is a network of layers. It owns its layers: they are created through
// the Add* methods and destroyed when removed or replaced by a substitution.
//
// Graph construction and optimization are single-threaded; a Graph must not
// be mutated concurrently.
type Graph struct {
	name   string
	layers []*Layer // in insertion order
	byGUID map[LayerGUID]*Layer
}

// New creates an empty named graph.
func New(name string) *Graph {
	return &Graph{
		name:   name,
		byGUID: make(map[LayerGUID]*Layer),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// NumLayers returns the number of layers currently in the graph.
func (g *Graph) NumLayers() int { return len(g.layers) }

// Layers returns the graph's layers in insertion order.
// The returned slice is a copy and remains valid across graph mutation.
func (g *Graph) Layers() []*Layer { return slices.Clone(g.layers) }

// LayerByGUID returns the layer with the given GUID, or nil.
func (g *Graph) LayerByGUID(guid LayerGUID) *Layer { return g.byGUID[guid] }

func (g *Graph) track(l *Layer) *Layer {
	g.layers = append(g.layers, l)
	g.byGUID[l.guid] = l
	return l
}

// AddLayer adds a layer of the given type, with slot counts derived from the
// type and parameter block. Use AddPrecompiledLayer for precompiled layers.
func (g *Graph) AddLayer(t LayerType, params any, name string) *Layer {
	if t == LayerTypePrecompiled {
		exceptions.Panicf("graph: use AddPrecompiledLayer to add precompiled layers")
	}
	numIn, numOut := numSlotsForType(t, params)
	return g.track(newLayer(g, t, params, name, numIn, numOut))
}

// AddInput adds a graph input layer producing a tensor with the given info.
func (g *Graph) AddInput(name string, info tensor.Info) *Layer {
	l := g.AddLayer(LayerTypeInput, nil, name)
	l.Output(0).SetInfo(info)
	return l
}

// AddConstant adds a constant layer (weights, biases) with the given info
// and no materialized data.
func (g *Graph) AddConstant(name string, info tensor.Info) *Layer {
	l := g.AddLayer(LayerTypeConstant, ConstantParams{}, name)
	l.Output(0).SetInfo(info)
	return l
}

// AddConstantData adds a constant layer carrying its raw tensor contents,
// laid out per info. Data length must match the info's byte size.
func (g *Graph) AddConstantData(name string, info tensor.Info, data []byte) *Layer {
	if len(data) != info.NumBytes() {
		exceptions.Panicf("graph: constant %q data has %d bytes, info %s requires %d",
			name, len(data), info, info.NumBytes())
	}
	l := g.AddLayer(LayerTypeConstant, ConstantParams{Data: data}, name)
	l.Output(0).SetInfo(info)
	return l
}

// AddOutput adds a graph output layer.
func (g *Graph) AddOutput(name string) *Layer {
	return g.AddLayer(LayerTypeOutput, nil, name)
}

// AddConvolution2d adds a 2D convolution layer. Input slot 0 takes the
// activation, slot 1 the weights and, if params.BiasEnabled, slot 2 the bias.
func (g *Graph) AddConvolution2d(params Convolution2dParams, name string) *Layer {
	return g.AddLayer(LayerTypeConvolution2d, params, name)
}

// AddAdd adds an elementwise addition layer.
func (g *Graph) AddAdd(name string) *Layer {
	return g.AddLayer(LayerTypeAdd, nil, name)
}

// AddMultiply adds an elementwise multiplication layer.
func (g *Graph) AddMultiply(name string) *Layer {
	return g.AddLayer(LayerTypeMultiply, nil, name)
}

// AddActivation adds an activation layer.
func (g *Graph) AddActivation(params ActivationParams, name string) *Layer {
	return g.AddLayer(LayerTypeActivation, params, name)
}

// AddSoftmax adds a softmax layer.
func (g *Graph) AddSoftmax(params SoftmaxParams, name string) *Layer {
	return g.AddLayer(LayerTypeSoftmax, params, name)
}

// AddFullyConnected adds a fully-connected layer. Slot layout follows
// AddConvolution2d: activation, weights, optional bias.
func (g *Graph) AddFullyConnected(params FullyConnectedParams, name string) *Layer {
	return g.AddLayer(LayerTypeFullyConnected, params, name)
}

// AddPrecompiledLayer adds an opaque precompiled layer sized to the given
// slot counts, carrying the backend's compiled object. The layer takes
// ownership of obj: Release is called when the layer is destroyed.
func (g *Graph) AddPrecompiledLayer(numInputs, numOutputs int, obj PrecompiledObject, name string) *Layer {
	l := newLayer(g, LayerTypePrecompiled, nil, name, numInputs, numOutputs)
	l.precompiled = obj
	return g.track(l)
}

// RemoveLayer disconnects the layer from its neighbors, releases its
// compiled object (if any) and removes it from the graph.
func (g *Graph) RemoveLayer(l *Layer) {
	if l.graph != g {
		exceptions.Panicf("graph: RemoveLayer(%s) called on a graph that does not own the layer", l)
	}
	idx := slices.Index(g.layers, l)
	g.layers = slices.Delete(g.layers, idx, idx+1)
	delete(g.byGUID, l.guid)
	l.destroy()
}

// TopologicalSort returns the layers in an execution order: every layer
// appears after all producers of its inputs. The order is stable -- ties are
// broken by insertion order. It panics on a cyclic graph.
func (g *Graph) TopologicalSort() []*Layer {
	pending := make(map[*Layer]int, len(g.layers))
	for _, l := range g.layers {
		count := 0
		for i := range l.inputs {
			if l.inputs[i].connection != nil {
				count++
			}
		}
		pending[l] = count
	}

	var ready []*Layer
	for _, l := range g.layers {
		if pending[l] == 0 {
			ready = append(ready, l)
		}
	}

	sorted := make([]*Layer, 0, len(g.layers))
	for len(ready) > 0 {
		l := ready[0]
		ready = ready[1:]
		sorted = append(sorted, l)
		for i := range l.outputs {
			for _, in := range l.outputs[i].connections {
				consumer := in.owner
				pending[consumer]--
				if pending[consumer] == 0 {
					ready = append(ready, consumer)
				}
			}
		}
	}
	if len(sorted) != len(g.layers) {
		exceptions.Panicf("graph %q: cycle detected, topological sort visited %d of %d layers",
			g.name, len(sorted), len(g.layers))
	}
	return sorted
}
