package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// SubgraphView is an ordered, non-owning selection of layers plus the
// input and output slots crossing the selection's boundary:
//
//   - Inputs are input slots on selected layers whose producers are outside
//     the selection (or unwired);
//   - Outputs are output slots on selected layers that feed layers outside
//     the selection, or that are terminal.
//
// Views are constructed per optimization pass and discarded after use; they
// never own the layers they reference, and become stale once the underlying
// graph is mutated.
type SubgraphView struct {
	layers  []*Layer
	inputs  []*InputSlot
	outputs []*OutputSlot
}

// NewSubgraphView builds a view from an explicit selection.
// It panics if a boundary slot does not belong to a selected layer.
func NewSubgraphView(layers []*Layer, inputs []*InputSlot, outputs []*OutputSlot) *SubgraphView {
	v := &SubgraphView{
		layers:  slices.Clone(layers),
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
	}
	v.validate()
	return v
}

// ViewFromLayer builds the single-layer view whose boundary is exactly the
// layer's own slots.
func ViewFromLayer(l *Layer) *SubgraphView {
	inputs := make([]*InputSlot, l.NumInputs())
	for i := range inputs {
		inputs[i] = l.Input(i)
	}
	outputs := make([]*OutputSlot, l.NumOutputs())
	for i := range outputs {
		outputs[i] = l.Output(i)
	}
	return &SubgraphView{layers: []*Layer{l}, inputs: inputs, outputs: outputs}
}

// ViewFromGraph builds the view a host framework hands to a backend: every
// layer except the graph's Input and Output layers, with boundary slots at
// the connections crossing to them.
func ViewFromGraph(g *Graph) *SubgraphView {
	var selection []*Layer
	for _, l := range g.layers {
		if l.layerType == LayerTypeInput || l.layerType == LayerTypeOutput {
			continue
		}
		selection = append(selection, l)
	}
	return ViewFromSelection(selection)
}

// ViewFromSelection builds the view over an explicit layer selection,
// deriving the boundary slots from the connections crossing it: input slots
// whose producer is outside the selection (or unwired), and output slots
// feeding at least one layer outside it.
func ViewFromSelection(selection []*Layer) *SubgraphView {
	v := SubgraphView{layers: slices.Clone(selection)}
	selected := make(map[*Layer]bool, len(v.layers))
	for _, l := range v.layers {
		selected[l] = true
	}
	for _, l := range v.layers {
		for i := 0; i < l.NumInputs(); i++ {
			in := l.Input(i)
			src := in.ConnectedOutput()
			if src == nil || !selected[src.Owner()] {
				v.inputs = append(v.inputs, in)
			}
		}
		for i := 0; i < l.NumOutputs(); i++ {
			out := l.Output(i)
			for _, consumer := range out.connections {
				if !selected[consumer.Owner()] {
					v.outputs = append(v.outputs, out)
					break
				}
			}
		}
	}
	return &v
}

func (v *SubgraphView) validate() {
	selected := make(map[*Layer]bool, len(v.layers))
	for _, l := range v.layers {
		selected[l] = true
	}
	for _, in := range v.inputs {
		if !selected[in.Owner()] {
			exceptions.Panicf("graph: subgraph boundary input slot %d belongs to %s, which is outside the selection",
				in.Index(), in.Owner())
		}
	}
	for _, out := range v.outputs {
		if !selected[out.Owner()] {
			exceptions.Panicf("graph: subgraph boundary output slot %d belongs to %s, which is outside the selection",
				out.Index(), out.Owner())
		}
	}
}

// Layers returns the selected layers, in selection order.
func (v *SubgraphView) Layers() []*Layer { return v.layers }

// NumLayers returns the number of selected layers.
func (v *SubgraphView) NumLayers() int { return len(v.layers) }

// Inputs returns the boundary input slots.
func (v *SubgraphView) Inputs() []*InputSlot { return v.inputs }

// Outputs returns the boundary output slots.
func (v *SubgraphView) Outputs() []*OutputSlot { return v.outputs }

// NumInputs returns the number of boundary input slots.
func (v *SubgraphView) NumInputs() int { return len(v.inputs) }

// NumOutputs returns the number of boundary output slots.
func (v *SubgraphView) NumOutputs() int { return len(v.outputs) }

// Contains reports whether the layer is part of the selection.
func (v *SubgraphView) Contains(l *Layer) bool {
	return slices.Contains(v.layers, l)
}

// Substitution pairs a matched subgraph with its replacement: a view wrapping
// exactly one new precompiled layer whose boundary mirrors the matched
// region's.
type Substitution struct {
	Matched     *SubgraphView
	Replacement *SubgraphView
}

// SubstituteSubgraph replaces the substitution's matched layers with its
// replacement layer: external producers are rewired to the replacement's
// input slots, external consumers to its output slots, and the matched
// layers are removed (destroying them). Boundary arity or tensor-info
// mismatches are structural errors and panic, leaving the graph in an
// unspecified state.
func (g *Graph) SubstituteSubgraph(sub Substitution) {
	matched, repl := sub.Matched, sub.Replacement
	if repl.NumLayers() != 1 || repl.layers[0].Type() != LayerTypePrecompiled {
		exceptions.Panicf("graph: substitution replacement must wrap exactly one precompiled layer, got %d layer(s)",
			repl.NumLayers())
	}
	if matched.NumInputs() != repl.NumInputs() || matched.NumOutputs() != repl.NumOutputs() {
		exceptions.Panicf("graph: substitution boundary mismatch: matched has %d inputs/%d outputs, replacement %d/%d",
			matched.NumInputs(), matched.NumOutputs(), repl.NumInputs(), repl.NumOutputs())
	}
	for i, out := range matched.outputs {
		if !out.Info().Equal(repl.outputs[i].Info()) {
			exceptions.Panicf("graph: substitution output %d tensor info mismatch: matched %s, replacement %s",
				i, out.Info(), repl.outputs[i].Info())
		}
	}

	// Rewire external producers to the replacement's inputs.
	for i, in := range matched.inputs {
		src := in.ConnectedOutput()
		if src == nil {
			continue
		}
		src.Disconnect(in)
		src.Connect(repl.inputs[i])
	}

	// Rewire external consumers to the replacement's outputs.
	for i, out := range matched.outputs {
		for _, consumer := range out.Connections() {
			if matched.Contains(consumer.Owner()) {
				continue
			}
			out.Disconnect(consumer)
			repl.outputs[i].Connect(consumer)
		}
	}

	for _, l := range matched.layers {
		g.RemoveLayer(l)
	}
}
