package backends

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/nnfuse/nnfuse/graph"
	"k8s.io/klog/v2"
)

// OptimizationViews is the aggregate result of one backend's optimization
// pass over a subgraph: the substitutions to apply, the layers left
// untouched (wrapped in views for the host to hand to the next backend or
// the default path), and the mutated network the new precompiled layers were
// inserted into.
type OptimizationViews struct {
	Substitutions []graph.Substitution
	Untouched     []*graph.SubgraphView
	Network       *graph.Graph
}

// Validate checks the pass guarantee over the input subgraph: every layer
// appears in exactly one of {matched in a substitution, reported untouched}.
func (v *OptimizationViews) Validate(sg *graph.SubgraphView) error {
	seen := make(map[graph.LayerGUID]int, sg.NumLayers())
	for _, sub := range v.Substitutions {
		for _, l := range sub.Matched.Layers() {
			seen[l.GUID()]++
		}
	}
	for _, untouched := range v.Untouched {
		for _, l := range untouched.Layers() {
			seen[l.GUID()]++
		}
	}
	for _, l := range sg.Layers() {
		if seen[l.GUID()] != 1 {
			return fmt.Errorf("optimization views broken: layer %s appears %d times across substitutions and untouched views, want exactly 1",
				l, seen[l.GUID()])
		}
	}
	return nil
}

// layerMatch is one entry of the immutable match plan built during phase 1
// of the sweep: a supported layer and the compiled object built for it.
type layerMatch struct {
	layer    *graph.Layer
	compiled graph.PrecompiledObject
}

// OptimizeSubgraphWith implements the standard single-layer-granularity
// optimization sweep shared by the backends.
//
// The sweep is two-phase: first it walks the subgraph's layers in reverse
// topological order (last-added to first), calling compile on each one and
// collecting the matches into an immutable plan; only then does it mutate
// the network, inserting one precompiled layer per match, copying the output
// tensor infos from the original layer, and pairing the two in a
// substitution. Mutation never happens while iterating the subgraph.
//
// compile returns (nil, false) for layers the backend does not support --
// the expected branch, leaving the layer untouched. Structural graph errors
// panic inside compile and are converted to an error here.
//
// If no layer matched, the entire input subgraph is reported untouched as a
// single view; otherwise every unmatched layer is reported as its own
// single-layer untouched view, in subgraph order.
func OptimizeSubgraphWith(id BackendID, sg *graph.SubgraphView,
	compile func(*graph.Layer) (graph.PrecompiledObject, bool)) (views *OptimizationViews, err error) {
	views = &OptimizationViews{}
	if sg.NumLayers() == 0 {
		views.Untouched = []*graph.SubgraphView{sg}
		return views, nil
	}
	views.Network = sg.Layers()[0].Graph()

	err = exceptions.TryCatch[error](func() {
		layers := sg.Layers()

		// Phase 1: collect the match plan, last layer first.
		untouched := make(map[graph.LayerGUID]bool, len(layers))
		for _, l := range layers {
			untouched[l.GUID()] = true
		}
		var plan []layerMatch
		for i := len(layers) - 1; i >= 0; i-- {
			l := layers[i]
			compiled, ok := compile(l)
			if !ok {
				continue
			}
			plan = append(plan, layerMatch{layer: l, compiled: compiled})
		}

		// Phase 2: insert precompiled layers and build the substitutions.
		for _, m := range plan {
			l := m.layer
			pre := views.Network.AddPrecompiledLayer(l.NumInputs(), l.NumOutputs(), m.compiled,
				fmt.Sprintf("%s_Pre_Compiled_Layer", id))
			for i := 0; i < l.NumOutputs(); i++ {
				pre.Output(i).SetInfo(l.Output(i).Info())
			}
			views.Substitutions = append(views.Substitutions, graph.Substitution{
				Matched:     graph.ViewFromLayer(l),
				Replacement: graph.ViewFromLayer(pre),
			})
			delete(untouched, l.GUID())
		}

		if len(views.Substitutions) == 0 {
			views.Untouched = []*graph.SubgraphView{sg}
		} else {
			for _, l := range layers {
				if untouched[l.GUID()] {
					views.Untouched = append(views.Untouched, graph.ViewFromLayer(l))
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	substitutionsTotal.WithLabelValues(string(id)).Add(float64(len(views.Substitutions)))
	untouchedTotal.WithLabelValues(string(id)).Add(float64(len(views.Untouched)))
	klog.V(1).Infof("backend %s: optimized subgraph of %d layer(s): %d substitution(s), %d untouched view(s)",
		id, sg.NumLayers(), len(views.Substitutions), len(views.Untouched))
	return views, nil
}
