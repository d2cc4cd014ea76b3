package graph

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/stretchr/testify/require"
)

func TestViewFromLayer(t *testing.T) {
	_, conv, _ := buildConvGraph(t)
	v := ViewFromLayer(conv)
	require.Equal(t, 1, v.NumLayers())
	require.Equal(t, 3, v.NumInputs())
	require.Equal(t, 1, v.NumOutputs())
	require.True(t, v.Contains(conv))
	require.Equal(t, conv.Output(0), v.Outputs()[0])
}

func TestViewFromGraph(t *testing.T) {
	g, conv, softmax := buildConvGraph(t)
	v := ViewFromGraph(g)
	// Everything but the Input and Output layers.
	require.Equal(t, 4, v.NumLayers())
	require.True(t, v.Contains(conv))
	require.True(t, v.Contains(softmax))
	// Boundary: the conv activation input (fed by the Input layer) and the
	// softmax output (feeding the Output layer).
	require.Equal(t, []*InputSlot{conv.Input(0)}, v.Inputs())
	require.Equal(t, []*OutputSlot{softmax.Output(0)}, v.Outputs())
}

func TestNewSubgraphViewValidatesBoundary(t *testing.T) {
	_, conv, softmax := buildConvGraph(t)
	err := exceptions.TryCatch[error](func() {
		// Boundary output owned by a layer outside the selection.
		NewSubgraphView([]*Layer{conv}, nil, []*OutputSlot{softmax.Output(0)})
	})
	require.Error(t, err)
}

func TestSubstituteSubgraph(t *testing.T) {
	g, conv, softmax := buildConvGraph(t)
	obj := &fakeCompiled{}
	pre := g.AddPrecompiledLayer(conv.NumInputs(), conv.NumOutputs(), obj, "pre")
	pre.Output(0).SetInfo(conv.Output(0).Info())

	convInfo := conv.Output(0).Info()
	input := conv.Input(0).ConnectedOutput().Owner()
	g.SubstituteSubgraph(Substitution{
		Matched:     ViewFromLayer(conv),
		Replacement: ViewFromLayer(pre),
	})

	// conv is gone, pre took its place with identical connectivity.
	require.Nil(t, g.LayerByGUID(conv.GUID()))
	require.Equal(t, input.Output(0), pre.Input(0).ConnectedOutput())
	require.Equal(t, pre.Output(0), softmax.Input(0).ConnectedOutput())
	require.True(t, pre.Output(0).Info().Equal(convInfo))
	require.Equal(t, 0, obj.released)

	// Removing the precompiled layer releases the compiled object.
	g.RemoveLayer(pre)
	require.Equal(t, 1, obj.released)
}

func TestSubstituteSubgraphBoundaryMismatch(t *testing.T) {
	g, conv, _ := buildConvGraph(t)

	// Wrong arity.
	pre := g.AddPrecompiledLayer(1, 1, &fakeCompiled{}, "pre")
	pre.Output(0).SetInfo(conv.Output(0).Info())
	err := exceptions.TryCatch[error](func() {
		g.SubstituteSubgraph(Substitution{
			Matched:     ViewFromLayer(conv),
			Replacement: ViewFromLayer(pre),
		})
	})
	require.Error(t, err)

	// Wrong output info.
	pre2 := g.AddPrecompiledLayer(conv.NumInputs(), 1, &fakeCompiled{}, "pre2")
	pre2.Output(0).SetInfo(tensor.Make(dtypes.Float32, 1, 2))
	err = exceptions.TryCatch[error](func() {
		g.SubstituteSubgraph(Substitution{
			Matched:     ViewFromLayer(conv),
			Replacement: ViewFromLayer(pre2),
		})
	})
	require.Error(t, err)
}
