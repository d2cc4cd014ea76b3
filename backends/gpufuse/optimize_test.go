package gpufuse

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/stretchr/testify/require"
)

// buildConvSoftmaxGraph builds input -> conv2d(weights, bias) -> softmax ->
// output and returns the backend view over it.
func buildConvSoftmaxGraph(t *testing.T, withSoftmax bool) (*graph.Graph, *graph.SubgraphView, *graph.Layer) {
	g := graph.New("net")
	input := g.AddInput("input", tensor.Make(dtypes.Float32, 1, 8, 8, 3))
	weights := g.AddConstant("weights", tensor.Make(dtypes.Float32, 4, 3, 3, 3))
	bias := g.AddConstant("bias", tensor.Make(dtypes.Float32, 4))
	conv := g.AddConvolution2d(graph.Convolution2dParams{
		StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, BiasEnabled: true,
	}, "conv")
	input.Output(0).Connect(conv.Input(0))
	weights.Output(0).Connect(conv.Input(1))
	bias.Output(0).Connect(conv.Input(2))
	convOut := tensor.Make(dtypes.Float32, 1, 6, 6, 4)
	conv.Output(0).SetInfo(convOut)

	last := conv
	if withSoftmax {
		softmax := g.AddSoftmax(graph.SoftmaxParams{Beta: 1}, "softmax")
		conv.Output(0).Connect(softmax.Input(0))
		softmax.Output(0).SetInfo(convOut)
		last = softmax
	}
	out := g.AddOutput("output")
	last.Output(0).Connect(out.Input(0))
	return g, graph.ViewFromGraph(g), conv
}

func TestOptimizeSingleConvolution(t *testing.T) {
	_, sg, conv := buildConvSoftmaxGraph(t, false)
	b := New()
	views, err := b.OptimizeSubgraphView(sg, nil)
	require.NoError(t, err)
	require.NoError(t, views.Validate(sg))

	// Weights and bias constants are part of the subgraph and stay
	// untouched; only the convolution itself is substituted.
	require.Len(t, views.Substitutions, 1)
	sub := views.Substitutions[0]
	require.Equal(t, []*graph.Layer{conv}, sub.Matched.Layers())

	repl := sub.Replacement.Layers()[0]
	require.Equal(t, graph.LayerTypePrecompiled, repl.Type())
	require.Equal(t, 3, repl.NumInputs())
	require.Equal(t, 1, repl.NumOutputs())
	require.True(t, repl.Output(0).Info().Equal(conv.Output(0).Info()))
	require.IsType(t, &Sketch{}, repl.Precompiled())
}

func TestOptimizeConvolutionPlusSoftmax(t *testing.T) {
	_, sg, conv := buildConvSoftmaxGraph(t, true)
	views, err := New().OptimizeSubgraphView(sg, nil)
	require.NoError(t, err)
	require.NoError(t, views.Validate(sg))

	require.Len(t, views.Substitutions, 1)
	require.Equal(t, []*graph.Layer{conv}, views.Substitutions[0].Matched.Layers())

	// Softmax is unsupported and reported untouched, along with the
	// constant layers.
	var untouchedTypes []graph.LayerType
	for _, v := range views.Untouched {
		require.Equal(t, 1, v.NumLayers())
		untouchedTypes = append(untouchedTypes, v.Layers()[0].Type())
	}
	require.Contains(t, untouchedTypes, graph.LayerTypeSoftmax)
	require.NotContains(t, untouchedTypes, graph.LayerTypeConvolution2d)
}

func TestOptimizeNothingSupported(t *testing.T) {
	g := graph.New("net")
	info := tensor.Make(dtypes.Float32, 1, 4)
	in1 := g.AddInput("a", info)
	in2 := g.AddInput("b", info)
	add := g.AddAdd("add")
	in1.Output(0).Connect(add.Input(0))
	in2.Output(0).Connect(add.Input(1))
	add.Output(0).SetInfo(info)
	out := g.AddOutput("out")
	add.Output(0).Connect(out.Input(0))

	sg := graph.ViewFromGraph(g)
	views, err := New().OptimizeSubgraphView(sg, nil)
	require.NoError(t, err)
	require.Empty(t, views.Substitutions)
	require.Equal(t, []*graph.SubgraphView{sg}, views.Untouched)
	require.NoError(t, views.Validate(sg))
}

func TestOptimizeDisconnectedInputIsFatal(t *testing.T) {
	g := graph.New("broken")
	conv := g.AddConvolution2d(graph.Convolution2dParams{BiasEnabled: false}, "conv")
	conv.Output(0).SetInfo(tensor.Make(dtypes.Float32, 1, 6, 6, 4))
	sg := graph.ViewFromGraph(g)
	_, err := New().OptimizeSubgraphView(sg, nil)
	require.Error(t, err)
}

func TestOptimizeAndSubstituteEndToEnd(t *testing.T) {
	g, sg, conv := buildConvSoftmaxGraph(t, true)
	views, err := New().OptimizeSubgraphView(sg, nil)
	require.NoError(t, err)
	for _, sub := range views.Substitutions {
		g.SubstituteSubgraph(sub)
	}
	require.Nil(t, g.LayerByGUID(conv.GUID()))
	// The graph still sorts topologically and the precompiled node sits
	// between the input chain and softmax.
	sorted := g.TopologicalSort()
	require.Len(t, sorted, g.NumLayers())
}

func TestLayerSupport(t *testing.T) {
	var s LayerSupport
	convParams := graph.Convolution2dParams{BiasEnabled: false}
	in := []tensor.Info{
		tensor.Make(dtypes.Float32, 1, 8, 8, 3),
		tensor.Make(dtypes.Float32, 4, 3, 3, 3),
	}
	out := []tensor.Info{tensor.Make(dtypes.Float32, 1, 6, 6, 4)}
	require.True(t, s.IsLayerSupported(graph.LayerTypeConvolution2d, in, out, convParams))

	// Quantized and integer tensors are rejected.
	qIn := []tensor.Info{
		tensor.MakeQuantized(dtypes.Uint8, tensor.Quantization{Scale: 0.5}, 1, 8, 8, 3),
		in[1],
	}
	require.False(t, s.IsLayerSupported(graph.LayerTypeConvolution2d, qIn, out, convParams))
	require.False(t, s.IsLayerSupported(graph.LayerTypeSoftmax,
		[]tensor.Info{in[0]}, out, graph.SoftmaxParams{}))

	// Output dims inconsistent with the convolution geometry are rejected.
	badOut := []tensor.Info{tensor.Make(dtypes.Float32, 1, 7, 6, 4)}
	require.False(t, s.IsLayerSupported(graph.LayerTypeConvolution2d, in, badOut, convParams))

	// Strided geometry: 8x8 input, 3x3 kernel, stride 2 gives 3x3 output.
	strided := graph.Convolution2dParams{StrideH: 2, StrideW: 2}
	stridedOut := []tensor.Info{tensor.Make(dtypes.Float32, 1, 3, 3, 4)}
	require.True(t, s.IsLayerSupported(graph.LayerTypeConvolution2d, in, stridedOut, strided))
	require.False(t, s.IsLayerSupported(graph.LayerTypeConvolution2d, in, out, strided))
}
