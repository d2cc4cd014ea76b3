package graph

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/stretchr/testify/require"
)

// buildConvGraph builds input -> conv2d(weights, bias) -> softmax -> output.
func buildConvGraph(t *testing.T) (g *Graph, conv, softmax *Layer) {
	g = New("test")
	input := g.AddInput("input", tensor.Make(dtypes.Float32, 1, 8, 8, 3))
	weights := g.AddConstant("weights", tensor.Make(dtypes.Float32, 4, 3, 3, 3))
	bias := g.AddConstant("bias", tensor.Make(dtypes.Float32, 4))
	conv = g.AddConvolution2d(Convolution2dParams{
		StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, BiasEnabled: true,
	}, "conv")
	softmax = g.AddSoftmax(SoftmaxParams{Beta: 1}, "softmax")
	output := g.AddOutput("output")

	input.Output(0).Connect(conv.Input(0))
	weights.Output(0).Connect(conv.Input(1))
	bias.Output(0).Connect(conv.Input(2))
	conv.Output(0).SetInfo(tensor.Make(dtypes.Float32, 1, 6, 6, 4))
	conv.Output(0).Connect(softmax.Input(0))
	softmax.Output(0).SetInfo(tensor.Make(dtypes.Float32, 1, 6, 6, 4))
	softmax.Output(0).Connect(output.Input(0))
	require.Equal(t, 6, g.NumLayers())
	return
}

func TestConnectivity(t *testing.T) {
	_, conv, softmax := buildConvGraph(t)
	require.Equal(t, 3, conv.NumInputs())
	require.Equal(t, 1, conv.NumOutputs())
	require.Equal(t, conv.Output(0), softmax.Input(0).ConnectedOutput())
	require.Equal(t, 1, conv.Output(0).NumConnections())
	require.Equal(t, tensor.Make(dtypes.Float32, 1, 8, 8, 3), conv.Input(0).ResolvedInfo())

	// Double-connecting an input slot is a structural error.
	err := exceptions.TryCatch[error](func() {
		conv.Output(0).Connect(softmax.Input(0))
	})
	require.Error(t, err)
}

func TestResolvedInfoDisconnected(t *testing.T) {
	g := New("test")
	add := g.AddAdd("add")
	err := exceptions.TryCatch[error](func() { _ = add.Input(0).ResolvedInfo() })
	require.Error(t, err)
}

func TestTopologicalSort(t *testing.T) {
	g, conv, softmax := buildConvGraph(t)
	sorted := g.TopologicalSort()
	require.Len(t, sorted, g.NumLayers())
	position := make(map[*Layer]int, len(sorted))
	for i, l := range sorted {
		position[l] = i
	}
	for _, l := range sorted {
		for i := 0; i < l.NumInputs(); i++ {
			src := l.Input(i).ConnectedOutput()
			if src != nil {
				require.Less(t, position[src.Owner()], position[l],
					"%s must come after its producer %s", l, src.Owner())
			}
		}
	}
	require.Less(t, position[conv], position[softmax])
}

func TestTopologicalSortCycle(t *testing.T) {
	g := New("cyclic")
	a := g.AddAdd("a")
	b := g.AddAdd("b")
	a.Output(0).Connect(b.Input(0))
	b.Output(0).Connect(a.Input(0))
	err := exceptions.TryCatch[error](func() { _ = g.TopologicalSort() })
	require.Error(t, err)
}

type fakeCompiled struct {
	released int
}

func (f *fakeCompiled) Release() { f.released++ }

func TestRemoveLayerReleasesPrecompiled(t *testing.T) {
	g := New("test")
	obj := &fakeCompiled{}
	l := g.AddPrecompiledLayer(2, 1, obj, "pre")
	require.Same(t, obj, l.Precompiled())
	g.RemoveLayer(l)
	require.Equal(t, 1, obj.released)
	require.Equal(t, 0, g.NumLayers())
	require.Nil(t, g.LayerByGUID(l.GUID()))
}

func TestGUIDsAreUnique(t *testing.T) {
	g := New("a")
	h := New("b")
	seen := make(map[LayerGUID]bool)
	for i := 0; i < 10; i++ {
		for _, l := range []*Layer{g.AddAdd("x"), h.AddAdd("y")} {
			require.False(t, seen[l.GUID()])
			seen[l.GUID()] = true
		}
	}
}
