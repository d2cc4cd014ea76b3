package backends

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/stretchr/testify/require"
)

func TestMemorySourceFlags(t *testing.T) {
	f := Flags(MemorySourceMalloc, MemorySourceDmaBuf)
	require.True(t, f.Has(MemorySourceMalloc))
	require.True(t, f.Has(MemorySourceDmaBuf))
	require.False(t, f.Has(MemorySourceDmaBufProtected))
	require.Equal(t, "Malloc|DmaBuf", f.String())
	require.Equal(t, "Undefined", MemorySourceFlags(0).String())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("RefCpu")
	require.Error(t, err)
	require.Empty(t, r.IDs())
}

func TestMemoryManager(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.NewGoAllocator())
	mm := NewMemoryManager("RefCpu", checked)
	require.True(t, mm.UsingCustomAllocator())

	buf := mm.Allocate(256)
	require.Len(t, buf, 256)
	require.Equal(t, int64(256), mm.OutstandingBytes())
	mm.Free(buf)
	require.Equal(t, int64(0), mm.OutstandingBytes())
	checked.AssertSize(t, 0)

	def := NewMemoryManager("RefCpu", nil)
	require.False(t, def.UsingCustomAllocator())
}

func TestCheckCopyDType(t *testing.T) {
	info := tensor.Make(dtypes.Float32, 2, 2)
	require.NoError(t, CheckCopyDType(info, make([]byte, 16)))
	require.Error(t, CheckCopyDType(info, make([]byte, 15)))

	unsupported := tensor.Make(dtypes.Complex64, 2)
	err := CheckCopyDType(unsupported, make([]byte, unsupported.NumBytes()))
	require.ErrorIs(t, err, ErrUnimplementedDType)
}

// addCompiled is a trivial compiled object for sweep tests.
type addCompiled struct{ released bool }

func (c *addCompiled) Release() { c.released = true }

// buildAddSoftmaxGraph builds in -> add(in2) -> softmax -> out and returns
// the view over {add, softmax}.
func buildAddSoftmaxGraph(t *testing.T) (*graph.Graph, *graph.SubgraphView, *graph.Layer, *graph.Layer) {
	g := graph.New("sweep")
	info := tensor.Make(dtypes.Float32, 1, 4)
	in1 := g.AddInput("in1", info)
	in2 := g.AddInput("in2", info)
	add := g.AddAdd("add")
	softmax := g.AddSoftmax(graph.SoftmaxParams{Beta: 1}, "softmax")
	out := g.AddOutput("out")
	in1.Output(0).Connect(add.Input(0))
	in2.Output(0).Connect(add.Input(1))
	add.Output(0).SetInfo(info)
	add.Output(0).Connect(softmax.Input(0))
	softmax.Output(0).SetInfo(info)
	softmax.Output(0).Connect(out.Input(0))
	return g, graph.ViewFromGraph(g), add, softmax
}

func TestOptimizeSubgraphWith(t *testing.T) {
	_, sg, add, softmax := buildAddSoftmaxGraph(t)

	// Backend supporting only Add.
	views, err := OptimizeSubgraphWith("Fake", sg, func(l *graph.Layer) (graph.PrecompiledObject, bool) {
		if l.Type() != graph.LayerTypeAdd {
			return nil, false
		}
		return &addCompiled{}, true
	})
	require.NoError(t, err)
	require.Len(t, views.Substitutions, 1)
	require.Equal(t, []*graph.Layer{add}, views.Substitutions[0].Matched.Layers())
	require.Len(t, views.Untouched, 1)
	require.Equal(t, []*graph.Layer{softmax}, views.Untouched[0].Layers())
	require.NoError(t, views.Validate(sg))

	repl := views.Substitutions[0].Replacement.Layers()[0]
	require.Equal(t, graph.LayerTypePrecompiled, repl.Type())
	require.Equal(t, add.NumInputs(), repl.NumInputs())
	require.True(t, repl.Output(0).Info().Equal(add.Output(0).Info()))
}

func TestOptimizeSubgraphWithNothingSupported(t *testing.T) {
	_, sg, _, _ := buildAddSoftmaxGraph(t)
	views, err := OptimizeSubgraphWith("Fake", sg, func(*graph.Layer) (graph.PrecompiledObject, bool) {
		return nil, false
	})
	require.NoError(t, err)
	require.Empty(t, views.Substitutions)
	require.Equal(t, []*graph.SubgraphView{sg}, views.Untouched)
	require.NoError(t, views.Validate(sg))
}

func TestOptimizeSubgraphWithStructuralError(t *testing.T) {
	g := graph.New("broken")
	g.AddAdd("add") // inputs left unwired
	sg := graph.ViewFromGraph(g)
	_, err := OptimizeSubgraphWith("Fake", sg, func(l *graph.Layer) (graph.PrecompiledObject, bool) {
		_, _ = ResolveLayerInfos(l) // panics on the unwired input
		return &addCompiled{}, true
	})
	require.Error(t, err)
}

func TestHandleFactoryRegistry(t *testing.T) {
	r := NewHandleFactoryRegistry()
	_, err := r.Factory("nope")
	require.Error(t, err)
	r.RegisterMemoryManager(NewMemoryManager("RefCpu", nil))
	require.Len(t, r.MemoryManagers(), 1)
}

func TestValidateDetectsDoubleReport(t *testing.T) {
	_, sg, add, softmax := buildAddSoftmaxGraph(t)
	_ = softmax
	views := &OptimizationViews{
		Untouched: []*graph.SubgraphView{sg, graph.ViewFromLayer(add)},
	}
	require.Error(t, views.Validate(sg))
}
