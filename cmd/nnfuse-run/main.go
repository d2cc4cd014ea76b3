// nnfuse-run builds a small convolutional demo network, optimizes it through
// the delegate pipeline and executes one inference, reporting which backend
// claimed each layer and how much handle memory the run used.
//
// Example:
//
//	nnfuse-run -backends=GpuFuse,RefCpu -size=32 -v=1
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/backends/gpufuse"
	"github.com/nnfuse/nnfuse/backends/refcpu"
	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/internal/kernels"
	"github.com/nnfuse/nnfuse/runtime"
	"github.com/nnfuse/nnfuse/types/tensor"
)

var (
	flagBackends = flag.String("backends", "GpuFuse,RefCpu",
		"Comma-separated backend priority list. The last entry is the default path and must execute plain layers.")
	flagSize = flag.Int("size", 16, "Spatial size of the square demo input.")
	flagSeed = flag.Int64("seed", 42, "Seed for the random demo input.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %v. See 'nnfuse-run -help'.", flag.Args())
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run() error {
	var priority []backends.BackendID
	for _, name := range strings.Split(*flagBackends, ",") {
		priority = append(priority, backends.BackendID(strings.TrimSpace(name)))
	}

	registry := backends.NewRegistry()
	if err := registry.Register(gpufuse.New()); err != nil {
		return err
	}
	if err := registry.Register(refcpu.New()); err != nil {
		return err
	}

	g, inInfo, outInfo := buildDemoNetwork(*flagSize)
	delegate, err := runtime.NewDelegate(registry, runtime.Options{Backends: priority})
	if err != nil {
		return err
	}
	if err := delegate.Optimize(g); err != nil {
		return err
	}

	fmt.Println("Layer assignments:")
	for _, l := range g.TopologicalSort() {
		fmt.Printf("  %-40s -> %s\n", l, delegate.Assignment(l.GUID()))
	}

	net, err := delegate.Load(g)
	if err != nil {
		return err
	}
	defer net.Close()
	fmt.Printf("Loaded network %s\n", net.ID())

	rng := rand.New(rand.NewSource(*flagSeed))
	input := make([]float32, inInfo.Size())
	for i := range input {
		input[i] = rng.Float32()
	}
	inputBytes := make([]byte, inInfo.NumBytes())
	if err := kernels.ToBytes(inInfo.DType, inputBytes, input); err != nil {
		return err
	}
	outputBytes := make([]byte, outInfo.NumBytes())
	if err := net.Execute(
		map[string][]byte{"image": inputBytes},
		map[string][]byte{"probabilities": outputBytes},
	); err != nil {
		return err
	}

	probs, err := kernels.FromBytes(outInfo.DType, outputBytes)
	if err != nil {
		return err
	}
	var sum float32
	for _, p := range probs {
		sum += p
	}
	fmt.Printf("Output: %d probabilities, sum %.4f\n", len(probs), sum)

	for _, mm := range net.HandleFactories().MemoryManagers() {
		fmt.Printf("Backend %-10s outstanding handle memory: %s\n",
			mm.Backend(), humanize.Bytes(uint64(mm.OutstandingBytes())))
	}
	return nil
}

// buildDemoNetwork assembles image -> conv(3x3, 4 filters) -> relu ->
// softmax -> probabilities, with random constant weights.
func buildDemoNetwork(size int) (*graph.Graph, tensor.Info, tensor.Info) {
	const filters = 4
	rng := rand.New(rand.NewSource(*flagSeed + 1))

	g := graph.New("demo")
	inInfo := tensor.Make(dtypes.Float32, 1, size, size, 1)
	wInfo := tensor.Make(dtypes.Float32, filters, 3, 3, 1)
	weights := make([]float32, wInfo.Size())
	for i := range weights {
		weights[i] = rng.Float32() - 0.5
	}
	wBytes := make([]byte, wInfo.NumBytes())
	if err := kernels.ToBytes(wInfo.DType, wBytes, weights); err != nil {
		panic(err)
	}

	in := g.AddInput("image", inInfo)
	w := g.AddConstantData("weights", wInfo, wBytes)
	conv := g.AddConvolution2d(graph.Convolution2dParams{StrideH: 1, StrideW: 1}, "conv")
	relu := g.AddActivation(graph.ActivationParams{Function: graph.ActivationReLU}, "relu")
	softmax := g.AddSoftmax(graph.SoftmaxParams{Beta: 1}, "softmax")
	out := g.AddOutput("probabilities")

	convOut := tensor.Make(dtypes.Float32, 1, size-2, size-2, filters)
	in.Output(0).Connect(conv.Input(0))
	w.Output(0).Connect(conv.Input(1))
	conv.Output(0).SetInfo(convOut)
	conv.Output(0).Connect(relu.Input(0))
	relu.Output(0).SetInfo(convOut)
	relu.Output(0).Connect(softmax.Input(0))
	softmax.Output(0).SetInfo(convOut)
	softmax.Output(0).Connect(out.Input(0))
	return g, inInfo, convOut
}
