// Package refcpu implements the reference CPU backend: portable, executing
// every layer type of the graph package on the host, with owning tensor
// handles allocated from its memory manager.
//
// It doubles as the delegate pipeline's default execution path: its workload
// factory accepts plain (non-precompiled) layers, so layers no backend
// claimed still run.
package refcpu

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
)

// ID of the backend, used in delegate priority lists.
const ID backends.BackendID = "RefCpu"

// Backend implements backends.Backend.
type Backend struct {
	support LayerSupport
}

// Compile-time check.
var _ backends.Backend = (*Backend)(nil)

// New constructs the reference CPU backend.
func New() *Backend {
	return &Backend{}
}

// ID returns the backend identifier.
func (b *Backend) ID() backends.BackendID { return ID }

// LayerSupport returns the backend's support oracle.
func (b *Backend) LayerSupport() backends.LayerSupport { return b.support }

// OptimizeSubgraphView matches supported layers at single-layer granularity
// and compiles each into a bound reference operator.
func (b *Backend) OptimizeSubgraphView(sg *graph.SubgraphView, opts backends.ModelOptions) (*backends.OptimizationViews, error) {
	return backends.OptimizeSubgraphWith(ID, sg, b.compileLayer)
}

// NewMemoryManager creates the backend's per-compilation memory manager.
func (b *Backend) NewMemoryManager(custom memory.Allocator) *backends.MemoryManager {
	return backends.NewMemoryManager(ID, custom)
}

// NewTensorHandleFactory creates the owning-handle factory.
func (b *Backend) NewTensorHandleFactory(mm *backends.MemoryManager) backends.TensorHandleFactory {
	return &HandleFactory{mm: mm}
}

// NewWorkloadFactory creates the reference workload factory.
func (b *Backend) NewWorkloadFactory(mm *backends.MemoryManager) backends.WorkloadFactory {
	return &WorkloadFactory{mm: mm}
}

// RegisterTensorHandleFactories creates and registers the backend's memory
// manager and handle factory. The reference handles never import, so the
// input/output import flags are ignored.
func (b *Backend) RegisterTensorHandleFactories(reg *backends.HandleFactoryRegistry,
	custom memory.Allocator, inputFlags, outputFlags backends.MemorySourceFlags) (*backends.MemoryManager, backends.TensorHandleFactory) {
	_ = inputFlags
	_ = outputFlags
	mm := b.NewMemoryManager(custom)
	reg.RegisterMemoryManager(mm)
	hf := b.NewTensorHandleFactory(mm)
	reg.RegisterFactory(hf)
	return mm, hf
}
