// Package gpufuse implements the dynamic-fusion-style accelerated backend:
// supported layers are compiled at optimization time into workload sketches
// (opaque, serialized fused-operator programs) and substituted in the graph
// by precompiled nodes carrying them.
//
// Tensor handles come in three variants of one closed type: owning handles
// allocated from the backend's memory manager, importing handles wrapping
// externally-owned memory, and sub-handles viewing a window of a parent's
// storage. See Handle.
package gpufuse

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
)

// ID of the backend, used in delegate priority lists.
const ID backends.BackendID = "GpuFuse"

// Backend implements backends.Backend.
type Backend struct {
	support LayerSupport
}

// Compile-time check.
var _ backends.Backend = (*Backend)(nil)

// New constructs the GpuFuse backend.
func New() *Backend {
	return &Backend{}
}

// ID returns the backend identifier.
func (b *Backend) ID() backends.BackendID { return ID }

// LayerSupport returns the backend's support oracle.
func (b *Backend) LayerSupport() backends.LayerSupport { return b.support }

// OptimizeSubgraphView matches runs of supported layers (single-layer
// granularity), compiles each into a workload sketch and reports the
// substitutions plus the untouched remainder.
func (b *Backend) OptimizeSubgraphView(sg *graph.SubgraphView, opts backends.ModelOptions) (*backends.OptimizationViews, error) {
	return backends.OptimizeSubgraphWith(ID, sg, b.compileLayer)
}

// NewMemoryManager creates the backend's per-compilation memory manager,
// wrapping the custom allocator if one is supplied.
func (b *Backend) NewMemoryManager(custom memory.Allocator) *backends.MemoryManager {
	return backends.NewMemoryManager(ID, custom)
}

// NewTensorHandleFactory creates the backend's handle factory bound to the
// manager, with import disabled by default (see RegisterTensorHandleFactories).
func (b *Backend) NewTensorHandleFactory(mm *backends.MemoryManager) backends.TensorHandleFactory {
	return &HandleFactory{mm: mm}
}

// NewWorkloadFactory creates the factory that builds sketch-executing
// workloads.
func (b *Backend) NewWorkloadFactory(mm *backends.MemoryManager) backends.WorkloadFactory {
	return &WorkloadFactory{mm: mm}
}

// RegisterTensorHandleFactories creates the memory manager and registers the
// standard owning-handle factory alongside the import factory for zero-copy
// host buffers. Undefined import flags default to Malloc so force-import
// stays possible. The standard factory is returned: it is the one network
// loading allocates intermediate tensors from.
func (b *Backend) RegisterTensorHandleFactories(reg *backends.HandleFactoryRegistry,
	custom memory.Allocator, inputFlags, outputFlags backends.MemorySourceFlags) (*backends.MemoryManager, backends.TensorHandleFactory) {
	if inputFlags == backends.MemorySourceFlags(backends.MemorySourceUndefined) {
		inputFlags = backends.MemorySourceFlags(backends.MemorySourceMalloc)
	}
	if outputFlags == backends.MemorySourceFlags(backends.MemorySourceUndefined) {
		outputFlags = backends.MemorySourceFlags(backends.MemorySourceMalloc)
	}
	mm := b.NewMemoryManager(custom)
	reg.RegisterMemoryManager(mm)
	std := b.NewTensorHandleFactory(mm)
	reg.RegisterFactory(std)
	reg.RegisterFactory(&HandleFactory{mm: mm, importFlags: inputFlags | outputFlags})
	return mm, std
}
