package backends

import (
	"slices"

	"github.com/nnfuse/nnfuse/graph"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/pkg/errors"
)

// FactoryID names a tensor-handle factory, e.g. "RefCpu/Owning".
type FactoryID string

// TensorHandleFactory creates the tensor handles of one backend, bound to a
// shared memory manager.
type TensorHandleFactory interface {
	// ID returns the factory's identifier.
	ID() FactoryID

	// CreateTensorHandle creates a top-level handle for the given tensor.
	// The handle is not yet backed by memory: call Allocate or Import.
	CreateTensorHandle(info tensor.Info) (TensorHandle, error)

	// CreateSubTensorHandle creates a view into parent's storage covering
	// the given shape at the given coordinate offset (element units, one
	// per parent axis). Fails if the factory does not support sub-tensors
	// or the window falls outside the parent's bounds.
	CreateSubTensorHandle(parent TensorHandle, shape, offset []int) (TensorHandle, error)

	// SupportsSubTensors reports whether CreateSubTensorHandle works.
	SupportsSubTensors() bool

	// ImportFlags returns the source kinds handles from this factory accept.
	ImportFlags() MemorySourceFlags
}

// Workload is one executable unit, bound to concrete tensor handles at
// creation time and run at inference time.
type Workload interface {
	Execute() error
}

// WorkloadFactory instantiates execution workloads for a backend's layers
// after substitution, one per remaining node.
type WorkloadFactory interface {
	// BackendID returns the backend this factory builds workloads for.
	BackendID() BackendID

	// CreateWorkload builds the workload executing the given layer, bound
	// to the resolved input and output handles.
	CreateWorkload(l *graph.Layer, inputs, outputs []TensorHandle) (Workload, error)
}

// HandleFactoryRegistry collects the tensor-handle factories and memory
// managers of every backend participating in one network compilation, so
// that handle lifetime can be coordinated across backends.
type HandleFactoryRegistry struct {
	order     []FactoryID
	factories map[FactoryID]TensorHandleFactory
	managers  []*MemoryManager
}

// NewHandleFactoryRegistry returns an empty registry.
func NewHandleFactoryRegistry() *HandleFactoryRegistry {
	return &HandleFactoryRegistry{factories: make(map[FactoryID]TensorHandleFactory)}
}

// RegisterFactory adds a factory. Later registrations of the same ID are
// ignored, mirroring the host framework's first-wins registration.
func (r *HandleFactoryRegistry) RegisterFactory(f TensorHandleFactory) {
	if _, dup := r.factories[f.ID()]; dup {
		return
	}
	r.order = append(r.order, f.ID())
	r.factories[f.ID()] = f
}

// RegisterMemoryManager tracks a manager for compilation-wide lifetime
// coordination.
func (r *HandleFactoryRegistry) RegisterMemoryManager(mm *MemoryManager) {
	r.managers = append(r.managers, mm)
}

// Factory returns the factory with the given ID.
func (r *HandleFactoryRegistry) Factory(id FactoryID) (TensorHandleFactory, error) {
	f, ok := r.factories[id]
	if !ok {
		return nil, errors.Errorf("no tensor-handle factory registered with id %q (registered: %v)", id, r.order)
	}
	return f, nil
}

// FactoryIDs returns the registered factory IDs in registration order.
func (r *HandleFactoryRegistry) FactoryIDs() []FactoryID { return slices.Clone(r.order) }

// MemoryManagers returns the registered managers in registration order.
func (r *HandleFactoryRegistry) MemoryManagers() []*MemoryManager {
	return slices.Clone(r.managers)
}
