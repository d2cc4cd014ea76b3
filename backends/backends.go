// Package backends defines the API an acceleration backend implements to
// participate in the delegate pipeline: layer-support checking, subgraph
// optimization (substituting runs of supported layers by precompiled nodes),
// tensor-handle factories and per-compilation memory managers.
//
// Backends are assembled into an explicit Registry owned by whoever drives a
// run (see the runtime package); there is no process-wide backend registry.
package backends

import (
	"slices"

	"github.com/nnfuse/nnfuse/graph"
	"github.com/pkg/errors"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BackendID names a backend, e.g. "RefCpu" or "GpuFuse".
type BackendID string

// ModelOptions are backend-tunable options: unconstrained key/value pairs
// passed through to OptimizeSubgraphView. Unknown keys are ignored.
type ModelOptions map[string]string

// Get returns the option value and whether it was set.
func (o ModelOptions) Get(key string) (string, bool) {
	v, ok := o[key]
	return v, ok
}

// Backend is the interface an acceleration backend implements.
//
// A Backend is stateless with respect to any particular network; per-network
// state lives in the MemoryManager, the factories and the workloads it
// creates.
type Backend interface {
	// ID returns the backend's identifier, used in priority lists.
	ID() BackendID

	// LayerSupport returns the backend's support oracle.
	LayerSupport() LayerSupport

	// OptimizeSubgraphView walks the subgraph and returns the substitutions
	// of supported layer runs by precompiled nodes, plus the untouched
	// remainder. Structural graph errors (e.g. a disconnected required
	// input) are returned as errors and abort the surrounding compilation.
	OptimizeSubgraphView(sg *graph.SubgraphView, opts ModelOptions) (*OptimizationViews, error)

	// NewMemoryManager creates the backend's per-compilation memory manager.
	// If custom is non-nil the manager wraps it instead of the backend's
	// default allocator; the choice is fixed at construction.
	NewMemoryManager(custom memory.Allocator) *MemoryManager

	// NewTensorHandleFactory creates a handle factory bound to the manager.
	NewTensorHandleFactory(mm *MemoryManager) TensorHandleFactory

	// NewWorkloadFactory creates the factory that instantiates execution
	// workloads for the backend's layers, bound to the manager.
	NewWorkloadFactory(mm *MemoryManager) WorkloadFactory

	// RegisterTensorHandleFactories creates the backend's memory manager and
	// handle factory, registers both with the registry and returns them,
	// configuring the import flags of input/output handles. Undefined flags
	// default to Malloc so that force-import remains possible.
	RegisterTensorHandleFactories(reg *HandleFactoryRegistry, custom memory.Allocator,
		inputFlags, outputFlags MemorySourceFlags) (*MemoryManager, TensorHandleFactory)
}

// Registry is an explicit, caller-owned collection of backends, ordered by
// registration. It replaces any process-wide backend singleton: construct
// one, register the backends of a run, and pass it by reference to the
// delegate.
type Registry struct {
	order    []BackendID
	backends map[BackendID]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[BackendID]Backend)}
}

// Register adds a backend. Registering the same ID twice is an error.
func (r *Registry) Register(b Backend) error {
	id := b.ID()
	if _, dup := r.backends[id]; dup {
		return errors.Errorf("backend %q already registered", id)
	}
	r.order = append(r.order, id)
	r.backends[id] = b
	return nil
}

// Get returns the backend with the given ID, or an error if unknown.
func (r *Registry) Get(id BackendID) (Backend, error) {
	b, ok := r.backends[id]
	if !ok {
		return nil, errors.Errorf("no backend registered with id %q (registered: %v)", id, r.order)
	}
	return b, nil
}

// IDs returns the registered backend IDs in registration order.
func (r *Registry) IDs() []BackendID { return slices.Clone(r.order) }
