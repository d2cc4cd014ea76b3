// Package runtime drives the delegate pipeline end to end: a Delegate runs
// the registered backends over a graph in priority order, substituting the
// layer runs each backend claims, and a LoadedNetwork binds the optimized
// graph to tensor handles and workloads for synchronous execution.
package runtime

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
)

// Options configures a Delegate.
type Options struct {
	// Backends is the priority list: earlier backends get first pick of the
	// graph's layers. The last entry doubles as the default execution path,
	// so its workload factory must accept plain (non-precompiled) layers.
	Backends []backends.BackendID

	// BackendOptions carries per-backend tunables, passed through to each
	// backend's OptimizeSubgraphView.
	BackendOptions map[backends.BackendID]backends.ModelOptions

	// Allocator, if non-nil, replaces every backend's default allocator for
	// handle storage. Wrap a memory.CheckedAllocator here to audit leaks.
	Allocator memory.Allocator

	// InputImportFlags and OutputImportFlags select the memory sources the
	// backends' handles accept for zero-copy import. Undefined flags
	// default to Malloc, so force-import of host buffers stays possible on
	// backends whose handles can import at all.
	InputImportFlags  backends.MemorySourceFlags
	OutputImportFlags backends.MemorySourceFlags
}

// Delegate assigns a graph's layers to backends and applies the resulting
// substitutions. It holds no per-network execution state: Load builds that.
type Delegate struct {
	registry *backends.Registry
	opts     Options

	// Backend that produced each precompiled layer, recorded by Optimize.
	assigned map[graph.LayerGUID]backends.BackendID
}

// NewDelegate builds a delegate over the registry with the given options.
// Every ID in the priority list must be registered, and the list must not be
// empty.
func NewDelegate(registry *backends.Registry, opts Options) (*Delegate, error) {
	if len(opts.Backends) == 0 {
		return nil, errors.New("delegate: empty backend priority list")
	}
	for _, id := range opts.Backends {
		if _, err := registry.Get(id); err != nil {
			return nil, errors.Wrap(err, "delegate")
		}
	}
	return &Delegate{registry: registry, opts: opts}, nil
}

// Optimize runs each backend of the priority list over the view of the
// graph's not-yet-assigned layers, applies the substitutions it returns, and
// records which backend owns each inserted precompiled layer. Layers left
// untouched fall through to the next backend, and finally to the default
// path. Structural graph violations surface as errors and leave the graph in
// an unspecified state.
func (d *Delegate) Optimize(g *graph.Graph) error {
	d.assigned = make(map[graph.LayerGUID]backends.BackendID)

	unassigned := make(map[graph.LayerGUID]bool)
	for _, l := range g.Layers() {
		if l.Type() == graph.LayerTypeInput || l.Type() == graph.LayerTypeOutput {
			continue
		}
		unassigned[l.GUID()] = true
	}

	for _, id := range d.opts.Backends {
		backend, err := d.registry.Get(id)
		if err != nil {
			return errors.Wrap(err, "delegate")
		}
		var selection []*graph.Layer
		for _, l := range g.Layers() {
			if unassigned[l.GUID()] {
				selection = append(selection, l)
			}
		}
		if len(selection) == 0 {
			break
		}
		sg := graph.ViewFromSelection(selection)
		views, err := backend.OptimizeSubgraphView(sg, d.opts.BackendOptions[id])
		if err != nil {
			return errors.Wrapf(err, "delegate: backend %s", id)
		}
		if err := views.Validate(sg); err != nil {
			return errors.Wrapf(err, "delegate: backend %s", id)
		}

		err = exceptions.TryCatch[error](func() {
			for _, sub := range views.Substitutions {
				g.SubstituteSubgraph(sub)
				for _, l := range sub.Matched.Layers() {
					delete(unassigned, l.GUID())
				}
				for _, l := range sub.Replacement.Layers() {
					d.assigned[l.GUID()] = id
				}
			}
		})
		if err != nil {
			return errors.Wrapf(err, "delegate: applying substitutions of backend %s", id)
		}
		klog.V(1).Infof("delegate: backend %s claimed %d region(s), %d layer(s) remain unassigned",
			id, len(views.Substitutions), len(unassigned))
	}
	return nil
}

// Assignment returns the backend that compiled the given precompiled layer.
// Layers no backend claimed report the default path: the last backend of the
// priority list.
func (d *Delegate) Assignment(guid graph.LayerGUID) backends.BackendID {
	if id, ok := d.assigned[guid]; ok {
		return id
	}
	return d.defaultBackend()
}

func (d *Delegate) defaultBackend() backends.BackendID {
	return d.opts.Backends[len(d.opts.Backends)-1]
}
