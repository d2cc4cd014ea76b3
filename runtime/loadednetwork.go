package runtime

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/graph"
)

// backendRuntime is one backend's per-network execution state: its memory
// manager and the two factories bound to it.
type backendRuntime struct {
	backend   backends.Backend
	mm        *backends.MemoryManager
	handles   backends.TensorHandleFactory
	workloads backends.WorkloadFactory
}

// boundWorkload pairs a workload with the layer it executes, for error
// reporting.
type boundWorkload struct {
	layer    *graph.Layer
	workload backends.Workload
}

// LoadedNetwork is an optimized graph bound to concrete tensor handles and
// workloads, ready for synchronous inference. Every output slot gets exactly
// one handle, allocated from the producing layer's backend; consumers read
// the producer's handle directly. Constant layers are materialized once at
// load time.
//
// A LoadedNetwork is not safe for concurrent Execute calls.
type LoadedNetwork struct {
	id       uuid.UUID
	g        *graph.Graph
	runtimes map[backends.BackendID]*backendRuntime
	registry *backends.HandleFactoryRegistry

	handles   map[*graph.OutputSlot]backends.TensorHandle
	workloads []boundWorkload
	inputs    map[string]*graph.Layer
	outputs   map[string]*graph.Layer
}

// Load binds the optimized graph to handles and workloads. Call it after
// Optimize; loading a graph with layers assigned to a backend outside the
// priority list fails.
func (d *Delegate) Load(g *graph.Graph) (*LoadedNetwork, error) {
	net := &LoadedNetwork{
		id:       uuid.New(),
		g:        g,
		runtimes: make(map[backends.BackendID]*backendRuntime),
		registry: backends.NewHandleFactoryRegistry(),
		handles:  make(map[*graph.OutputSlot]backends.TensorHandle),
		inputs:   make(map[string]*graph.Layer),
		outputs:  make(map[string]*graph.Layer),
	}
	for _, id := range d.opts.Backends {
		backend, err := d.registry.Get(id)
		if err != nil {
			return nil, errors.Wrap(err, "load")
		}
		mm, hf := backend.RegisterTensorHandleFactories(net.registry, d.opts.Allocator,
			d.opts.InputImportFlags, d.opts.OutputImportFlags)
		net.runtimes[id] = &backendRuntime{
			backend:   backend,
			mm:        mm,
			handles:   hf,
			workloads: backend.NewWorkloadFactory(mm),
		}
	}

	order := g.TopologicalSort()

	// One handle per output slot, allocated from the producer's backend.
	for _, l := range order {
		rt := net.runtimes[d.Assignment(l.GUID())]
		for i := 0; i < l.NumOutputs(); i++ {
			slot := l.Output(i)
			h, err := rt.handles.CreateTensorHandle(slot.Info())
			if err != nil {
				net.release()
				return nil, errors.Wrapf(err, "load: creating handle for %s output %d", l, i)
			}
			if err := h.Allocate(); err != nil {
				net.release()
				return nil, errors.Wrapf(err, "load: allocating handle for %s output %d", l, i)
			}
			net.handles[slot] = h
		}
	}

	// One workload per remaining node. Constants run once, here; Input and
	// Output layers are host boundaries and get no workload.
	for _, l := range order {
		switch l.Type() {
		case graph.LayerTypeInput:
			net.inputs[l.Name()] = l
			continue
		case graph.LayerTypeOutput:
			net.outputs[l.Name()] = l
			continue
		case graph.LayerTypeConstant:
			if p, ok := l.Parameters().(graph.ConstantParams); ok && p.Data == nil {
				// Materialized by the host through the already-allocated
				// handle, outside the pipeline.
				continue
			}
		}
		inputs := make([]backends.TensorHandle, l.NumInputs())
		for i := range inputs {
			src := l.Input(i).ConnectedOutput()
			if src == nil {
				net.release()
				return nil, errors.Errorf("load: %s input %d is not connected", l, i)
			}
			inputs[i] = net.handles[src]
		}
		outputs := make([]backends.TensorHandle, l.NumOutputs())
		for i := range outputs {
			outputs[i] = net.handles[l.Output(i)]
		}
		rt := net.runtimes[d.Assignment(l.GUID())]
		w, err := rt.workloads.CreateWorkload(l, inputs, outputs)
		if err != nil {
			net.release()
			return nil, errors.Wrapf(err, "load: building workload for %s", l)
		}
		if l.Type() == graph.LayerTypeConstant {
			if err := w.Execute(); err != nil {
				net.release()
				return nil, errors.Wrapf(err, "load: materializing %s", l)
			}
			continue
		}
		net.workloads = append(net.workloads, boundWorkload{layer: l, workload: w})
	}

	klog.V(1).Infof("loaded network %s: %d workload(s), %d handle(s) across %d backend(s)",
		net.id, len(net.workloads), len(net.handles), len(net.runtimes))
	return net, nil
}

// ID returns the network's unique identifier.
func (n *LoadedNetwork) ID() uuid.UUID { return n.id }

// HandleFactories returns the registry of the tensor-handle factories and
// memory managers participating in this network.
func (n *LoadedNetwork) HandleFactories() *backends.HandleFactoryRegistry { return n.registry }

// Execute runs the network synchronously: input bytes are copied into the
// input layers' handles, the workloads run in topological order, and the
// output layers' tensors are copied into the caller's pre-sized buffers.
// Both maps are keyed by layer name.
func (n *LoadedNetwork) Execute(inputs, outputs map[string][]byte) error {
	for name, l := range n.inputs {
		data, ok := inputs[name]
		if !ok {
			return errors.Errorf("execute: no data supplied for input %q", name)
		}
		if err := n.handles[l.Output(0)].CopyIn(data); err != nil {
			return errors.Wrapf(err, "execute: input %q", name)
		}
	}
	for _, bw := range n.workloads {
		if err := bw.workload.Execute(); err != nil {
			return errors.Wrapf(err, "execute: %s", bw.layer)
		}
	}
	for name, l := range n.outputs {
		dst, ok := outputs[name]
		if !ok {
			return errors.Errorf("execute: no buffer supplied for output %q", name)
		}
		src := l.Input(0).ConnectedOutput()
		if src == nil {
			return errors.Errorf("execute: output %q is not connected", name)
		}
		if err := n.handles[src].CopyOut(dst); err != nil {
			return errors.Wrapf(err, "execute: output %q", name)
		}
	}
	return nil
}

// Close frees every handle the network allocated. The memory managers stay
// queryable afterwards, so a checked allocator can be audited for leaks.
func (n *LoadedNetwork) Close() {
	n.release()
}

func (n *LoadedNetwork) release() {
	for slot, h := range n.handles {
		h.Free()
		delete(n.handles, slot)
	}
}
