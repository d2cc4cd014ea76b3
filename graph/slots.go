package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/nnfuse/nnfuse/types/tensor"
)

// OutputSlot is a layer's connection point for one of its results. It carries
// the tensor.Info describing the produced tensor and may feed any number of
// input slots on other layers.
type OutputSlot struct {
	owner       *Layer
	index       int
	info        tensor.Info
	connections []*InputSlot
}

// Owner returns the layer this slot belongs to.
func (o *OutputSlot) Owner() *Layer { return o.owner }

// Index returns the slot's position among the owner's output slots.
func (o *OutputSlot) Index() int { return o.index }

// Info returns the tensor description attached to the slot.
// It is invalid (Info.Ok() == false) until SetInfo is called.
func (o *OutputSlot) Info() tensor.Info { return o.info }

// SetInfo attaches the tensor description produced at this slot.
//
// During an optimization pass, infos are only set on freshly inserted
// precompiled layers; infos of pre-existing slots are treated as immutable.
func (o *OutputSlot) SetInfo(info tensor.Info) { o.info = info }

// NumConnections returns how many input slots this slot feeds.
func (o *OutputSlot) NumConnections() int { return len(o.connections) }

// Connections returns a copy of the input slots this slot feeds, in
// connection order.
func (o *OutputSlot) Connections() []*InputSlot {
	return slices.Clone(o.connections)
}

// Connect wires this output slot to the given input slot.
// The input slot must be unwired: an input connects to exactly one output.
func (o *OutputSlot) Connect(in *InputSlot) {
	if in.connection != nil {
		exceptions.Panicf("graph: input slot %d of %s is already connected to %s",
			in.index, in.owner, in.connection.owner)
	}
	in.connection = o
	o.connections = append(o.connections, in)
}

// Disconnect unwires the given input slot from this output slot.
// It is a no-op if the input slot is not connected to this slot.
func (o *OutputSlot) Disconnect(in *InputSlot) {
	idx := slices.Index(o.connections, in)
	if idx < 0 {
		return
	}
	o.connections = slices.Delete(o.connections, idx, idx+1)
	in.connection = nil
}

// InputSlot is a layer's connection point for one of its operands.
// It connects to exactly one output slot, or to none until wired.
type InputSlot struct {
	owner      *Layer
	index      int
	connection *OutputSlot
}

// Owner returns the layer this slot belongs to.
func (in *InputSlot) Owner() *Layer { return in.owner }

// Index returns the slot's position among the owner's input slots.
func (in *InputSlot) Index() int { return in.index }

// ConnectedOutput returns the output slot feeding this input, or nil if the
// slot is unwired.
func (in *InputSlot) ConnectedOutput() *OutputSlot { return in.connection }

// ResolvedInfo follows the connection and returns the producing slot's
// tensor.Info. A disconnected required input is a structural graph error:
// it panics with a stack trace, to be propagated by the optimization pass.
func (in *InputSlot) ResolvedInfo() tensor.Info {
	if in.connection == nil {
		exceptions.Panicf("graph: input slot %d of %s is not connected, cannot resolve its tensor info",
			in.index, in.owner)
	}
	return in.connection.Info()
}
