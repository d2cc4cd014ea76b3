package refcpu

import (
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/pkg/errors"
)

// Handle is the reference backend's owning tensor handle: it allocates its
// buffer from the backend's memory manager and frees it on Free. It has no
// importing or sub-view variant.
type Handle struct {
	info tensor.Info
	mm   *backends.MemoryManager
	buf  []byte
}

// Compile-time check.
var _ backends.TensorHandle = (*Handle)(nil)

// NewHandle creates an unbacked owning handle; call Allocate before use.
func NewHandle(mm *backends.MemoryManager, info tensor.Info) *Handle {
	return &Handle{info: info, mm: mm}
}

// Info returns the tensor description the handle was built for.
func (h *Handle) Info() tensor.Info { return h.info }

// Shape returns the handle's dimensions.
func (h *Handle) Shape() []int { return h.info.Clone().Dimensions }

// Strides returns the row-major byte stride of each axis.
func (h *Handle) Strides() []int { return h.info.ByteStrides() }

// ImportFlags returns Undefined: reference handles never import.
func (h *Handle) ImportFlags() backends.MemorySourceFlags { return 0 }

// Parent returns nil: reference handles are always top-level.
func (h *Handle) Parent() backends.TensorHandle { return nil }

// Allocate backs the handle with memory from its manager. Idempotent.
func (h *Handle) Allocate() error {
	if h.buf == nil {
		h.buf = h.mm.Allocate(h.info.NumBytes())
	}
	return nil
}

// Free returns the buffer to the manager.
func (h *Handle) Free() {
	h.mm.Free(h.buf)
	h.buf = nil
}

// Map exposes the buffer for a scoped access.
func (h *Handle) Map(blocking bool) ([]byte, error) {
	_ = blocking
	if h.buf == nil {
		return nil, errors.Wrapf(backends.ErrUnallocated, "handle for %s", h.info)
	}
	return h.buf, nil
}

// Unmap ends a scoped access; a no-op, safe to call unpaired.
func (h *Handle) Unmap() {}

// Import always fails: the reference backend executes on copies, the
// fallback the import error taxonomy points callers to.
func (h *Handle) Import(data []byte, source backends.MemorySource) error {
	return errors.Wrapf(backends.ErrImportRejected,
		"reference handles do not accept imported memory (source %s)", source)
}

// CopyIn copies data into the handle's buffer.
func (h *Handle) CopyIn(data []byte) error {
	if err := backends.CheckCopyDType(h.info, data); err != nil {
		return err
	}
	buf, err := h.Map(true)
	if err != nil {
		return err
	}
	defer h.Unmap()
	copy(buf, data)
	return nil
}

// CopyOut copies the handle's buffer into data.
func (h *Handle) CopyOut(data []byte) error {
	if err := backends.CheckCopyDType(h.info, data); err != nil {
		return err
	}
	buf, err := h.Map(true)
	if err != nil {
		return err
	}
	defer h.Unmap()
	copy(data, buf)
	return nil
}

// FactoryID of the reference handle factory.
const FactoryID backends.FactoryID = "RefCpu/Owning"

// HandleFactory creates owning reference handles bound to one manager.
type HandleFactory struct {
	mm *backends.MemoryManager
}

// Compile-time check.
var _ backends.TensorHandleFactory = (*HandleFactory)(nil)

// ID implements backends.TensorHandleFactory.
func (f *HandleFactory) ID() backends.FactoryID { return FactoryID }

// ImportFlags implements backends.TensorHandleFactory.
func (f *HandleFactory) ImportFlags() backends.MemorySourceFlags { return 0 }

// CreateTensorHandle implements backends.TensorHandleFactory.
func (f *HandleFactory) CreateTensorHandle(info tensor.Info) (backends.TensorHandle, error) {
	return NewHandle(f.mm, info), nil
}

// CreateSubTensorHandle implements backends.TensorHandleFactory.
func (f *HandleFactory) CreateSubTensorHandle(parent backends.TensorHandle, shape, offset []int) (backends.TensorHandle, error) {
	return nil, errors.Errorf("refcpu: sub-tensor handles are not supported")
}

// SupportsSubTensors implements backends.TensorHandleFactory.
func (f *HandleFactory) SupportsSubTensors() bool { return false }
