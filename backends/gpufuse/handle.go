package gpufuse

import (
	"unsafe"

	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/pkg/errors"
)

// handleKind is the variant tag of a Handle.
type handleKind int

const (
	// kindOwning allocates its buffer from the memory manager and frees it.
	kindOwning handleKind = iota
	// kindImported wraps externally-owned memory and never frees it.
	kindImported
	// kindSubView borrows a window of its parent's storage.
	kindSubView
)

// Handle is the GpuFuse tensor handle: one closed type covering the owning,
// importing and sub-view variants, dispatching on the kind tag.
//
// A sub-view is logically invalidated when its parent is destroyed; callers
// must keep the parent alive for as long as any sub-view of it is in use.
type Handle struct {
	kind        handleKind
	info        tensor.Info
	importFlags backends.MemorySourceFlags
	mm          *backends.MemoryManager

	buf        []byte  // owning: allocated; imported: bound external memory
	parent     *Handle // sub-view only
	byteOffset int     // sub-view: offset of the first element in the parent
}

// Compile-time check.
var _ backends.TensorHandle = (*Handle)(nil)

// NewOwningHandle creates a handle that allocates its own buffer from the
// memory manager on Allocate.
func NewOwningHandle(mm *backends.MemoryManager, info tensor.Info) *Handle {
	return &Handle{kind: kindOwning, info: info, mm: mm}
}

// NewImportHandle creates a handle that accepts externally-owned memory of
// the given source kinds. It never allocates and never frees.
func NewImportHandle(info tensor.Info, importFlags backends.MemorySourceFlags) *Handle {
	return &Handle{kind: kindImported, info: info, importFlags: importFlags}
}

// NewSubHandle creates a view of shape elements at the given per-axis
// element offset inside parent. The window must stay within the parent's
// bounds; a window outside them is a contract violation and is rejected.
func NewSubHandle(parent *Handle, shape, offset []int) (*Handle, error) {
	parentInfo := parent.Info()
	if len(shape) != parentInfo.Rank() || len(offset) != parentInfo.Rank() {
		return nil, errors.Errorf("gpufuse: sub-handle shape %v / offset %v must have the parent's rank %d",
			shape, offset, parentInfo.Rank())
	}
	strides := parentInfo.ByteStrides()
	byteOffset := 0
	for axis := range shape {
		if offset[axis] < 0 || shape[axis] <= 0 || offset[axis]+shape[axis] > parentInfo.Dim(axis) {
			return nil, errors.Errorf("gpufuse: sub-handle window [%d, %d) outside parent dimension %d of axis %d",
				offset[axis], offset[axis]+shape[axis], parentInfo.Dim(axis), axis)
		}
		byteOffset += offset[axis] * strides[axis]
	}
	info := tensor.Make(parentInfo.DType, shape...)
	info.Quant = parentInfo.Quant
	return &Handle{kind: kindSubView, info: info, parent: parent, byteOffset: byteOffset}, nil
}

// Info returns the tensor description the handle was built for.
func (h *Handle) Info() tensor.Info { return h.info }

// Shape returns the handle's dimensions.
func (h *Handle) Shape() []int { return h.info.Clone().Dimensions }

// Strides returns the row-major byte stride of each axis.
func (h *Handle) Strides() []int { return h.info.ByteStrides() }

// ImportFlags returns the source kinds the handle accepts for Import.
func (h *Handle) ImportFlags() backends.MemorySourceFlags { return h.importFlags }

// Parent returns the owning handle of a sub-view, nil otherwise.
func (h *Handle) Parent() backends.TensorHandle {
	if h.parent == nil {
		return nil
	}
	return h.parent
}

// Allocate backs an owning handle with memory from its manager. A no-op for
// importing handles and sub-views, which never allocate.
func (h *Handle) Allocate() error {
	if h.kind != kindOwning || h.buf != nil {
		return nil
	}
	h.buf = h.mm.Allocate(h.info.NumBytes())
	return nil
}

// Free returns an owning handle's buffer to its manager. Imported memory is
// left alone: ownership stays with the caller that imported it.
func (h *Handle) Free() {
	if h.kind != kindOwning {
		return
	}
	h.mm.Free(h.buf)
	h.buf = nil
}

// Map exposes the handle's buffer, offset for sub-views, for a scoped
// access. The blocking flag is ignored: accesses are synchronous here.
func (h *Handle) Map(blocking bool) ([]byte, error) {
	_ = blocking
	if h.kind == kindSubView {
		parentBuf, err := h.parent.Map(blocking)
		if err != nil {
			return nil, err
		}
		return parentBuf[h.byteOffset : h.byteOffset+h.info.NumBytes()], nil
	}
	if h.buf == nil {
		return nil, errors.Wrapf(backends.ErrUnallocated, "handle for %s", h.info)
	}
	return h.buf, nil
}

// Unmap ends a scoped access. There is no deferred synchronization to flush,
// so it is a no-op, safe to call unpaired.
func (h *Handle) Unmap() {}

// Import binds the handle to externally-owned memory. The memory stays owned
// by the caller; the handle never frees it. On any failure the handle is
// left exactly as it was.
func (h *Handle) Import(data []byte, source backends.MemorySource) error {
	if !h.importFlags.Has(source) {
		return errors.Wrapf(backends.ErrImportRejected,
			"source %s not in handle's accepted flags (%s)", source, h.importFlags)
	}
	if source != backends.MemorySourceMalloc {
		return errors.Wrapf(backends.ErrMemoryImport,
			"platform import from source %s is not implemented", source)
	}
	if len(data) != h.info.NumBytes() {
		return errors.Wrapf(backends.ErrMemoryImport,
			"imported memory has %d bytes, tensor %s requires %d", len(data), h.info, h.info.NumBytes())
	}
	if addr := uintptr(unsafe.Pointer(unsafe.SliceData(data))); addr%uintptr(h.info.DType.Size()) != 0 {
		return errors.Wrapf(backends.ErrMemoryImport,
			"imported memory at %#x is not aligned to the %d-byte element size", addr, h.info.DType.Size())
	}
	h.buf = data
	return nil
}

// CopyIn copies data into the handle's buffer through a scoped Map.
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

// CopyOut copies the handle's buffer into data through a scoped Map.
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

// FactoryID of the standard GpuFuse handle factory, whose handles own their
// storage.
const FactoryID backends.FactoryID = "GpuFuse/Standard"

// ImportFactoryID of the import factory, whose handles bind externally-owned
// memory instead of allocating.
const ImportFactoryID backends.FactoryID = "GpuFuse/Import"

// HandleFactory creates GpuFuse handles bound to one memory manager.
// With import flags set, top-level handles are created as the importing
// variant; otherwise they own their storage.
type HandleFactory struct {
	mm          *backends.MemoryManager
	importFlags backends.MemorySourceFlags
}

// Compile-time check.
var _ backends.TensorHandleFactory = (*HandleFactory)(nil)

// ID implements backends.TensorHandleFactory.
func (f *HandleFactory) ID() backends.FactoryID {
	if f.importFlags != 0 {
		return ImportFactoryID
	}
	return FactoryID
}

// ImportFlags implements backends.TensorHandleFactory.
func (f *HandleFactory) ImportFlags() backends.MemorySourceFlags { return f.importFlags }

// CreateTensorHandle implements backends.TensorHandleFactory.
func (f *HandleFactory) CreateTensorHandle(info tensor.Info) (backends.TensorHandle, error) {
	if f.importFlags != 0 {
		return NewImportHandle(info, f.importFlags), nil
	}
	return NewOwningHandle(f.mm, info), nil
}

// CreateSubTensorHandle implements backends.TensorHandleFactory.
func (f *HandleFactory) CreateSubTensorHandle(parent backends.TensorHandle, shape, offset []int) (backends.TensorHandle, error) {
	p, ok := parent.(*Handle)
	if !ok {
		return nil, errors.Errorf("gpufuse: parent handle is %T, not a GpuFuse handle", parent)
	}
	return NewSubHandle(p, shape, offset)
}

// SupportsSubTensors implements backends.TensorHandleFactory.
func (f *HandleFactory) SupportsSubTensors() bool { return true }
