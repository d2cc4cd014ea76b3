package backends

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/pkg/errors"
)

// MemorySource identifies where externally-owned memory offered to Import
// comes from.
type MemorySource uint32

const (
	MemorySourceUndefined MemorySource = 0
	MemorySourceMalloc    MemorySource = 1 << (iota - 1)
	MemorySourceDmaBuf
	MemorySourceDmaBufProtected
)

// String implements fmt.Stringer.
func (s MemorySource) String() string {
	switch s {
	case MemorySourceUndefined:
		return "Undefined"
	case MemorySourceMalloc:
		return "Malloc"
	case MemorySourceDmaBuf:
		return "DmaBuf"
	case MemorySourceDmaBufProtected:
		return "DmaBufProtected"
	}
	return "Unknown"
}

// MemorySourceFlags is a bitmask of accepted MemorySource kinds.
type MemorySourceFlags uint32

// Flags combines source kinds into a bitmask.
func Flags(sources ...MemorySource) MemorySourceFlags {
	var f MemorySourceFlags
	for _, s := range sources {
		f |= MemorySourceFlags(s)
	}
	return f
}

// Has reports whether the source kind is in the accepted set.
func (f MemorySourceFlags) Has(s MemorySource) bool {
	return f&MemorySourceFlags(s) != 0
}

// String implements fmt.Stringer.
func (f MemorySourceFlags) String() string {
	if f == 0 {
		return "Undefined"
	}
	var parts []string
	for _, s := range []MemorySource{MemorySourceMalloc, MemorySourceDmaBuf, MemorySourceDmaBufProtected} {
		if f.Has(s) {
			parts = append(parts, s.String())
		}
	}
	return strings.Join(parts, "|")
}

// Typed tensor-handle failures. Callers match with errors.Is; the wrapped
// message carries the diagnostic detail.
var (
	// ErrImportRejected: the offered source kind is not in the handle's
	// accepted flags. The handle is left unchanged.
	ErrImportRejected = errors.New("memory import rejected")

	// ErrMemoryImport: the source kind was acceptable but the platform
	// import failed (alignment, size, allocator refusal). The handle is
	// left unallocated.
	ErrMemoryImport = errors.New("memory import failed")

	// ErrUnimplementedDType: a data-movement routine has no copy routine
	// for the tensor's data type. Signals a missing backend capability.
	ErrUnimplementedDType = errors.New("unimplemented data type for data movement")

	// ErrUnallocated: Map or a copy was attempted before Allocate/Import.
	ErrUnallocated = errors.New("tensor handle is not backed by memory")
)

// TensorHandle abstracts the block of device or host memory backing one
// tensor at execution time.
//
// Variants differ in ownership: an owning handle allocates and frees its own
// buffer; an importing handle wraps externally-owned memory it never frees;
// a sub-handle is a view into a parent handle's storage and borrows it. The
// parent must outlive every sub-handle referencing it.
type TensorHandle interface {
	// Info returns the tensor description the handle was built for.
	Info() tensor.Info

	// Shape returns the handle's dimensions.
	Shape() []int

	// Strides returns the row-major byte stride of each axis.
	Strides() []int

	// Allocate backs the handle with memory from its manager. A no-op for
	// importing handles and sub-handles, which never allocate.
	Allocate() error

	// Free releases memory the handle allocated from its manager. A no-op
	// for importing handles and sub-handles, which never own their buffer,
	// and safe to call repeatedly.
	Free()

	// Map exposes the handle's (possibly offset) buffer for the duration of
	// a scoped access. The blocking flag requests synchronous behavior;
	// backends without deferred synchronization ignore it.
	Map(blocking bool) ([]byte, error)

	// Unmap ends a scoped access. It must always be safe to call, including
	// without a prior successful Map.
	Unmap()

	// Import binds the handle to externally-owned memory of the given
	// source kind. Ownership stays with the caller; the handle never frees
	// imported memory. Fails with ErrImportRejected or ErrMemoryImport.
	Import(data []byte, source MemorySource) error

	// ImportFlags returns the source kinds the handle accepts for Import.
	ImportFlags() MemorySourceFlags

	// CopyIn copies the raw contents of data into the handle's buffer.
	CopyIn(data []byte) error

	// CopyOut copies the handle's buffer into data.
	CopyOut(data []byte) error

	// Parent returns the owning handle of a sub-handle, nil otherwise.
	Parent() TensorHandle
}

// copyableDTypes is the set of data types the handle copy routines
// implement. Anything else fails with ErrUnimplementedDType.
var copyableDTypes = map[dtypes.DType]bool{
	dtypes.Float32: true,
	dtypes.Float16: true,
	dtypes.Uint8:   true,
	dtypes.Int8:    true,
	dtypes.Int16:   true,
	dtypes.Int32:   true,
}

// CheckCopyDType validates that a data-movement routine exists for the
// info's data type and that the external buffer has exactly the tensor's
// byte size.
func CheckCopyDType(info tensor.Info, external []byte) error {
	if !copyableDTypes[info.DType] {
		return errors.Wrapf(ErrUnimplementedDType, "dtype %s", info.DType)
	}
	if len(external) != info.NumBytes() {
		return errors.Errorf("external buffer has %d bytes, tensor %s requires %d",
			len(external), info, info.NumBytes())
	}
	return nil
}
