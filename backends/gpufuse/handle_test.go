package gpufuse

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nnfuse/nnfuse/backends"
	"github.com/nnfuse/nnfuse/types/tensor"
	"github.com/stretchr/testify/require"
)

func TestImportRejectedSourceUnchanged(t *testing.T) {
	// Handle constructed with flags excluding Malloc.
	h := NewImportHandle(tensor.Make(dtypes.Float32, 2, 2),
		backends.Flags(backends.MemorySourceDmaBuf))
	err := h.Import(make([]byte, 16), backends.MemorySourceMalloc)
	require.ErrorIs(t, err, backends.ErrImportRejected)

	// No state change: the handle is still unbacked.
	_, err = h.Map(true)
	require.ErrorIs(t, err, backends.ErrUnallocated)
}

func TestImportPlatformFailures(t *testing.T) {
	info := tensor.Make(dtypes.Float32, 2, 2)
	h := NewImportHandle(info, backends.Flags(backends.MemorySourceMalloc, backends.MemorySourceDmaBuf))

	// Accepted by flags but the platform only implements Malloc.
	err := h.Import(make([]byte, 16), backends.MemorySourceDmaBuf)
	require.ErrorIs(t, err, backends.ErrMemoryImport)

	// Wrong size.
	err = h.Import(make([]byte, 15), backends.MemorySourceMalloc)
	require.ErrorIs(t, err, backends.ErrMemoryImport)

	// The handle stayed unallocated throughout.
	_, err = h.Map(true)
	require.ErrorIs(t, err, backends.ErrUnallocated)
}

func TestImportSuccessKeepsOwnershipWithCaller(t *testing.T) {
	info := tensor.Make(dtypes.Float32, 1, 4)
	h := NewImportHandle(info, backends.Flags(backends.MemorySourceMalloc))
	external := make([]byte, info.NumBytes())
	binary.LittleEndian.PutUint32(external, math.Float32bits(42))

	require.NoError(t, h.Import(external, backends.MemorySourceMalloc))
	buf, err := h.Map(true)
	require.NoError(t, err)
	require.Equal(t, float32(42), math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	h.Unmap()

	// Writes through the handle land in the caller's memory.
	require.NoError(t, h.CopyIn(make([]byte, info.NumBytes())))
	require.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(external)))
}

func TestCopyRoundTripAllDTypes(t *testing.T) {
	mm := backends.NewMemoryManager(ID, nil)
	for _, dtype := range []dtypes.DType{
		dtypes.Float32, dtypes.Float16, dtypes.Uint8, dtypes.Int8, dtypes.Int16, dtypes.Int32,
	} {
		info := tensor.Make(dtype, 3, 5)
		h := NewOwningHandle(mm, info)
		require.NoError(t, h.Allocate())

		in := make([]byte, info.NumBytes())
		for i := range in {
			in[i] = byte(i * 7)
		}
		require.NoError(t, h.CopyIn(in))
		out := make([]byte, info.NumBytes())
		require.NoError(t, h.CopyOut(out))
		require.Equal(t, in, out, "dtype %s", dtype)
		h.Free()
	}
	require.Equal(t, int64(0), mm.OutstandingBytes())
}

func TestCopyUnimplementedDType(t *testing.T) {
	mm := backends.NewMemoryManager(ID, nil)
	h := NewOwningHandle(mm, tensor.Make(dtypes.Complex64, 2))
	require.NoError(t, h.Allocate())
	err := h.CopyIn(make([]byte, 16))
	require.ErrorIs(t, err, backends.ErrUnimplementedDType)
}

func TestUnmapSafeWithoutMap(t *testing.T) {
	h := NewImportHandle(tensor.Make(dtypes.Float32, 2), backends.Flags(backends.MemorySourceMalloc))
	h.Unmap() // no prior Map, must not panic
}

func TestSubHandle(t *testing.T) {
	mm := backends.NewMemoryManager(ID, nil)
	parent := NewOwningHandle(mm, tensor.Make(dtypes.Uint8, 4, 4))
	require.NoError(t, parent.Allocate())
	buf, err := parent.Map(true)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte(i)
	}
	parent.Unmap()

	sub, err := NewSubHandle(parent, []int{2, 2}, []int{1, 1})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, sub.Shape())
	require.Same(t, parent, sub.Parent())

	// The sub-view window starts at element (1,1) of the parent.
	window, err := sub.Map(true)
	require.NoError(t, err)
	require.Equal(t, byte(5), window[0])
	sub.Unmap()

	// Sub-handles never allocate: Allocate is a no-op and Free does not
	// release the parent's storage.
	require.NoError(t, sub.Allocate())
	sub.Free()
	require.Equal(t, int64(16), mm.OutstandingBytes())
	parent.Free()
	require.Equal(t, int64(0), mm.OutstandingBytes())
}

func TestSubHandleOutOfBounds(t *testing.T) {
	mm := backends.NewMemoryManager(ID, nil)
	parent := NewOwningHandle(mm, tensor.Make(dtypes.Float32, 4, 4))

	_, err := NewSubHandle(parent, []int{2, 2}, []int{3, 0})
	require.Error(t, err)
	_, err = NewSubHandle(parent, []int{2, 2}, []int{-1, 0})
	require.Error(t, err)
	_, err = NewSubHandle(parent, []int{2}, []int{0})
	require.Error(t, err)
	_, err = NewSubHandle(parent, []int{5, 1}, []int{0, 0})
	require.Error(t, err)
}

func TestHandleFactory(t *testing.T) {
	mm := backends.NewMemoryManager(ID, nil)
	owning := &HandleFactory{mm: mm}
	require.Equal(t, FactoryID, owning.ID())
	require.True(t, owning.SupportsSubTensors())
	h, err := owning.CreateTensorHandle(tensor.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	require.NoError(t, h.Allocate())
	require.NotZero(t, mm.OutstandingBytes())

	importing := &HandleFactory{mm: mm, importFlags: backends.Flags(backends.MemorySourceMalloc)}
	require.Equal(t, ImportFactoryID, importing.ID())
	hi, err := importing.CreateTensorHandle(tensor.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	require.NoError(t, hi.Import(make([]byte, 8), backends.MemorySourceMalloc))
}

func TestStrides(t *testing.T) {
	h := NewImportHandle(tensor.Make(dtypes.Float32, 2, 3, 4), 0)
	require.Equal(t, []int{48, 16, 4}, h.Strides())
	require.Equal(t, []int{2, 3, 4}, h.Shape())
}
