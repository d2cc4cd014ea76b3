// Package tensor defines Info, the description of one tensor's shape, data
// type and quantization, used both by the graph package (attached to output
// slots) and by the backends (to size and validate tensor handles).
//
// The DType enumeration comes from github.com/gomlx/gopjrt/dtypes. Float16
// values are backed by github.com/x448/float16.
//
// An Info is treated as immutable once attached to an output slot for the
// duration of an optimization pass; the only sanctioned mutation path is
// graph.OutputSlot.SetInfo, used when a substitution changes the producing
// node.
package tensor

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Quantization holds the affine quantization parameters of a tensor.
// The zero value means the tensor is not quantized.
type Quantization struct {
	Scale     float64
	ZeroPoint int32
}

// IsQuantized returns whether the parameters describe a quantized tensor.
func (q Quantization) IsQuantized() bool { return q.Scale != 0 }

// Info describes one tensor: data type, dimensions and optional quantization.
//
// Use Make to create one. The zero value is invalid -- see Info.Ok.
type Info struct {
	DType      dtypes.DType
	Dimensions []int
	Quant      Quantization
}

// Make returns an Info with the given data type and dimensions.
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Info {
	i := Info{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("tensor.Make(%s): cannot create an Info with an axis of dimension <= 0", i)
		}
	}
	return i
}

// MakeQuantized is like Make but also attaches quantization parameters.
func MakeQuantized(dtype dtypes.DType, quant Quantization, dimensions ...int) Info {
	i := Make(dtype, dimensions...)
	i.Quant = quant
	return i
}

// Invalid returns an invalid Info: Invalid().Ok() == false.
func Invalid() Info { return Info{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Info. The zero value is invalid.
func (i Info) Ok() bool { return i.DType != dtypes.InvalidDType }

// Rank returns the number of axes.
func (i Info) Rank() int { return len(i.Dimensions) }

// IsScalar returns whether the Info describes a scalar (rank 0).
func (i Info) IsScalar() bool { return i.Ok() && i.Rank() == 0 }

// Dim returns the dimension of the given axis. A negative axis counts from
// the end, like slice indexing in NumPy. It panics on an out-of-bounds axis.
func (i Info) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += i.Rank()
	}
	if adjusted < 0 || adjusted >= i.Rank() {
		exceptions.Panicf("Info.Dim(%d) out-of-bounds for rank %d (info=%s)", axis, i.Rank(), i)
	}
	return i.Dimensions[adjusted]
}

// Size returns the number of elements.
func (i Info) Size() int {
	size := 1
	for _, dim := range i.Dimensions {
		size *= dim
	}
	return size
}

// NumBytes returns the number of bytes needed to store the tensor,
// assuming a dense row-major layout.
func (i Info) NumBytes() int {
	return i.Size() * int(i.DType.Size())
}

// ByteStrides returns the row-major byte stride of each axis.
func (i Info) ByteStrides() []int {
	strides := make([]int, i.Rank())
	stride := int(i.DType.Size())
	for axis := i.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= i.Dimensions[axis]
	}
	return strides
}

// Clone returns a deep copy of the Info.
func (i Info) Clone() Info {
	i.Dimensions = slices.Clone(i.Dimensions)
	return i
}

// Equal compares data type, dimensions and quantization.
func (i Info) Equal(other Info) bool {
	return i.DType == other.DType &&
		i.Quant == other.Quant &&
		slices.Equal(i.Dimensions, other.Dimensions)
}

// String implements fmt.Stringer and pretty-prints the Info.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)", i.DType)
	b.WriteByte('[')
	for axis, dim := range i.Dimensions {
		if axis > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	b.WriteByte(']')
	if i.Quant.IsQuantized() {
		fmt.Fprintf(&b, " q(scale=%g, zero=%d)", i.Quant.Scale, i.Quant.ZeroPoint)
	}
	return b.String()
}
