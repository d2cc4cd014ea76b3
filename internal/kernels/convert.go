package kernels

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// FromBytes decodes a handle's raw buffer into float32 values, converting
// from the tensor's data type. Only the floating point types the reference
// workloads execute are supported.
func FromBytes(dtype dtypes.DType, data []byte) ([]float32, error) {
	switch dtype {
	case dtypes.Float32:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case dtypes.Float16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return out, nil
	}
	return nil, errors.Errorf("kernels: no conversion from dtype %s", dtype)
}

// ToBytes encodes float32 values into a handle's raw buffer, converting to
// the tensor's data type. dst must have the exact byte size.
func ToBytes(dtype dtypes.DType, dst []byte, values []float32) error {
	switch dtype {
	case dtypes.Float32:
		if len(dst) != len(values)*4 {
			return errors.Errorf("kernels: dst has %d bytes, want %d", len(dst), len(values)*4)
		}
		for i, v := range values {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
		return nil
	case dtypes.Float16:
		if len(dst) != len(values)*2 {
			return errors.Errorf("kernels: dst has %d bytes, want %d", len(dst), len(values)*2)
		}
		for i, v := range values {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
		return nil
	}
	return errors.Errorf("kernels: no conversion to dtype %s", dtype)
}
