// Package kernels holds the reference (portable, non-optimized) compute
// routines backing the execution workloads. Everything operates on flat
// float32 slices in NHWC layout; dtype conversion to and from handle bytes
// lives in convert.go.
package kernels

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/nnfuse/nnfuse/internal/workerspool"
)

// pool bounds the goroutines Conv2d fans out across output rows.
var pool = workerspool.New()

// convParallelThreshold is the per-call multiply-accumulate count below which
// Conv2d stays on the caller's goroutine.
const convParallelThreshold = 1 << 16

// Add computes dst = a + b elementwise.
func Add(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

// Multiply computes dst = a * b elementwise.
func Multiply(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

// ReLU computes dst = max(src, 0) elementwise.
func ReLU(dst, src []float32) {
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = 0
		}
	}
}

// Sigmoid computes dst = 1/(1+exp(-src)) elementwise.
func Sigmoid(dst, src []float32) {
	for i, v := range src {
		dst[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

// Softmax computes a numerically stable softmax over contiguous runs of
// innerDim elements, scaling logits by beta first.
func Softmax(dst, src []float32, beta float64, innerDim int) {
	if beta == 0 {
		beta = 1
	}
	row := make([]float64, innerDim)
	for start := 0; start < len(src); start += innerDim {
		maxLogit := math.Inf(-1)
		for i := 0; i < innerDim; i++ {
			row[i] = beta * float64(src[start+i])
			maxLogit = math.Max(maxLogit, row[i])
		}
		for i := range row {
			row[i] = math.Exp(row[i] - maxLogit)
		}
		sum := floats.Sum(row)
		for i := range row {
			dst[start+i] = float32(row[i] / sum)
		}
	}
}

// FullyConnected computes dst[b,o] = sum_i input[b,i]*weights[o,i] + bias[o]
// for a [batch, inFeatures] input and [outFeatures, inFeatures] weights.
// bias may be nil.
func FullyConnected(dst, input, weights, bias []float32, batch, inFeatures, outFeatures int) {
	for b := 0; b < batch; b++ {
		in := input[b*inFeatures : (b+1)*inFeatures]
		out := dst[b*outFeatures : (b+1)*outFeatures]
		for o := 0; o < outFeatures; o++ {
			w := weights[o*inFeatures : (o+1)*inFeatures]
			acc := float64(0)
			for i := range in {
				acc += float64(in[i]) * float64(w[i])
			}
			if bias != nil {
				acc += float64(bias[o])
			}
			out[o] = float32(acc)
		}
	}
}

// ConvGeom describes one 2D convolution: NHWC input, OHWI weights, NHWC
// output plus strides, padding and dilation.
type ConvGeom struct {
	Batch                            int
	InHeight, InWidth, InChannels    int
	OutHeight, OutWidth, OutChannels int
	KernelHeight, KernelWidth        int
	StrideH, StrideW                 int
	PadTop, PadLeft                  int
	DilationH, DilationW             int
}

// OutputDim returns the output size of one spatial convolution axis.
func OutputDim(in, kernel, stride, padBefore, padAfter, dilation int) int {
	if stride == 0 {
		stride = 1
	}
	if dilation == 0 {
		dilation = 1
	}
	effective := (kernel-1)*dilation + 1
	return (in+padBefore+padAfter-effective)/stride + 1
}

// Conv2d computes a reference 2D convolution. bias may be nil.
func Conv2d(dst, input, weights, bias []float32, g ConvGeom) {
	strideH, strideW := g.StrideH, g.StrideW
	if strideH == 0 {
		strideH = 1
	}
	if strideW == 0 {
		strideW = 1
	}
	dilationH, dilationW := g.DilationH, g.DilationW
	if dilationH == 0 {
		dilationH = 1
	}
	if dilationW == 0 {
		dilationW = 1
	}
	// Each (batch, output row) pair writes a disjoint slice of dst, so rows
	// can be swept in parallel.
	convRow := func(b, oy int) {
		for ox := 0; ox < g.OutWidth; ox++ {
			for oc := 0; oc < g.OutChannels; oc++ {
				acc := float64(0)
				for ky := 0; ky < g.KernelHeight; ky++ {
					iy := oy*strideH - g.PadTop + ky*dilationH
					if iy < 0 || iy >= g.InHeight {
						continue
					}
					for kx := 0; kx < g.KernelWidth; kx++ {
						ix := ox*strideW - g.PadLeft + kx*dilationW
						if ix < 0 || ix >= g.InWidth {
							continue
						}
						for ic := 0; ic < g.InChannels; ic++ {
							inIdx := ((b*g.InHeight+iy)*g.InWidth+ix)*g.InChannels + ic
							wIdx := ((oc*g.KernelHeight+ky)*g.KernelWidth+kx)*g.InChannels + ic
							acc += float64(input[inIdx]) * float64(weights[wIdx])
						}
					}
				}
				if bias != nil {
					acc += float64(bias[oc])
				}
				dst[((b*g.OutHeight+oy)*g.OutWidth+ox)*g.OutChannels+oc] = float32(acc)
			}
		}
	}

	rows := g.Batch * g.OutHeight
	macsPerRow := g.OutWidth * g.OutChannels * g.KernelHeight * g.KernelWidth * g.InChannels
	if rows*macsPerRow < convParallelThreshold {
		for row := 0; row < rows; row++ {
			convRow(row/g.OutHeight, row%g.OutHeight)
		}
		return
	}
	pool.ParallelFor(rows, func(row int) {
		convRow(row/g.OutHeight, row%g.OutHeight)
	})
}
