package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/tensor"
)

const (
	// MaxCode is the largest stored magnitude. The 4-bit field could hold -8,
	// but the range is kept symmetric around zero.
	MaxCode = 7
	MinCode = -MaxCode
)

// ErrInvalidInput is shared with the tensor package so callers match one value.
var ErrInvalidInput = tensor.ErrInvalidInput

// QuantizedTensor holds symmetric signed 4-bit codes packed two per byte.
// Element 2i lives in the high nibble of Data[i], element 2i+1 in the low
// nibble. For an odd Count the final low nibble is unused.
type QuantizedTensor struct {
	Data  []byte
	Scale float32
	Count int
}

// PackedLen returns the number of bytes needed for count elements.
func PackedLen(count int) int {
	return (count + 1) / 2
}

// ScaleFor returns max|x|/7, or 0 for an all-zero input.
func ScaleFor(src []float32) float32 {
	var maxAbs float32
	for _, v := range src {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	return maxAbs / MaxCode
}

// Quantize encodes t with scale = max|x|/7.
func Quantize(t *tensor.Tensor) (*QuantizedTensor, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrInvalidInput)
	}
	return QuantizeSlice(t.Data())
}

// QuantizeSlice encodes src with scale = max|x|/7.
func QuantizeSlice(src []float32) (*QuantizedTensor, error) {
	return QuantizeWithScale(src, ScaleFor(src))
}

// QuantizeWithScale encodes src with a caller-chosen scale. Values whose code
// would exceed ±7 are clamped; clamping is counted, not reported as an error.
func QuantizeWithScale(src []float32, scale float32) (*QuantizedTensor, error) {
	q := &QuantizedTensor{
		Data:  make([]byte, PackedLen(len(src))),
		Scale: scale,
		Count: len(src),
	}
	if _, err := encode(q.Data, src, scale); err != nil {
		return nil, err
	}
	return q, nil
}

// QuantizeInto encodes src into dst, which must hold PackedLen(len(src))
// bytes, and returns the scale used.
func QuantizeInto(dst []byte, src []float32) (float32, error) {
	scale := ScaleFor(src)
	if _, err := encode(dst, src, scale); err != nil {
		return 0, err
	}
	return scale, nil
}

func encode(dst []byte, src []float32, scale float32) (clamped int, err error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: cannot quantize zero elements", ErrInvalidInput)
	}
	if len(dst) < PackedLen(len(src)) {
		return 0, fmt.Errorf("%w: destination holds %d bytes, need %d", ErrInvalidInput, len(dst), PackedLen(len(src)))
	}
	if err := checkFinite(src); err != nil {
		return 0, err
	}
	if scale < 0 || math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
		return 0, fmt.Errorf("%w: scale %v", ErrInvalidInput, scale)
	}

	for i, x := range src {
		var code int8
		if scale != 0 {
			var c bool
			code, c = encodeValue(x, scale)
			if c {
				clamped++
			}
		}
		nib := byte(code) & 0x0F
		if i%2 == 0 {
			dst[i/2] = nib << 4
		} else {
			dst[i/2] |= nib
		}
	}
	metrics.RecordQuantize(len(src), clamped)
	return clamped, nil
}

// encodeValue rounds half away from zero and clamps to [-7, 7].
func encodeValue(x, scale float32) (code int8, clamped bool) {
	r := math.Round(float64(x) / float64(scale))
	switch {
	case r > MaxCode:
		return MaxCode, true
	case r < MinCode:
		return MinCode, true
	}
	return int8(r), false
}

func checkFinite(src []float32) error {
	for i, v := range src {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value %v at index %d", ErrInvalidInput, v, i)
		}
	}
	return nil
}

// signExtend widens a 4-bit two's-complement nibble to int8.
func signExtend(nib byte) int8 {
	nib &= 0x0F
	if nib&0x08 != 0 {
		return int8(nib | 0xF0)
	}
	return int8(nib)
}

// Code returns the signed code of element i.
func (q *QuantizedTensor) Code(i int) int8 {
	b := q.Data[i/2]
	if i%2 == 0 {
		return signExtend(b >> 4)
	}
	return signExtend(b)
}

// Dequantize reconstructs the first count elements of q.
func Dequantize(q *QuantizedTensor, count int) (*tensor.Tensor, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: nil quantized tensor", ErrInvalidInput)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count %d", ErrInvalidInput, count)
	}
	out := make([]float32, count)
	if err := DequantizeInto(out, q.Data, q.Scale); err != nil {
		return nil, err
	}
	return tensor.FromSlice(out)
}

// DequantizeInto reconstructs len(dst) elements from packed data.
func DequantizeInto(dst []float32, data []byte, scale float32) error {
	if len(dst) > 2*len(data) {
		return fmt.Errorf("%w: %d elements requested from %d packed bytes", ErrInvalidInput, len(dst), len(data))
	}
	for i := range dst {
		b := data[i/2]
		var nib byte
		if i%2 == 0 {
			nib = b >> 4
		} else {
			nib = b & 0x0F
		}
		dst[i] = float32(signExtend(nib)) * scale
	}
	return nil
}

// ByteSize is the in-memory footprint: packed codes plus the float32 scale.
func (q *QuantizedTensor) ByteSize() int64 {
	return int64(len(q.Data)) + tensor.ElementSize
}

// CompressionRatio compares the float32 size of Count elements with ByteSize.
func (q *QuantizedTensor) CompressionRatio() float64 {
	if q.ByteSize() == 0 {
		return 0
	}
	return float64(int64(q.Count)*tensor.ElementSize) / float64(q.ByteSize())
}

// ErrorBound is the worst-case reconstruction error for an unclamped element.
func (q *QuantizedTensor) ErrorBound() float32 {
	return q.Scale / 2
}
