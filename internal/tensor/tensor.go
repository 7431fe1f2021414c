package tensor

import (
	"errors"
	"fmt"
)

// ElementSize is the size in bytes of one float32 element.
const ElementSize = 4

var (
	// ErrInvalidInput reports malformed arguments: zero-length tensors,
	// shape mismatches, bad quantization parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOutOfRange reports a bulk read or write outside the buffer.
	ErrOutOfRange = errors.New("range out of bounds")
)

// Tensor is a flat, contiguous float32 buffer with a row-major logical shape.
// The outer dimension varies slowest.
type Tensor struct {
	data  []float32
	shape []int
	name  string
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		data:  make([]float32, n),
		shape: append([]int(nil), shape...),
	}, nil
}

// FromSlice copies data into a new tensor. If no shape is given the tensor is
// one-dimensional.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v (want %d)", ErrInvalidInput, len(data), shape, n)
	}
	t := &Tensor{
		data:  make([]float32, n),
		shape: append([]int(nil), shape...),
	}
	copy(t.data, data)
	return t, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrInvalidInput)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: non-positive dimension in shape %v", ErrInvalidInput, shape)
		}
		n *= d
	}
	return n, nil
}

// WithName sets a debug name used in logs and metrics labels.
func (t *Tensor) WithName(name string) *Tensor {
	t.name = name
	return t
}

func (t *Tensor) Name() string {
	return t.name
}

// Shape returns a copy of the logical shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Len returns the element count.
func (t *Tensor) Len() int {
	return len(t.data)
}

// ByteSize returns the storage size of the elements in bytes.
func (t *Tensor) ByteSize() int64 {
	return int64(len(t.data)) * ElementSize
}

// Data exposes the underlying storage. Callers must treat it as read-only.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Read copies len(dst) elements starting at off into dst.
func (t *Tensor) Read(off int, dst []float32) error {
	if off < 0 || off+len(dst) > len(t.data) {
		return fmt.Errorf("%w: read [%d,%d) of %d", ErrOutOfRange, off, off+len(dst), len(t.data))
	}
	copy(dst, t.data[off:off+len(dst)])
	return nil
}

// Write copies src into the buffer starting at off.
func (t *Tensor) Write(off int, src []float32) error {
	if off < 0 || off+len(src) > len(t.data) {
		return fmt.Errorf("%w: write [%d,%d) of %d", ErrOutOfRange, off, off+len(src), len(t.data))
	}
	copy(t.data[off:off+len(src)], src)
	return nil
}

// Row returns a view of row i of a 2-D tensor.
func (t *Tensor) Row(i int) ([]float32, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("%w: Row on %d-D tensor", ErrInvalidInput, len(t.shape))
	}
	rows, cols := t.shape[0], t.shape[1]
	if i < 0 || i >= rows {
		return nil, fmt.Errorf("%w: row %d of %d", ErrOutOfRange, i, rows)
	}
	return t.data[i*cols : (i+1)*cols], nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		data:  make([]float32, len(t.data)),
		shape: append([]int(nil), t.shape...),
		name:  t.name,
	}
	copy(c.data, t.data)
	return c
}

// Reshape returns a copy of t with a new shape of equal element count.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrInvalidInput, t.shape, shape)
	}
	c := t.Clone()
	c.shape = append([]int(nil), shape...)
	return c, nil
}
