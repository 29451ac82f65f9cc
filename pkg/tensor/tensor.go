// Package tensor holds the shaped buffers exchanged with a compute backend.
//
// A Tensor owns its backing slice. Row views are bounds-checked slices into
// that buffer and stay valid only as long as the owner does.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShape is returned when data does not fit the declared shape.
var ErrShape = errors.New("tensor: shape mismatch")

// Elem is the set of element types crossing the backend boundary.
type Elem interface {
	~int64 | ~float32
}

// Shape lists dimension lengths, outermost first.
type Shape []int64

// Size returns the number of elements described by the shape.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return int(n)
}

func (s Shape) String() string {
	return fmt.Sprint([]int64(s))
}

// Tensor is a dense row-major buffer with a shape.
type Tensor[T Elem] struct {
	shape Shape
	data  []T
}

// New wraps data in a tensor of the given shape. The tensor takes ownership of data.
func New[T Elem](shape Shape, data []T) (Tensor[T], error) {
	for _, d := range shape {
		if d < 0 {
			return Tensor[T]{}, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
	}
	if shape.Size() != len(data) {
		return Tensor[T]{}, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrShape, shape, shape.Size(), len(data))
	}
	return Tensor[T]{shape: append(Shape(nil), shape...), data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros[T Elem](shape Shape) Tensor[T] {
	t, err := New(shape, make([]T, shape.Size()))
	if err != nil {
		panic(err)
	}
	return t
}

func (t Tensor[T]) Shape() Shape { return t.shape }

// Data returns the backing buffer.
func (t Tensor[T]) Data() []T { return t.data }

// Rows is the length of the first dimension.
func (t Tensor[T]) Rows() int {
	if len(t.shape) == 0 {
		return 0
	}
	return int(t.shape[0])
}

// Cols is the number of elements per row.
func (t Tensor[T]) Cols() int {
	if t.Rows() == 0 {
		return 0
	}
	return len(t.data) / t.Rows()
}

// Row returns a view of row i.
func (t Tensor[T]) Row(i int) ([]T, error) {
	if i < 0 || i >= t.Rows() {
		return nil, fmt.Errorf("%w: row %d out of range [0,%d)", ErrShape, i, t.Rows())
	}
	c := t.Cols()
	return t.data[i*c : (i+1)*c : (i+1)*c], nil
}

// MustRow is Row for callers that already validated the shape.
func (t Tensor[T]) MustRow(i int) []T {
	r, err := t.Row(i)
	if err != nil {
		panic(err)
	}
	return r
}
