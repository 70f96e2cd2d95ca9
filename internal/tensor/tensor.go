// Package tensor provides the row-major float32 tensors and nested tensor trees
// that move between storage residencies during replay staging.
package tensor

import (
	"errors"
	"fmt"
)

// Device identifies where a tensor's rows currently live.
type Device string

const (
	// Host is ordinary process memory; collected experience starts here.
	Host Device = "cpu"
	// Staging is the intermediate copy tier between host and accelerator.
	Staging Device = "staging"
)

var (
	// ErrShape indicates data length and shape disagree.
	ErrShape = errors.New("shape mismatch")
	// ErrIndexOutOfRange indicates a row index outside [0, Rows()).
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Tensor is an immutable row-major float32 array. The first dimension is the
// row (record) dimension that indexing operates on.
type Tensor struct {
	data   []float32
	shape  []int
	device Device
}

// New wraps data with the given shape on the host. Data is not copied.
func New(data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: empty shape", ErrShape)
	}
	size := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension %d", ErrShape, d)
		}
		size *= d
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...), device: Host}, nil
}

// Vector builds a 1-D host tensor.
func Vector(values ...float32) *Tensor {
	return &Tensor{data: values, shape: []int{len(values)}, device: Host}
}

// Zeros allocates a zero-filled host tensor.
func Zeros(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Tensor{data: make([]float32, size), shape: append([]int(nil), shape...), device: Host}
}

// FromRows builds a 2-D host tensor; every row must have the same length.
func FromRows(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return &Tensor{shape: []int{0, 0}, device: Host}, nil
	}
	width := len(rows[0])
	data := make([]float32, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), width)
		}
		data = append(data, row...)
	}
	return &Tensor{data: data, shape: []int{len(rows), width}, device: Host}, nil
}

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("%w: tensor %d is nil", ErrShape, i)
		}
	}
	inner := tensors[0].shape
	data := make([]float32, 0, len(tensors)*len(tensors[0].data))
	for i, t := range tensors {
		if !equalShape(t.shape, inner) {
			return nil, fmt.Errorf("%w: tensor %d has shape %v, want %v", ErrShape, i, t.shape, inner)
		}
		data = append(data, t.data...)
	}
	shape := append([]int{len(tensors)}, inner...)
	return &Tensor{data: data, shape: shape, device: tensors[0].device}, nil
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Device reports the tensor residency.
func (t *Tensor) Device() Device { return t.device }

// Rows is the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 0
	}
	return t.shape[0]
}

// RowLen is the number of values in one row.
func (t *Tensor) RowLen() int {
	if len(t.shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.shape[1:] {
		n *= d
	}
	return n
}

// Data returns a copy of the underlying values.
func (t *Tensor) Data() []float32 { return append([]float32(nil), t.data...) }

// Row returns a copy of row i.
func (t *Tensor) Row(i int) []float32 {
	w := t.RowLen()
	return append([]float32(nil), t.data[i*w:(i+1)*w]...)
}

// At returns the i-th value of a 1-D tensor.
func (t *Tensor) At(i int) float32 { return t.data[i] }

// Index gathers the rows named by idx into a new tensor on the same device.
// Repeated indices produce repeated rows.
func (t *Tensor) Index(idx []int) (*Tensor, error) {
	w := t.RowLen()
	rows := t.Rows()
	data := make([]float32, 0, len(idx)*w)
	for _, i := range idx {
		if i < 0 || i >= rows {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, rows)
		}
		data = append(data, t.data[i*w:(i+1)*w]...)
	}
	shape := append([]int{len(idx)}, t.shape[1:]...)
	return &Tensor{data: data, shape: shape, device: t.device}, nil
}

// To copies the tensor into device. A tensor already on device is returned as is.
// The copy is complete when To returns.
func (t *Tensor) To(device Device) *Tensor {
	if device == t.device {
		return t
	}
	return &Tensor{data: t.Data(), shape: t.Shape(), device: device}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s)", t.shape, t.device)
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
