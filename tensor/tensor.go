package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Tensor is a dense, row-major array of Float32 or Int32 values.
// All operations in this package run on the CPU; the Device field exists
// so call sites can express placement intent without a separate type.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     interface{}
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

// Float32Data returns the underlying float32 slice.
func (t *Tensor) Float32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor is not Float32: %s", t.DType)
	}
	return data, nil
}

// Int32Data returns the underlying int32 slice.
func (t *Tensor) Int32Data() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor is not Int32: %s", t.DType)
	}
	return data, nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := make([]float32, t.NumElems)
		copy(data, t.Data.([]float32))
		return NewTensor(append([]int{}, t.Shape...), t.DType, t.Device, data)
	case Int32:
		data := make([]int32, t.NumElems)
		copy(data, t.Data.([]int32))
		return NewTensor(append([]int{}, t.Shape...), t.DType, t.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}
}

// Reshape returns a view-copy of the tensor with a new shape.
// The element count must be preserved.
func Reshape(t *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)",
			t.Shape, t.NumElems, shape, calculateNumElements(shape))
	}
	return NewTensor(shape, t.DType, t.Device, t.Data)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
