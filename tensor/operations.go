package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}

	return shape1, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] + data2[i]
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] + data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Add: %s", t1.DType)
	}

	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] - data2[i]
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] - data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Sub: %s", t1.DType)
	}

	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] * data2[i]
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] * data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Mul: %s", t1.DType)
	}

	return result, nil
}

// Scale multiplies every element of a Float32 tensor by a scalar.
func Scale(t *Tensor, factor float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale only supports Float32 dtype")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = data[i] * factor
	}

	return result, nil
}

// AddScalar adds a scalar to every element of a Float32 tensor.
func AddScalar(t *Tensor, value float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("AddScalar only supports Float32 dtype")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = data[i] + value
	}

	return result, nil
}

// Clamp limits every element of a Float32 tensor to [min, max].
func Clamp(t *Tensor, min, max float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Clamp only supports Float32 dtype")
	}
	if min > max {
		return nil, fmt.Errorf("invalid clamp range: min %f > max %f", min, max)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		v := data[i]
		if v < min {
			v = min
		} else if v > max {
			v = max
		}
		resultData[i] = v
	}

	return result, nil
}

func Tanh(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Tanh only supports Float32 dtype")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(math.Tanh(float64(data[i])))
	}

	return result, nil
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sigmoid only supports Float32 dtype")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(1.0 / (1.0 + math.Exp(-float64(data[i]))))
	}

	return result, nil
}

// LeakyReLU applies max(x, slope*x) elementwise.
func LeakyReLU(t *Tensor, slope float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("LeakyReLU only supports Float32 dtype")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		if data[i] > 0 {
			resultData[i] = data[i]
		} else {
			resultData[i] = data[i] * slope
		}
	}

	return result, nil
}

// Sum reduces a Float32 tensor to a single scalar value.
func Sum(t *Tensor) (float32, error) {
	if t.DType != Float32 {
		return 0, fmt.Errorf("Sum only supports Float32 dtype")
	}

	data := t.Data.([]float32)
	var sum float32
	for i := 0; i < t.NumElems; i++ {
		sum += data[i]
	}
	return sum, nil
}

// Mean reduces a Float32 tensor to its mean value.
func Mean(t *Tensor) (float32, error) {
	sum, err := Sum(t)
	if err != nil {
		return 0, err
	}
	return sum / float32(t.NumElems), nil
}
