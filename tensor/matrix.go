package tensor

import (
	"fmt"
)

// MatMul multiplies two 2-D Float32 tensors: (m, k) x (k, n) -> (m, n).
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("MatMul only supports Float32 dtype")
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2-D tensors, got %v x %v", t1.Shape, t2.Shape)
	}

	rows1 := t1.Shape[0]
	cols1 := t1.Shape[1]
	rows2 := t2.Shape[0]
	cols2 := t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2}, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < rows1; i++ {
		for k := 0; k < cols1; k++ {
			a := data1[i*cols1+k]
			if a == 0 {
				continue
			}
			rowOff := k * cols2
			outOff := i * cols2
			for j := 0; j < cols2; j++ {
				resultData[outOff+j] += a * data2[rowOff+j]
			}
		}
	}

	return result, nil
}

// Transpose2D swaps the two dimensions of a 2-D Float32 tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose2D only supports Float32 dtype")
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose2D requires a 2-D tensor, got %v", t.Shape)
	}

	rows := t.Shape[0]
	cols := t.Shape[1]

	result, err := Zeros([]int{cols, rows}, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			resultData[j*rows+i] = data[i*cols+j]
		}
	}

	return result, nil
}
