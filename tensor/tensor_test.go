package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestDTypeString(t *testing.T) {
	tests := []struct {
		dtype    DType
		expected string
	}{
		{Float32, "Float32"},
		{Int32, "Int32"},
		{DType(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.dtype.String()
		if result != test.expected {
			t.Errorf("DType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensorValidation(t *testing.T) {
	_, err := NewTensor([]int{2, 0}, Float32, CPU, nil)
	if err == nil {
		t.Error("expected error for zero dimension")
	}

	_, err = NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3})
	if err == nil {
		t.Error("expected error for data length mismatch")
	}
}

func TestZerosAndOnes(t *testing.T) {
	z, err := Zeros([]int{2, 3}, Float32, CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	for i, v := range z.Data.([]float32) {
		if v != 0 {
			t.Errorf("Zeros element %d = %f, expected 0", i, v)
		}
	}

	o, err := Ones([]int{2, 3}, Float32, CPU)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	for i, v := range o.Data.([]float32) {
		if v != 1 {
			t.Errorf("Ones element %d = %f, expected 1", i, v)
		}
	}
}

func TestRandomNormalRequiresRNG(t *testing.T) {
	if _, err := RandomNormal([]int{4}, 0, 1, nil, CPU); err == nil {
		t.Error("expected error for nil rng")
	}
}

func TestRandomNormalReproducible(t *testing.T) {
	a, err := RandomNormal([]int{64}, 0, 1, rand.New(rand.NewSource(7)), CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	b, err := RandomNormal([]int{64}, 0, 1, rand.New(rand.NewSource(7)), CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}

	if !reflect.DeepEqual(a.Data, b.Data) {
		t.Error("same seed should produce identical tensors")
	}
}

func TestAddSubMul(t *testing.T) {
	t1, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	t2, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{5, 6, 7, 8})

	sum, err := Add(t1, t2)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(sum.Data, []float32{6, 8, 10, 12}) {
		t.Errorf("Add result = %v", sum.Data)
	}

	diff, err := Sub(t2, t1)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if !reflect.DeepEqual(diff.Data, []float32{4, 4, 4, 4}) {
		t.Errorf("Sub result = %v", diff.Data)
	}

	prod, err := Mul(t1, t2)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	if !reflect.DeepEqual(prod.Data, []float32{5, 12, 21, 32}) {
		t.Errorf("Mul result = %v", prod.Data)
	}
}

func TestShapeMismatch(t *testing.T) {
	t1, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	t2, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})

	if _, err := Add(t1, t2); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestMatMul(t *testing.T) {
	t1, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	t2, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{7, 8, 9, 10, 11, 12})

	result, err := MatMul(t1, t2)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	expected := []float32{58, 64, 139, 154}
	if !reflect.DeepEqual(result.Data, expected) {
		t.Errorf("MatMul result = %v, expected %v", result.Data, expected)
	}
	if !reflect.DeepEqual(result.Shape, []int{2, 2}) {
		t.Errorf("MatMul shape = %v, expected [2 2]", result.Shape)
	}
}

func TestMatMulIncompatible(t *testing.T) {
	t1, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	t2, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})

	if _, err := MatMul(t1, t2); err == nil {
		t.Error("expected incompatible dimensions error")
	}
}

func TestTranspose2D(t *testing.T) {
	t1, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	result, err := Transpose2D(t1)
	if err != nil {
		t.Fatalf("Transpose2D failed: %v", err)
	}

	expected := []float32{1, 4, 2, 5, 3, 6}
	if !reflect.DeepEqual(result.Data, expected) {
		t.Errorf("Transpose2D result = %v, expected %v", result.Data, expected)
	}
}

func TestTanhBounded(t *testing.T) {
	input, _ := NewTensor([]int{5}, Float32, CPU, []float32{-100, -1, 0, 1, 100})

	result, err := Tanh(input)
	if err != nil {
		t.Fatalf("Tanh failed: %v", err)
	}

	for i, v := range result.Data.([]float32) {
		if v < -1 || v > 1 {
			t.Errorf("Tanh element %d = %f, outside [-1, 1]", i, v)
		}
	}

	if result.Data.([]float32)[2] != 0 {
		t.Errorf("Tanh(0) = %f, expected 0", result.Data.([]float32)[2])
	}
}

func TestSigmoidBounded(t *testing.T) {
	input, _ := NewTensor([]int{3}, Float32, CPU, []float32{-50, 0, 50})

	result, err := Sigmoid(input)
	if err != nil {
		t.Fatalf("Sigmoid failed: %v", err)
	}

	data := result.Data.([]float32)
	if math.Abs(float64(data[1])-0.5) > 1e-6 {
		t.Errorf("Sigmoid(0) = %f, expected 0.5", data[1])
	}
	for i, v := range data {
		if v < 0 || v > 1 {
			t.Errorf("Sigmoid element %d = %f, outside [0, 1]", i, v)
		}
	}
}

func TestLeakyReLU(t *testing.T) {
	input, _ := NewTensor([]int{4}, Float32, CPU, []float32{-2, -1, 0, 3})

	result, err := LeakyReLU(input, 0.2)
	if err != nil {
		t.Fatalf("LeakyReLU failed: %v", err)
	}

	expected := []float32{-0.4, -0.2, 0, 3}
	data := result.Data.([]float32)
	for i := range expected {
		if math.Abs(float64(data[i]-expected[i])) > 1e-6 {
			t.Errorf("LeakyReLU element %d = %f, expected %f", i, data[i], expected[i])
		}
	}
}

func TestClamp(t *testing.T) {
	input, _ := NewTensor([]int{4}, Float32, CPU, []float32{-2, 0.5, 1.5, 0})

	result, err := Clamp(input, 0, 1)
	if err != nil {
		t.Fatalf("Clamp failed: %v", err)
	}

	expected := []float32{0, 0.5, 1, 0}
	if !reflect.DeepEqual(result.Data, expected) {
		t.Errorf("Clamp result = %v, expected %v", result.Data, expected)
	}
}

func TestReshape(t *testing.T) {
	t1, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	r, err := Reshape(t1, []int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(r.Shape, []int{3, 2}) {
		t.Errorf("Reshape shape = %v", r.Shape)
	}

	if _, err := Reshape(t1, []int{4, 2}); err == nil {
		t.Error("expected error for element count mismatch")
	}
}

func TestClone(t *testing.T) {
	t1, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})

	c, err := t1.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	c.Data.([]float32)[0] = 99
	if t1.Data.([]float32)[0] != 1 {
		t.Error("Clone should not share underlying data")
	}
}

func TestSumAndMean(t *testing.T) {
	t1, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})

	sum, err := Sum(t1)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if sum != 10 {
		t.Errorf("Sum = %f, expected 10", sum)
	}

	mean, err := Mean(t1)
	if err != nil {
		t.Fatalf("Mean failed: %v", err)
	}
	if mean != 2.5 {
		t.Errorf("Mean = %f, expected 2.5", mean)
	}
}
