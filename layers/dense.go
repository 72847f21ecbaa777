package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// DenseLayer implements a fully connected layer: y = xW + b.
// Weight shape is [inputSize, outputSize].
type DenseLayer struct {
	name       string
	inputSize  int
	outputSize int
	useBias    bool

	weight *Parameter
	bias   *Parameter

	// cached forward input for the backward pass
	lastInput *tensor.Tensor
}

// NewDense creates a dense layer with He-style initialization.
func NewDense(inputSize, outputSize int, useBias bool, name string, rng *rand.Rand) (*DenseLayer, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("dense layer %s: sizes must be positive, got %d -> %d", name, inputSize, outputSize)
	}
	if rng == nil {
		return nil, fmt.Errorf("dense layer %s: rng must not be nil", name)
	}

	layer := &DenseLayer{
		name:       name,
		inputSize:  inputSize,
		outputSize: outputSize,
		useBias:    useBias,
	}

	layer.weight = NewParameter(name+".weight", []int{inputSize, outputSize})
	std := float32(math.Sqrt(2.0 / float64(inputSize)))
	layer.weight.InitNormal(0, std, rng)

	if useBias {
		layer.bias = NewParameter(name+".bias", []int{outputSize})
	}

	return layer, nil
}

func (l *DenseLayer) Name() string    { return l.name }
func (l *DenseLayer) Type() LayerType { return Dense }

func (l *DenseLayer) Parameters() []*Parameter {
	if l.useBias {
		return []*Parameter{l.weight, l.bias}
	}
	return []*Parameter{l.weight}
}

func (l *DenseLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInputRank(input, 2, "Dense"); err != nil {
		return nil, err
	}
	if input.Shape[1] != l.inputSize {
		return nil, fmt.Errorf("dense layer %s: input size %d does not match %d", l.name, input.Shape[1], l.inputSize)
	}

	weight, err := tensor.NewTensor([]int{l.inputSize, l.outputSize}, tensor.Float32, input.Device, l.weight.Data)
	if err != nil {
		return nil, err
	}
	output, err := tensor.MatMul(input, weight)
	if err != nil {
		return nil, err
	}

	if l.useBias {
		outData := output.Data.([]float32)
		for b := 0; b < input.Shape[0]; b++ {
			outOff := b * l.outputSize
			for j := 0; j < l.outputSize; j++ {
				outData[outOff+j] += l.bias.Data[j]
			}
		}
	}

	l.lastInput = input
	return output, nil
}

func (l *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("dense layer %s: Backward called before Forward", l.name)
	}
	if err := checkInputRank(gradOut, 2, "Dense"); err != nil {
		return nil, err
	}

	batch := l.lastInput.Shape[0]
	if gradOut.Shape[0] != batch || gradOut.Shape[1] != l.outputSize {
		return nil, fmt.Errorf("dense layer %s: gradient shape %v does not match output [%d %d]",
			l.name, gradOut.Shape, batch, l.outputSize)
	}

	inData := l.lastInput.Data.([]float32)
	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	weight, err := tensor.NewTensor([]int{l.inputSize, l.outputSize}, tensor.Float32, gradOut.Device, l.weight.Data)
	if err != nil {
		return nil, err
	}
	weightT, err := tensor.Transpose2D(weight)
	if err != nil {
		return nil, err
	}
	gradIn, err := tensor.MatMul(gradOut, weightT)
	if err != nil {
		return nil, err
	}

	// Parameter gradients accumulate across backward passes, so they
	// stay out of the matmul above.
	for b := 0; b < batch; b++ {
		inOff := b * l.inputSize
		outOff := b * l.outputSize
		for i := 0; i < l.inputSize; i++ {
			x := inData[inOff+i]
			if x == 0 {
				continue
			}
			wOff := i * l.outputSize
			for j := 0; j < l.outputSize; j++ {
				l.weight.Grad[wOff+j] += x * gradData[outOff+j]
			}
		}
		if l.useBias {
			for j := 0; j < l.outputSize; j++ {
				l.bias.Grad[j] += gradData[outOff+j]
			}
		}
	}

	return gradIn, nil
}
