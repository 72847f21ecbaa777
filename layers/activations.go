package layers

import (
	"fmt"
	"math/rand"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// ReLULayer applies max(0, x) elementwise.
type ReLULayer struct {
	name      string
	lastInput *tensor.Tensor
}

func NewReLU(name string) *ReLULayer { return &ReLULayer{name: name} }

func (l *ReLULayer) Name() string             { return l.name }
func (l *ReLULayer) Type() LayerType          { return ReLU }
func (l *ReLULayer) Parameters() []*Parameter { return nil }

func (l *ReLULayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	output, err := tensor.LeakyReLU(input, 0)
	if err != nil {
		return nil, err
	}
	l.lastInput = input
	return output, nil
}

func (l *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	return leakyBackward(l.name, l.lastInput, gradOut, 0)
}

// LeakyReLULayer applies max(x, slope*x) elementwise.
type LeakyReLULayer struct {
	name      string
	slope     float32
	lastInput *tensor.Tensor
}

func NewLeakyReLU(slope float32, name string) *LeakyReLULayer {
	return &LeakyReLULayer{name: name, slope: slope}
}

func (l *LeakyReLULayer) Name() string             { return l.name }
func (l *LeakyReLULayer) Type() LayerType          { return LeakyReLU }
func (l *LeakyReLULayer) Parameters() []*Parameter { return nil }

func (l *LeakyReLULayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	output, err := tensor.LeakyReLU(input, l.slope)
	if err != nil {
		return nil, err
	}
	l.lastInput = input
	return output, nil
}

func (l *LeakyReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	return leakyBackward(l.name, l.lastInput, gradOut, l.slope)
}

func leakyBackward(name string, lastInput, gradOut *tensor.Tensor, slope float32) (*tensor.Tensor, error) {
	if lastInput == nil {
		return nil, fmt.Errorf("layer %s: Backward called before Forward", name)
	}
	if !shapesMatch(gradOut.Shape, lastInput.Shape) {
		return nil, fmt.Errorf("layer %s: gradient shape %v does not match input %v", name, gradOut.Shape, lastInput.Shape)
	}

	inData := lastInput.Data.([]float32)
	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn, err := tensor.Zeros(lastInput.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	for i := range inData {
		if inData[i] > 0 {
			gradInData[i] = gradData[i]
		} else {
			gradInData[i] = gradData[i] * slope
		}
	}

	return gradIn, nil
}

// TanhLayer bounds output to [-1, 1]; used as the generator's final
// activation so denormalization to a displayable range is a pure rescale.
type TanhLayer struct {
	name       string
	lastOutput *tensor.Tensor
}

func NewTanh(name string) *TanhLayer { return &TanhLayer{name: name} }

func (l *TanhLayer) Name() string             { return l.name }
func (l *TanhLayer) Type() LayerType          { return Tanh }
func (l *TanhLayer) Parameters() []*Parameter { return nil }

func (l *TanhLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	output, err := tensor.Tanh(input)
	if err != nil {
		return nil, err
	}
	l.lastOutput = output
	return output, nil
}

func (l *TanhLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastOutput == nil {
		return nil, fmt.Errorf("layer %s: Backward called before Forward", l.name)
	}

	outData := l.lastOutput.Data.([]float32)
	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn, err := tensor.Zeros(l.lastOutput.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	for i := range outData {
		gradInData[i] = gradData[i] * (1 - outData[i]*outData[i])
	}

	return gradIn, nil
}

// SigmoidLayer squashes input to (0, 1).
type SigmoidLayer struct {
	name       string
	lastOutput *tensor.Tensor
}

func NewSigmoid(name string) *SigmoidLayer { return &SigmoidLayer{name: name} }

func (l *SigmoidLayer) Name() string             { return l.name }
func (l *SigmoidLayer) Type() LayerType          { return Sigmoid }
func (l *SigmoidLayer) Parameters() []*Parameter { return nil }

func (l *SigmoidLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	output, err := tensor.Sigmoid(input)
	if err != nil {
		return nil, err
	}
	l.lastOutput = output
	return output, nil
}

func (l *SigmoidLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastOutput == nil {
		return nil, fmt.Errorf("layer %s: Backward called before Forward", l.name)
	}

	outData := l.lastOutput.Data.([]float32)
	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn, err := tensor.Zeros(l.lastOutput.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	for i := range outData {
		gradInData[i] = gradData[i] * outData[i] * (1 - outData[i])
	}

	return gradIn, nil
}

// DropoutLayer randomly zeroes activations during training with inverse
// scaling, and is the identity during inference. The mask is drawn from
// the layer's own generator handle so runs stay reproducible.
type DropoutLayer struct {
	name     string
	rate     float32
	rng      *rand.Rand
	lastMask []float32
}

func NewDropout(rate float32, name string, rng *rand.Rand) (*DropoutLayer, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout layer %s: rate must be in [0, 1), got %f", name, rate)
	}
	if rng == nil {
		return nil, fmt.Errorf("dropout layer %s: rng must not be nil", name)
	}
	return &DropoutLayer{name: name, rate: rate, rng: rng}, nil
}

func (l *DropoutLayer) Name() string             { return l.name }
func (l *DropoutLayer) Type() LayerType          { return Dropout }
func (l *DropoutLayer) Parameters() []*Parameter { return nil }

func (l *DropoutLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || l.rate == 0 {
		l.lastMask = nil
		return input, nil
	}

	inData, err := input.Float32Data()
	if err != nil {
		return nil, err
	}

	output, err := tensor.Zeros(input.Shape, tensor.Float32, input.Device)
	if err != nil {
		return nil, err
	}
	outData := output.Data.([]float32)

	scale := 1 / (1 - l.rate)
	mask := make([]float32, len(inData))
	for i := range inData {
		if l.rng.Float32() >= l.rate {
			mask[i] = scale
			outData[i] = inData[i] * scale
		}
	}

	l.lastMask = mask
	return output, nil
}

func (l *DropoutLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastMask == nil {
		return gradOut, nil
	}

	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}
	if len(gradData) != len(l.lastMask) {
		return nil, fmt.Errorf("dropout layer %s: gradient size %d does not match mask %d",
			l.name, len(gradData), len(l.lastMask))
	}

	gradIn, err := tensor.Zeros(gradOut.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	for i := range gradData {
		gradInData[i] = gradData[i] * l.lastMask[i]
	}

	return gradIn, nil
}
