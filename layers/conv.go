package layers

import (
	"fmt"
	"math/rand"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// Conv2DLayer implements a strided 2-D convolution over NCHW input.
// Weight shape is [outChannels, inChannels, kernel, kernel].
type Conv2DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int
	useBias     bool

	weight *Parameter
	bias   *Parameter

	lastInput *tensor.Tensor
}

// NewConv2D creates a convolution layer. Weights are drawn from N(0, 0.02),
// the conventional initialization for adversarial image networks.
func NewConv2D(inChannels, outChannels, kernel, stride, padding int, useBias bool, name string, rng *rand.Rand) (*Conv2DLayer, error) {
	if inChannels <= 0 || outChannels <= 0 || kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("conv2d layer %s: invalid configuration (in=%d out=%d kernel=%d stride=%d)",
			name, inChannels, outChannels, kernel, stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("conv2d layer %s: padding must be non-negative, got %d", name, padding)
	}
	if rng == nil {
		return nil, fmt.Errorf("conv2d layer %s: rng must not be nil", name)
	}

	layer := &Conv2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		stride:      stride,
		padding:     padding,
		useBias:     useBias,
	}

	layer.weight = NewParameter(name+".weight", []int{outChannels, inChannels, kernel, kernel})
	layer.weight.InitNormal(0, 0.02, rng)

	if useBias {
		layer.bias = NewParameter(name+".bias", []int{outChannels})
	}

	return layer, nil
}

func (l *Conv2DLayer) Name() string    { return l.name }
func (l *Conv2DLayer) Type() LayerType { return Conv2D }

func (l *Conv2DLayer) Parameters() []*Parameter {
	if l.useBias {
		return []*Parameter{l.weight, l.bias}
	}
	return []*Parameter{l.weight}
}

// OutputSize returns the spatial output size for a given input size.
func (l *Conv2DLayer) OutputSize(inputSize int) int {
	return (inputSize+2*l.padding-l.kernel)/l.stride + 1
}

func (l *Conv2DLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInputRank(input, 4, "Conv2D"); err != nil {
		return nil, err
	}
	if input.Shape[1] != l.inChannels {
		return nil, fmt.Errorf("conv2d layer %s: input channels %d do not match %d", l.name, input.Shape[1], l.inChannels)
	}

	batch := input.Shape[0]
	inH := input.Shape[2]
	inW := input.Shape[3]
	outH := l.OutputSize(inH)
	outW := l.OutputSize(inW)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d layer %s: input %dx%d too small for kernel %d stride %d padding %d",
			l.name, inH, inW, l.kernel, l.stride, l.padding)
	}

	inData, err := input.Float32Data()
	if err != nil {
		return nil, err
	}

	output, err := tensor.Zeros([]int{batch, l.outChannels, outH, outW}, tensor.Float32, input.Device)
	if err != nil {
		return nil, err
	}
	outData := output.Data.([]float32)

	w := l.weight.Data
	for b := 0; b < batch; b++ {
		for oc := 0; oc < l.outChannels; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					for ic := 0; ic < l.inChannels; ic++ {
						for kh := 0; kh < l.kernel; kh++ {
							ih := oh*l.stride - l.padding + kh
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < l.kernel; kw++ {
								iw := ow*l.stride - l.padding + kw
								if iw < 0 || iw >= inW {
									continue
								}
								inIdx := ((b*l.inChannels+ic)*inH+ih)*inW + iw
								wIdx := ((oc*l.inChannels+ic)*l.kernel+kh)*l.kernel + kw
								sum += inData[inIdx] * w[wIdx]
							}
						}
					}
					if l.useBias {
						sum += l.bias.Data[oc]
					}
					outData[((b*l.outChannels+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}

	l.lastInput = input
	return output, nil
}

func (l *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("conv2d layer %s: Backward called before Forward", l.name)
	}
	if err := checkInputRank(gradOut, 4, "Conv2D"); err != nil {
		return nil, err
	}

	batch := l.lastInput.Shape[0]
	inH := l.lastInput.Shape[2]
	inW := l.lastInput.Shape[3]
	outH := l.OutputSize(inH)
	outW := l.OutputSize(inW)

	if gradOut.Shape[0] != batch || gradOut.Shape[1] != l.outChannels ||
		gradOut.Shape[2] != outH || gradOut.Shape[3] != outW {
		return nil, fmt.Errorf("conv2d layer %s: gradient shape %v does not match output [%d %d %d %d]",
			l.name, gradOut.Shape, batch, l.outChannels, outH, outW)
	}

	inData := l.lastInput.Data.([]float32)
	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn, err := tensor.Zeros(l.lastInput.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	w := l.weight.Data
	for b := 0; b < batch; b++ {
		for oc := 0; oc < l.outChannels; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradData[((b*l.outChannels+oc)*outH+oh)*outW+ow]
					if g == 0 {
						continue
					}
					if l.useBias {
						l.bias.Grad[oc] += g
					}
					for ic := 0; ic < l.inChannels; ic++ {
						for kh := 0; kh < l.kernel; kh++ {
							ih := oh*l.stride - l.padding + kh
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < l.kernel; kw++ {
								iw := ow*l.stride - l.padding + kw
								if iw < 0 || iw >= inW {
									continue
								}
								inIdx := ((b*l.inChannels+ic)*inH+ih)*inW + iw
								wIdx := ((oc*l.inChannels+ic)*l.kernel+kh)*l.kernel + kw
								gradInData[inIdx] += g * w[wIdx]
								l.weight.Grad[wIdx] += g * inData[inIdx]
							}
						}
					}
				}
			}
		}
	}

	return gradIn, nil
}

// ConvTranspose2DLayer implements a strided transposed convolution,
// the upsampling counterpart of Conv2DLayer. Weight shape is
// [inChannels, outChannels, kernel, kernel].
type ConvTranspose2DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int
	useBias     bool

	weight *Parameter
	bias   *Parameter

	lastInput *tensor.Tensor
}

// NewConvTranspose2D creates a transposed convolution layer with N(0, 0.02)
// weight initialization.
func NewConvTranspose2D(inChannels, outChannels, kernel, stride, padding int, useBias bool, name string, rng *rand.Rand) (*ConvTranspose2DLayer, error) {
	if inChannels <= 0 || outChannels <= 0 || kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("convtranspose2d layer %s: invalid configuration (in=%d out=%d kernel=%d stride=%d)",
			name, inChannels, outChannels, kernel, stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("convtranspose2d layer %s: padding must be non-negative, got %d", name, padding)
	}
	if rng == nil {
		return nil, fmt.Errorf("convtranspose2d layer %s: rng must not be nil", name)
	}

	layer := &ConvTranspose2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		stride:      stride,
		padding:     padding,
		useBias:     useBias,
	}

	layer.weight = NewParameter(name+".weight", []int{inChannels, outChannels, kernel, kernel})
	layer.weight.InitNormal(0, 0.02, rng)

	if useBias {
		layer.bias = NewParameter(name+".bias", []int{outChannels})
	}

	return layer, nil
}

func (l *ConvTranspose2DLayer) Name() string    { return l.name }
func (l *ConvTranspose2DLayer) Type() LayerType { return ConvTranspose2D }

func (l *ConvTranspose2DLayer) Parameters() []*Parameter {
	if l.useBias {
		return []*Parameter{l.weight, l.bias}
	}
	return []*Parameter{l.weight}
}

// OutputSize returns the spatial output size for a given input size.
func (l *ConvTranspose2DLayer) OutputSize(inputSize int) int {
	return (inputSize-1)*l.stride - 2*l.padding + l.kernel
}

func (l *ConvTranspose2DLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInputRank(input, 4, "ConvTranspose2D"); err != nil {
		return nil, err
	}
	if input.Shape[1] != l.inChannels {
		return nil, fmt.Errorf("convtranspose2d layer %s: input channels %d do not match %d",
			l.name, input.Shape[1], l.inChannels)
	}

	batch := input.Shape[0]
	inH := input.Shape[2]
	inW := input.Shape[3]
	outH := l.OutputSize(inH)
	outW := l.OutputSize(inW)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("convtranspose2d layer %s: configuration produces empty output for input %dx%d",
			l.name, inH, inW)
	}

	inData, err := input.Float32Data()
	if err != nil {
		return nil, err
	}

	output, err := tensor.Zeros([]int{batch, l.outChannels, outH, outW}, tensor.Float32, input.Device)
	if err != nil {
		return nil, err
	}
	outData := output.Data.([]float32)

	w := l.weight.Data
	for b := 0; b < batch; b++ {
		for ic := 0; ic < l.inChannels; ic++ {
			for ih := 0; ih < inH; ih++ {
				for iw := 0; iw < inW; iw++ {
					x := inData[((b*l.inChannels+ic)*inH+ih)*inW+iw]
					if x == 0 {
						continue
					}
					for oc := 0; oc < l.outChannels; oc++ {
						for kh := 0; kh < l.kernel; kh++ {
							oh := ih*l.stride - l.padding + kh
							if oh < 0 || oh >= outH {
								continue
							}
							for kw := 0; kw < l.kernel; kw++ {
								ow := iw*l.stride - l.padding + kw
								if ow < 0 || ow >= outW {
									continue
								}
								wIdx := ((ic*l.outChannels+oc)*l.kernel+kh)*l.kernel + kw
								outData[((b*l.outChannels+oc)*outH+oh)*outW+ow] += x * w[wIdx]
							}
						}
					}
				}
			}
		}
		if l.useBias {
			for oc := 0; oc < l.outChannels; oc++ {
				off := (b*l.outChannels + oc) * outH * outW
				for i := 0; i < outH*outW; i++ {
					outData[off+i] += l.bias.Data[oc]
				}
			}
		}
	}

	l.lastInput = input
	return output, nil
}

func (l *ConvTranspose2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("convtranspose2d layer %s: Backward called before Forward", l.name)
	}
	if err := checkInputRank(gradOut, 4, "ConvTranspose2D"); err != nil {
		return nil, err
	}

	batch := l.lastInput.Shape[0]
	inH := l.lastInput.Shape[2]
	inW := l.lastInput.Shape[3]
	outH := l.OutputSize(inH)
	outW := l.OutputSize(inW)

	if gradOut.Shape[0] != batch || gradOut.Shape[1] != l.outChannels ||
		gradOut.Shape[2] != outH || gradOut.Shape[3] != outW {
		return nil, fmt.Errorf("convtranspose2d layer %s: gradient shape %v does not match output [%d %d %d %d]",
			l.name, gradOut.Shape, batch, l.outChannels, outH, outW)
	}

	inData := l.lastInput.Data.([]float32)
	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn, err := tensor.Zeros(l.lastInput.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	w := l.weight.Data
	for b := 0; b < batch; b++ {
		for ic := 0; ic < l.inChannels; ic++ {
			for ih := 0; ih < inH; ih++ {
				for iw := 0; iw < inW; iw++ {
					inIdx := ((b*l.inChannels+ic)*inH+ih)*inW + iw
					x := inData[inIdx]
					var acc float32
					for oc := 0; oc < l.outChannels; oc++ {
						for kh := 0; kh < l.kernel; kh++ {
							oh := ih*l.stride - l.padding + kh
							if oh < 0 || oh >= outH {
								continue
							}
							for kw := 0; kw < l.kernel; kw++ {
								ow := iw*l.stride - l.padding + kw
								if ow < 0 || ow >= outW {
									continue
								}
								g := gradData[((b*l.outChannels+oc)*outH+oh)*outW+ow]
								wIdx := ((ic*l.outChannels+oc)*l.kernel+kh)*l.kernel + kw
								acc += g * w[wIdx]
								l.weight.Grad[wIdx] += g * x
							}
						}
					}
					gradInData[inIdx] = acc
				}
			}
		}
	}

	if l.useBias {
		for b := 0; b < batch; b++ {
			for oc := 0; oc < l.outChannels; oc++ {
				off := (b*l.outChannels + oc) * outH * outW
				for i := 0; i < outH*outW; i++ {
					l.bias.Grad[oc] += gradData[off+i]
				}
			}
		}
	}

	return gradIn, nil
}
