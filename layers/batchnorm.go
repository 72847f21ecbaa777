package layers

import (
	"fmt"
	"math"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// BatchNorm2DLayer normalizes each channel of NCHW input over the batch
// and spatial dimensions. Running statistics are tracked for inference.
type BatchNorm2DLayer struct {
	name        string
	numFeatures int
	eps         float32
	momentum    float32

	gamma *Parameter
	beta  *Parameter

	runningMean []float32
	runningVar  []float32

	// backward caches (training mode only)
	lastInput *tensor.Tensor
	lastXHat  []float32
	lastRStd  []float32
}

// NewBatchNorm2D creates a batch normalization layer. Gamma starts at 1,
// beta at 0 and running variance at 1.
func NewBatchNorm2D(numFeatures int, eps, momentum float32, name string) (*BatchNorm2DLayer, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("batchnorm layer %s: numFeatures must be positive, got %d", name, numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 || momentum >= 1 {
		momentum = 0.1
	}

	layer := &BatchNorm2DLayer{
		name:        name,
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       NewParameter(name+".gamma", []int{numFeatures}),
		beta:        NewParameter(name+".beta", []int{numFeatures}),
		runningMean: make([]float32, numFeatures),
		runningVar:  make([]float32, numFeatures),
	}

	for i := 0; i < numFeatures; i++ {
		layer.gamma.Data[i] = 1
		layer.runningVar[i] = 1
	}

	return layer, nil
}

func (l *BatchNorm2DLayer) Name() string    { return l.name }
func (l *BatchNorm2DLayer) Type() LayerType { return BatchNorm2D }

func (l *BatchNorm2DLayer) Parameters() []*Parameter {
	return []*Parameter{l.gamma, l.beta}
}

// RunningStatistics exposes the tracked mean and variance, used by
// checkpointing to persist non-learnable state.
func (l *BatchNorm2DLayer) RunningStatistics() (mean, variance []float32) {
	return l.runningMean, l.runningVar
}

// StateParameters exposes the running statistics as named tensors for
// checkpointing. The returned parameters share backing storage with the
// layer, so restoring into them updates the layer in place. They are
// not learnable and must never be handed to an optimizer.
func (l *BatchNorm2DLayer) StateParameters() []*Parameter {
	mean, variance := l.RunningStatistics()
	return []*Parameter{
		{Name: l.name + ".running_mean", Shape: []int{l.numFeatures}, Data: mean},
		{Name: l.name + ".running_var", Shape: []int{l.numFeatures}, Data: variance},
	}
}

// SetRunningStatistics restores tracked statistics from a checkpoint.
func (l *BatchNorm2DLayer) SetRunningStatistics(mean, variance []float32) error {
	if len(mean) != l.numFeatures || len(variance) != l.numFeatures {
		return fmt.Errorf("batchnorm layer %s: statistics length mismatch: got %d/%d, want %d",
			l.name, len(mean), len(variance), l.numFeatures)
	}
	copy(l.runningMean, mean)
	copy(l.runningVar, variance)
	return nil
}

func (l *BatchNorm2DLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInputRank(input, 4, "BatchNorm2D"); err != nil {
		return nil, err
	}
	if input.Shape[1] != l.numFeatures {
		return nil, fmt.Errorf("batchnorm layer %s: input channels %d do not match %d",
			l.name, input.Shape[1], l.numFeatures)
	}

	batch := input.Shape[0]
	h := input.Shape[2]
	w := input.Shape[3]
	plane := h * w
	n := batch * plane

	inData, err := input.Float32Data()
	if err != nil {
		return nil, err
	}

	output, err := tensor.Zeros(input.Shape, tensor.Float32, input.Device)
	if err != nil {
		return nil, err
	}
	outData := output.Data.([]float32)

	if training {
		xhat := make([]float32, len(inData))
		rstd := make([]float32, l.numFeatures)

		for c := 0; c < l.numFeatures; c++ {
			var mean float32
			for b := 0; b < batch; b++ {
				off := (b*l.numFeatures + c) * plane
				for i := 0; i < plane; i++ {
					mean += inData[off+i]
				}
			}
			mean /= float32(n)

			var variance float32
			for b := 0; b < batch; b++ {
				off := (b*l.numFeatures + c) * plane
				for i := 0; i < plane; i++ {
					d := inData[off+i] - mean
					variance += d * d
				}
			}
			variance /= float32(n)

			rstd[c] = float32(1.0 / math.Sqrt(float64(variance)+float64(l.eps)))

			for b := 0; b < batch; b++ {
				off := (b*l.numFeatures + c) * plane
				for i := 0; i < plane; i++ {
					xh := (inData[off+i] - mean) * rstd[c]
					xhat[off+i] = xh
					outData[off+i] = l.gamma.Data[c]*xh + l.beta.Data[c]
				}
			}

			l.runningMean[c] = (1-l.momentum)*l.runningMean[c] + l.momentum*mean
			l.runningVar[c] = (1-l.momentum)*l.runningVar[c] + l.momentum*variance
		}

		l.lastInput = input
		l.lastXHat = xhat
		l.lastRStd = rstd
		return output, nil
	}

	// inference mode: use running statistics
	for c := 0; c < l.numFeatures; c++ {
		rstd := float32(1.0 / math.Sqrt(float64(l.runningVar[c])+float64(l.eps)))
		for b := 0; b < batch; b++ {
			off := (b*l.numFeatures + c) * plane
			for i := 0; i < plane; i++ {
				outData[off+i] = l.gamma.Data[c]*(inData[off+i]-l.runningMean[c])*rstd + l.beta.Data[c]
			}
		}
	}

	return output, nil
}

func (l *BatchNorm2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("batchnorm layer %s: Backward called before training-mode Forward", l.name)
	}
	if !shapesMatch(gradOut.Shape, l.lastInput.Shape) {
		return nil, fmt.Errorf("batchnorm layer %s: gradient shape %v does not match input %v",
			l.name, gradOut.Shape, l.lastInput.Shape)
	}

	batch := l.lastInput.Shape[0]
	plane := l.lastInput.Shape[2] * l.lastInput.Shape[3]
	n := batch * plane

	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn, err := tensor.Zeros(l.lastInput.Shape, tensor.Float32, gradOut.Device)
	if err != nil {
		return nil, err
	}
	gradInData := gradIn.Data.([]float32)

	for c := 0; c < l.numFeatures; c++ {
		var sumG, sumGX float32
		for b := 0; b < batch; b++ {
			off := (b*l.numFeatures + c) * plane
			for i := 0; i < plane; i++ {
				g := gradData[off+i]
				sumG += g
				sumGX += g * l.lastXHat[off+i]
			}
		}

		l.beta.Grad[c] += sumG
		l.gamma.Grad[c] += sumGX

		// dx = gamma * rstd / N * (N*dy - sum(dy) - xhat*sum(dy*xhat))
		scale := l.gamma.Data[c] * l.lastRStd[c] / float32(n)
		for b := 0; b < batch; b++ {
			off := (b*l.numFeatures + c) * plane
			for i := 0; i < plane; i++ {
				g := gradData[off+i]
				gradInData[off+i] = scale * (float32(n)*g - sumG - l.lastXHat[off+i]*sumGX)
			}
		}
	}

	return gradIn, nil
}

func shapesMatch(a, b []int) bool {
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
