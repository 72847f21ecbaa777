package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// ErrNonFiniteLoss marks numerical divergence. Steps that produce it
// are surfaced distinctly so checkpoints are never written from a
// corrupted state.
var ErrNonFiniteLoss = errors.New("non-finite loss detected")

// BCEWithLogits computes mean binary cross-entropy between realism
// logits [B, 1] and a constant target (1 for real, 0 for fake), plus
// the gradient with respect to the logits. The log1p form is stable
// for large logits of either sign.
func BCEWithLogits(logits *tensor.Tensor, target float32) (float32, *tensor.Tensor, error) {
	data, err := logits.Float32Data()
	if err != nil {
		return 0, nil, errors.Wrap(err, "bce input")
	}
	n := len(data)
	if n == 0 {
		return 0, nil, errors.New("bce on empty tensor")
	}

	grad := make([]float32, n)
	var total float64
	for i, z := range data {
		zf := float64(z)
		total += math.Max(zf, 0) - zf*float64(target) + math.Log1p(math.Exp(-math.Abs(zf)))

		sig := 1 / (1 + math.Exp(-zf))
		grad[i] = (float32(sig) - target) / float32(n)
	}

	loss := float32(total / float64(n))
	gradTensor, err := tensor.NewTensor(append([]int{}, logits.Shape...), tensor.Float32, logits.Device, grad)
	if err != nil {
		return 0, nil, err
	}
	return loss, gradTensor, nil
}

// SoftmaxCrossEntropy computes mean cross-entropy between style logits
// [B, K] and integer targets [B], plus the gradient with respect to the
// logits. Log-softmax is computed with the max trick.
func SoftmaxCrossEntropy(logits *tensor.Tensor, targets *tensor.Tensor) (float32, *tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, errors.Errorf("cross-entropy expects rank-2 logits, got shape %v", logits.Shape)
	}
	data, err := logits.Float32Data()
	if err != nil {
		return 0, nil, errors.Wrap(err, "cross-entropy logits")
	}
	labels, err := targets.Int32Data()
	if err != nil {
		return 0, nil, errors.Wrap(err, "cross-entropy targets")
	}

	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, nil, errors.Errorf("cross-entropy has %d targets for batch of %d", len(labels), batch)
	}

	grad := make([]float32, len(data))
	var total float64
	for b := 0; b < batch; b++ {
		label := int(labels[b])
		if label < 0 || label >= classes {
			return 0, nil, errors.Errorf("target %d outside [0, %d)", label, classes)
		}
		row := data[b*classes : (b+1)*classes]

		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxLogit))
		}
		logSum := math.Log(sumExp)

		total += logSum - float64(row[label]-maxLogit)

		for k := 0; k < classes; k++ {
			p := math.Exp(float64(row[k]-maxLogit)) / sumExp
			grad[b*classes+k] = float32(p) / float32(batch)
		}
		grad[b*classes+label] -= 1.0 / float32(batch)
	}

	loss := float32(total / float64(batch))
	gradTensor, err := tensor.NewTensor(append([]int{}, logits.Shape...), tensor.Float32, logits.Device, grad)
	if err != nil {
		return 0, nil, err
	}
	return loss, gradTensor, nil
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
