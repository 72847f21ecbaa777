package layers

import (
	"fmt"
	"math/rand"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// EmbeddingLayer maps Int32 class ids to learned dense vectors.
// Input shape is [batch], output shape [batch, dim]. Ids outside
// [0, numClasses) are rejected rather than clamped: an out-of-range
// style id is a configuration error, never recoverable at runtime.
type EmbeddingLayer struct {
	name       string
	numClasses int
	dim        int

	weight *Parameter

	lastIDs []int32
}

func NewEmbedding(numClasses, dim int, name string, rng *rand.Rand) (*EmbeddingLayer, error) {
	if numClasses <= 0 || dim <= 0 {
		return nil, fmt.Errorf("embedding layer %s: numClasses and dim must be positive, got %d/%d", name, numClasses, dim)
	}
	if rng == nil {
		return nil, fmt.Errorf("embedding layer %s: rng must not be nil", name)
	}

	layer := &EmbeddingLayer{
		name:       name,
		numClasses: numClasses,
		dim:        dim,
		weight:     NewParameter(name+".weight", []int{numClasses, dim}),
	}
	layer.weight.InitNormal(0, 0.02, rng)

	return layer, nil
}

func (l *EmbeddingLayer) Name() string             { return l.name }
func (l *EmbeddingLayer) Type() LayerType          { return Embedding }
func (l *EmbeddingLayer) Parameters() []*Parameter { return []*Parameter{l.weight} }

// NumClasses returns the size of the embedding table.
func (l *EmbeddingLayer) NumClasses() int { return l.numClasses }

func (l *EmbeddingLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInputRank(input, 1, "Embedding"); err != nil {
		return nil, err
	}

	ids, err := input.Int32Data()
	if err != nil {
		return nil, fmt.Errorf("embedding layer %s: %v", l.name, err)
	}

	batch := input.Shape[0]
	output, err := tensor.Zeros([]int{batch, l.dim}, tensor.Float32, input.Device)
	if err != nil {
		return nil, err
	}
	outData := output.Data.([]float32)

	for b, id := range ids {
		if id < 0 || int(id) >= l.numClasses {
			return nil, fmt.Errorf("embedding layer %s: id %d out of range [0, %d)", l.name, id, l.numClasses)
		}
		copy(outData[b*l.dim:(b+1)*l.dim], l.weight.Data[int(id)*l.dim:(int(id)+1)*l.dim])
	}

	l.lastIDs = ids
	return output, nil
}

// Backward accumulates gradients into the rows selected during Forward.
// The returned input gradient is nil: class ids are not differentiable.
func (l *EmbeddingLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastIDs == nil {
		return nil, fmt.Errorf("embedding layer %s: Backward called before Forward", l.name)
	}
	if err := checkInputRank(gradOut, 2, "Embedding"); err != nil {
		return nil, err
	}
	if gradOut.Shape[0] != len(l.lastIDs) || gradOut.Shape[1] != l.dim {
		return nil, fmt.Errorf("embedding layer %s: gradient shape %v does not match [%d %d]",
			l.name, gradOut.Shape, len(l.lastIDs), l.dim)
	}

	gradData, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}

	for b, id := range l.lastIDs {
		rowOff := int(id) * l.dim
		gOff := b * l.dim
		for i := 0; i < l.dim; i++ {
			l.weight.Grad[rowOff+i] += gradData[gOff+i]
		}
	}

	return nil, nil
}
