package layers

import (
	"fmt"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// ReshapeLayer changes the non-batch dimensions of its input. The target
// shape excludes the batch dimension, which is carried through unchanged.
type ReshapeLayer struct {
	name        string
	targetShape []int

	lastShape []int
}

func NewReshape(targetShape []int, name string) (*ReshapeLayer, error) {
	if len(targetShape) == 0 {
		return nil, fmt.Errorf("reshape layer %s: target shape must not be empty", name)
	}
	for i, dim := range targetShape {
		if dim <= 0 {
			return nil, fmt.Errorf("reshape layer %s: dimension %d has size %d", name, i, dim)
		}
	}
	return &ReshapeLayer{name: name, targetShape: append([]int{}, targetShape...)}, nil
}

func (l *ReshapeLayer) Name() string             { return l.name }
func (l *ReshapeLayer) Type() LayerType          { return Reshape }
func (l *ReshapeLayer) Parameters() []*Parameter { return nil }

func (l *ReshapeLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) < 1 {
		return nil, fmt.Errorf("reshape layer %s: input has no batch dimension", l.name)
	}

	batch := input.Shape[0]
	outShape := append([]int{batch}, l.targetShape...)

	output, err := tensor.Reshape(input, outShape)
	if err != nil {
		return nil, fmt.Errorf("reshape layer %s: %v", l.name, err)
	}

	l.lastShape = append([]int{}, input.Shape...)
	return output, nil
}

func (l *ReshapeLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastShape == nil {
		return nil, fmt.Errorf("reshape layer %s: Backward called before Forward", l.name)
	}
	gradIn, err := tensor.Reshape(gradOut, l.lastShape)
	if err != nil {
		return nil, fmt.Errorf("reshape layer %s: %v", l.name, err)
	}
	return gradIn, nil
}

// FlattenLayer collapses all non-batch dimensions into one.
type FlattenLayer struct {
	name      string
	lastShape []int
}

func NewFlatten(name string) *FlattenLayer { return &FlattenLayer{name: name} }

func (l *FlattenLayer) Name() string             { return l.name }
func (l *FlattenLayer) Type() LayerType          { return Reshape }
func (l *FlattenLayer) Parameters() []*Parameter { return nil }

func (l *FlattenLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("flatten layer %s: input must have at least 2 dimensions, got %v", l.name, input.Shape)
	}

	batch := input.Shape[0]
	features := input.NumElems / batch

	output, err := tensor.Reshape(input, []int{batch, features})
	if err != nil {
		return nil, fmt.Errorf("flatten layer %s: %v", l.name, err)
	}

	l.lastShape = append([]int{}, input.Shape...)
	return output, nil
}

func (l *FlattenLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastShape == nil {
		return nil, fmt.Errorf("flatten layer %s: Backward called before Forward", l.name)
	}
	gradIn, err := tensor.Reshape(gradOut, l.lastShape)
	if err != nil {
		return nil, fmt.Errorf("flatten layer %s: %v", l.name, err)
	}
	return gradIn, nil
}
