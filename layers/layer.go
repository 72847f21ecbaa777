package layers

import (
	"fmt"
	"math/rand"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// LayerType identifies the kind of a layer, used for architecture
// descriptions and checkpoint compatibility checks.
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ConvTranspose2D
	BatchNorm2D
	Embedding
	ReLU
	LeakyReLU
	Tanh
	Sigmoid
	Dropout
	Reshape
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ConvTranspose2D:
		return "ConvTranspose2D"
	case BatchNorm2D:
		return "BatchNorm2D"
	case Embedding:
		return "Embedding"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	case Sigmoid:
		return "Sigmoid"
	case Dropout:
		return "Dropout"
	case Reshape:
		return "Reshape"
	default:
		return "Unknown"
	}
}

// Parameter is a learnable tensor together with its accumulated gradient.
// Data and Grad always have the same length.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParameter allocates a zero-valued parameter with the given shape.
func NewParameter(name string, shape []int) *Parameter {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int{}, shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// InitNormal fills the parameter with draws from N(mean, std).
func (p *Parameter) InitNormal(mean, std float32, rng *rand.Rand) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64())*std + mean
	}
}

// Layer is a differentiable network stage. Forward caches whatever it
// needs for the matching Backward call; Backward accumulates parameter
// gradients and returns the gradient with respect to its input (nil for
// layers whose input is not differentiable, such as Embedding).
type Layer interface {
	Name() string
	Type() LayerType
	Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Spec is a compact architecture description of one layer, recorded in
// checkpoints so that an incompatible save directory can be detected
// before any state is touched.
type Spec struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Fields map[string]int `json:"fields,omitempty"`
}

func checkInputRank(input *tensor.Tensor, rank int, layer string) error {
	if len(input.Shape) != rank {
		return fmt.Errorf("%s expects rank-%d input, got shape %v", layer, rank, input.Shape)
	}
	return nil
}
