package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/layers"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizer implements Adam with bias correction over a fixed
// parameter set. First and second moment buffers are kept per parameter
// and are exportable for checkpointing.
type AdamOptimizer struct {
	config AdamConfig
	params []*layers.Parameter

	momentum [][]float32
	variance [][]float32
	steps    uint64
}

// NewAdamOptimizer creates an Adam optimizer bound to the given parameters.
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}

	opt := &AdamOptimizer{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		opt.momentum[i] = make([]float32, len(p.Data))
		opt.variance[i] = make([]float32, len(p.Data))
	}
	return opt, nil
}

// Step applies one Adam update using the current gradients.
func (a *AdamOptimizer) Step() error {
	a.steps++

	// Bias correction factors for the current step
	bc1 := 1.0 - math.Pow(float64(a.config.Beta1), float64(a.steps))
	bc2 := 1.0 - math.Pow(float64(a.config.Beta2), float64(a.steps))

	for i, p := range a.params {
		if len(p.Grad) != len(p.Data) {
			return errors.Errorf("parameter %s: gradient length %d does not match data length %d",
				p.Name, len(p.Grad), len(p.Data))
		}

		m := a.momentum[i]
		v := a.variance[i]
		for j := range p.Data {
			g := p.Grad[j]
			if a.config.WeightDecay > 0 {
				g += a.config.WeightDecay * p.Data[j]
			}

			m[j] = a.config.Beta1*m[j] + (1-a.config.Beta1)*g
			v[j] = a.config.Beta2*v[j] + (1-a.config.Beta2)*g*g

			mHat := float64(m[j]) / bc1
			vHat := float64(v[j]) / bc2
			p.Data[j] -= a.config.LearningRate * float32(mHat/(math.Sqrt(vHat)+float64(a.config.Epsilon)))
		}
	}
	return nil
}

// ZeroGrad clears the gradients of all bound parameters.
func (a *AdamOptimizer) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// StepCount reports the number of updates applied so far.
func (a *AdamOptimizer) StepCount() uint64 { return a.steps }

// State exports momentum and variance buffers for checkpointing. Buffers
// are named <param>.m and <param>.v so LoadState can rebind them by name.
func (a *AdamOptimizer) State() State {
	s := State{Type: "adam", StepCount: a.steps}
	for i, p := range a.params {
		s.Buffers = append(s.Buffers,
			StateTensor{Name: p.Name + ".m", Shape: append([]int{}, p.Shape...), Data: append([]float32{}, a.momentum[i]...)},
			StateTensor{Name: p.Name + ".v", Shape: append([]int{}, p.Shape...), Data: append([]float32{}, a.variance[i]...)},
		)
	}
	return s
}

// LoadState restores momentum and variance buffers from a checkpoint.
func (a *AdamOptimizer) LoadState(s State) error {
	if s.Type != "adam" {
		return errors.Errorf("state type %q is not adam", s.Type)
	}

	buffers := make(map[string][]float32, len(s.Buffers))
	for _, b := range s.Buffers {
		buffers[b.Name] = b.Data
	}

	for i, p := range a.params {
		m, ok := buffers[p.Name+".m"]
		if !ok {
			return errors.Errorf("missing momentum buffer for parameter %s", p.Name)
		}
		v, ok := buffers[p.Name+".v"]
		if !ok {
			return errors.Errorf("missing variance buffer for parameter %s", p.Name)
		}
		if len(m) != len(p.Data) || len(v) != len(p.Data) {
			return errors.Errorf("parameter %s: state buffer size mismatch (m=%d v=%d want %d)",
				p.Name, len(m), len(v), len(p.Data))
		}
		copy(a.momentum[i], m)
		copy(a.variance[i], v)
	}

	a.steps = s.StepCount
	return nil
}

func (a *AdamOptimizer) String() string {
	return fmt.Sprintf("Adam(lr=%g beta1=%g beta2=%g params=%d)",
		a.config.LearningRate, a.config.Beta1, a.config.Beta2, len(a.params))
}
