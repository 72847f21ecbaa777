package optimizer

import (
	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/layers"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGDOptimizer implements stochastic gradient descent with optional
// momentum and Nesterov acceleration.
type SGDOptimizer struct {
	config   SGDConfig
	params   []*layers.Parameter
	velocity [][]float32
	steps    uint64
}

// NewSGDOptimizer creates an SGD optimizer bound to the given parameters.
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1), got %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov acceleration requires non-zero momentum")
	}

	opt := &SGDOptimizer{
		config:   config,
		params:   params,
		velocity: make([][]float32, len(params)),
	}
	for i, p := range params {
		opt.velocity[i] = make([]float32, len(p.Data))
	}
	return opt, nil
}

// Step applies one SGD update using the current gradients.
func (s *SGDOptimizer) Step() error {
	s.steps++

	for i, p := range s.params {
		if len(p.Grad) != len(p.Data) {
			return errors.Errorf("parameter %s: gradient length %d does not match data length %d",
				p.Name, len(p.Grad), len(p.Data))
		}

		vel := s.velocity[i]
		for j := range p.Data {
			g := p.Grad[j]
			if s.config.WeightDecay > 0 {
				g += s.config.WeightDecay * p.Data[j]
			}

			if s.config.Momentum > 0 {
				vel[j] = s.config.Momentum*vel[j] + g
				if s.config.Nesterov {
					g += s.config.Momentum * vel[j]
				} else {
					g = vel[j]
				}
			}
			p.Data[j] -= s.config.LearningRate * g
		}
	}
	return nil
}

// ZeroGrad clears the gradients of all bound parameters.
func (s *SGDOptimizer) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

// StepCount reports the number of updates applied so far.
func (s *SGDOptimizer) StepCount() uint64 { return s.steps }

// State exports velocity buffers for checkpointing.
func (s *SGDOptimizer) State() State {
	st := State{Type: "sgd", StepCount: s.steps}
	for i, p := range s.params {
		st.Buffers = append(st.Buffers, StateTensor{
			Name:  p.Name + ".velocity",
			Shape: append([]int{}, p.Shape...),
			Data:  append([]float32{}, s.velocity[i]...),
		})
	}
	return st
}

// LoadState restores velocity buffers from a checkpoint.
func (s *SGDOptimizer) LoadState(st State) error {
	if st.Type != "sgd" {
		return errors.Errorf("state type %q is not sgd", st.Type)
	}

	buffers := make(map[string][]float32, len(st.Buffers))
	for _, b := range st.Buffers {
		buffers[b.Name] = b.Data
	}

	for i, p := range s.params {
		vel, ok := buffers[p.Name+".velocity"]
		if !ok {
			return errors.Errorf("missing velocity buffer for parameter %s", p.Name)
		}
		if len(vel) != len(p.Data) {
			return errors.Errorf("parameter %s: velocity size %d does not match data length %d",
				p.Name, len(vel), len(p.Data))
		}
		copy(s.velocity[i], vel)
	}

	s.steps = st.StepCount
	return nil
}
