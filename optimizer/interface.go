package optimizer

// Optimizer applies accumulated gradients to a fixed set of parameters.
// The parameter slice is bound at construction; Step must be called with
// gradients already populated on each parameter.
type Optimizer interface {
	// Step applies one update using the current parameter gradients.
	Step() error

	// ZeroGrad clears the gradients of all bound parameters.
	ZeroGrad()

	// StepCount reports the number of updates applied so far.
	StepCount() uint64

	// State exports the optimizer's internal buffers for checkpointing.
	State() State

	// LoadState restores internal buffers from a checkpointed state.
	LoadState(s State) error
}

// StateTensor is one named buffer of optimizer state.
type StateTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// State is the serializable form of an optimizer's internal buffers.
type State struct {
	Type      string        `json:"type"`
	StepCount uint64        `json:"step_count"`
	Buffers   []StateTensor `json:"buffers"`
}
