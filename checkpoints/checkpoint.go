package checkpoints

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/gan"
	"github.com/Ashm1t/Abstract-Image-Generator/layers"
	"github.com/Ashm1t/Abstract-Image-Generator/optimizer"
)

// Kind tags the two checkpoint variants on disk. A full checkpoint
// carries everything needed to resume training; a generator checkpoint
// carries only the generator weights for standalone image synthesis.
type Kind string

const (
	KindFull      Kind = "full"
	KindGenerator Kind = "generator"
)

// ErrIncompatible marks a checkpoint whose recorded architecture does
// not match the current model. Callers treat it as fatal rather than
// falling back to fresh weights.
var ErrIncompatible = errors.New("checkpoint incompatible with model architecture")

// WeightTensor is one named parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Metadata records provenance for a checkpoint file.
type Metadata struct {
	RunID     string    `json:"run_id"`
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the on-disk training state. Generator-only files omit
// the discriminator, optimizer states and training progress.
type Checkpoint struct {
	Kind  Kind `json:"kind"`
	Epoch int  `json:"epoch"`
	Step  int  `json:"step"`

	Generator     []WeightTensor   `json:"generator"`
	Discriminator []WeightTensor   `json:"discriminator,omitempty"`
	GenOptimizer  *optimizer.State `json:"gen_optimizer,omitempty"`
	DiscOptimizer *optimizer.State `json:"disc_optimizer,omitempty"`

	// Training configuration as recorded by the trainer, kept opaque
	// so loaders that only need weights can ignore it.
	Config json.RawMessage `json:"config,omitempty"`

	ArchHash string   `json:"arch_hash"`
	Metadata Metadata `json:"metadata"`
}

// ExtractWeights copies parameter data into serializable weight tensors.
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int{}, p.Shape...),
			Data:  append([]float32{}, p.Data...),
		}
	}
	return weights
}

// LoadWeights copies checkpointed tensors back into parameters, matched
// by name. Every parameter must be present with the correct shape.
func LoadWeights(params []*layers.Parameter, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint is missing parameter %s", p.Name)
		}
		if len(w.Data) != len(p.Data) {
			return errors.Errorf("parameter %s: checkpoint has %d values, model expects %d",
				p.Name, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}

// ArchitectureHash fingerprints the network configuration and layer
// layout. Two runs with the same hash produce weight-compatible models.
func ArchitectureHash(cfg gan.Config, genSpec, discSpec []layers.Spec) (string, error) {
	payload := struct {
		Config        gan.Config    `json:"config"`
		Generator     []layers.Spec `json:"generator"`
		Discriminator []layers.Spec `json:"discriminator"`
	}{cfg, genSpec, discSpec}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal architecture payload")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes the checkpoint atomically: the file is complete or absent,
// never truncated, even if the process dies mid-write.
func Save(path string, ckpt *Checkpoint) error {
	if ckpt.Kind != KindFull && ckpt.Kind != KindGenerator {
		return errors.Errorf("unknown checkpoint kind %q", ckpt.Kind)
	}
	if len(ckpt.Generator) == 0 {
		return errors.New("checkpoint has no generator weights")
	}
	if ckpt.Kind == KindFull && len(ckpt.Discriminator) == 0 {
		return errors.New("full checkpoint requires discriminator weights")
	}

	data, err := json.Marshal(ckpt)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "create temporary checkpoint file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close checkpoint file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename checkpoint into place")
	}
	return nil
}

// Load reads a checkpoint of either kind. Files written before the kind
// tag existed are accepted as full checkpoints when they carry both
// networks, and as generator checkpoints otherwise.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, errors.Wrapf(err, "parse checkpoint %s", path)
	}

	if ckpt.Kind == "" {
		if len(ckpt.Discriminator) > 0 {
			ckpt.Kind = KindFull
		} else {
			ckpt.Kind = KindGenerator
		}
	}
	if ckpt.Kind != KindFull && ckpt.Kind != KindGenerator {
		return nil, errors.Errorf("checkpoint %s has unknown kind %q", path, ckpt.Kind)
	}
	if len(ckpt.Generator) == 0 {
		return nil, errors.Errorf("checkpoint %s has no generator weights", path)
	}
	if ckpt.Kind == KindFull {
		if len(ckpt.Discriminator) == 0 {
			return nil, errors.Errorf("checkpoint %s is tagged full but has no discriminator weights", path)
		}
		if ckpt.GenOptimizer == nil || ckpt.DiscOptimizer == nil {
			return nil, errors.Errorf("checkpoint %s is tagged full but is missing optimizer state", path)
		}
	}
	return &ckpt, nil
}

// VerifyArchitecture refuses a checkpoint whose architecture hash does
// not match the current model. An empty recorded hash is accepted for
// files from builds that predate hashing.
func VerifyArchitecture(ckpt *Checkpoint, hash string) error {
	if ckpt.ArchHash == "" || ckpt.ArchHash == hash {
		return nil
	}
	return errors.Wrapf(ErrIncompatible, "recorded %s, current %s",
		ckpt.ArchHash[:12], hash[:12])
}
