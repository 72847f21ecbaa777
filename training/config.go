// Package training drives the adversarial loop: alternating
// discriminator and generator updates over style-balanced batches, with
// periodic checkpoints and sample grids.
package training

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Optimizer choices for Config.Optimizer.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Config holds every hyperparameter of a training run. The zero value
// is not usable; start from DefaultConfig.
type Config struct {
	DataDir     string `json:"data_dir"`
	MappingPath string `json:"mapping_path"`
	StatsPath   string `json:"stats_path,omitempty"`
	SaveDir     string `json:"save_dir"`
	ResumePath  string `json:"resume_path,omitempty"`

	LatentDim     int `json:"latent_dim"`
	NumStyles     int `json:"num_styles"`
	ImageSize     int `json:"image_size"`
	ImageChannels int `json:"image_channels"`
	BaseWidth     int `json:"base_width"`
	StyleEmbedDim int `json:"style_embed_dim"`

	BatchSize int `json:"batch_size"`
	Epochs    int `json:"epochs"`

	GeneratorLR     float32 `json:"generator_lr"`
	DiscriminatorLR float32 `json:"discriminator_lr"`
	LambdaStyle     float32 `json:"lambda_style"`

	LogInterval  int `json:"log_interval"`
	SaveInterval int `json:"save_interval"`
	Workers      int `json:"workers"`

	// SamplerAlpha and SamplerMaxShare tune the style-balancing
	// correction applied by the data feed.
	SamplerAlpha    float64 `json:"sampler_alpha"`
	SamplerMaxShare float64 `json:"sampler_max_share"`

	// ImbalanceThreshold and ImbalanceBoost govern the style loss
	// weight adjustment: when the corpus imbalance ratio exceeds the
	// threshold, lambda_style is multiplied by the boost once. The
	// observed upstream behavior is a hard 5:1 cutoff with a fixed
	// 1.5x boost; both are exposed as tunables.
	ImbalanceThreshold float64 `json:"imbalance_threshold"`
	ImbalanceBoost     float32 `json:"imbalance_boost"`

	Device string `json:"device"`
	Seed   int64  `json:"seed"`

	// HistoryDB enables the optional run-history store. Resolved once
	// at startup into a capability flag; absence degrades to skip.
	HistoryDB string `json:"history_db,omitempty"`

	// Optimizer selects the update rule for both networks.
	Optimizer string `json:"optimizer"`

	// SyntheticMapping records that the cluster mapping was generated
	// as a uniform fallback rather than loaded from real cluster data.
	SyntheticMapping bool `json:"synthetic_mapping"`
}

// DefaultConfig mirrors the command surface defaults.
func DefaultConfig() Config {
	return Config{
		LatentDim:          128,
		NumStyles:          15,
		ImageSize:          512,
		ImageChannels:      3,
		BaseWidth:          64,
		StyleEmbedDim:      64,
		BatchSize:          3,
		Epochs:             100,
		GeneratorLR:        1e-4,
		DiscriminatorLR:    1e-4,
		LambdaStyle:        8.0,
		LogInterval:        20,
		SaveInterval:       200,
		Workers:            2,
		SamplerAlpha:       0.5,
		SamplerMaxShare:    0.25,
		ImbalanceThreshold: 5.0,
		ImbalanceBoost:     1.5,
		Device:             "auto",
		Seed:               42,
		Optimizer:          OptimizerAdam,
	}
}

// Validate checks the configuration before any training state exists.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data directory is required")
	}
	if c.SaveDir == "" {
		return errors.New("save directory is required")
	}
	if c.LatentDim <= 0 {
		return errors.Errorf("latent dimension must be positive, got %d", c.LatentDim)
	}
	if c.NumStyles <= 0 {
		return errors.Errorf("style count must be positive, got %d", c.NumStyles)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epoch count must be positive, got %d", c.Epochs)
	}
	if c.GeneratorLR <= 0 || c.DiscriminatorLR <= 0 {
		return errors.New("learning rates must be positive")
	}
	if c.LambdaStyle < 0 {
		return errors.Errorf("style loss weight must be non-negative, got %f", c.LambdaStyle)
	}
	if c.LogInterval <= 0 || c.SaveInterval <= 0 {
		return errors.New("log and save intervals must be positive")
	}
	if c.Workers <= 0 {
		return errors.Errorf("worker count must be positive, got %d", c.Workers)
	}
	switch c.Optimizer {
	case OptimizerAdam, OptimizerSGD:
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	return nil
}

// RunRecord is the configuration record persisted once per run start:
// the resolved hyperparameters plus everything needed to audit or
// reproduce the run.
type RunRecord struct {
	Config      Config `json:"config"`
	RunID       string `json:"run_id"`
	Device      string `json:"device"`
	DatasetSize int    `json:"dataset_size"`
	StartEpoch  int    `json:"start_epoch"`
	ArchHash    string `json:"arch_hash"`
	Synthetic   bool   `json:"synthetic_mapping"`
}

const runRecordFile = "training_config.json"

// SaveRunRecord writes the run record into the save directory.
func SaveRunRecord(saveDir string, rec *RunRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run record")
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return errors.Wrap(err, "create save directory")
	}
	path := filepath.Join(saveDir, runRecordFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// LoadRunRecord reads a prior run record, if one exists. Returns
// (nil, nil) when the save directory has no record.
func LoadRunRecord(saveDir string) (*RunRecord, error) {
	path := filepath.Join(saveDir, runRecordFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &rec, nil
}

// ResolveDevice maps the device selector to a concrete backend. Only
// the CPU backend is compiled in; "auto" resolves to it and an explicit
// request for anything else is a configuration error.
func ResolveDevice(selector string) (string, error) {
	switch selector {
	case "", "auto", "cpu":
		return "cpu", nil
	default:
		return "", errors.Errorf("unsupported device %q, available: cpu", selector)
	}
}
