package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/checkpoints"
	"github.com/Ashm1t/Abstract-Image-Generator/cluster"
	"github.com/Ashm1t/Abstract-Image-Generator/gan"
	"github.com/Ashm1t/Abstract-Image-Generator/layers"
	"github.com/Ashm1t/Abstract-Image-Generator/optimizer"
	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
	"github.com/Ashm1t/Abstract-Image-Generator/vision/preprocessing"
)

// Trainer owns both networks and their optimizers and alternates their
// updates. A single goroutine drives the step loop; only data loading
// runs concurrently.
type Trainer struct {
	cfg Config
	log *logrus.Logger
	rng *rand.Rand

	gen  *gan.ConditionalGenerator
	disc *gan.ConditionalDiscriminator

	genOpt  optimizer.Optimizer
	discOpt optimizer.Optimizer

	loader  *Loader
	history *History

	runID       string
	archHash    string
	lambdaStyle float32
	datasetSize int

	// next epoch to run and global step counter; both survive resume
	epoch int
	step  int

	lastStyleLoss float32
}

// NewTrainer wires the networks, optimizers and data feed. The
// imbalance-driven lambda_style adjustment is resolved here, once, from
// the supplied statistics (nil statistics skips the adaptation).
func NewTrainer(cfg Config, loader *Loader, datasetSize int, stats *cluster.Statistics, history *History, log *logrus.Logger, rng *rand.Rand) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if rng == nil {
		return nil, errors.New("rng must not be nil")
	}

	ganCfg := gan.Config{
		LatentDim:     cfg.LatentDim,
		NumStyles:     cfg.NumStyles,
		ImageSize:     cfg.ImageSize,
		ImageChannels: cfg.ImageChannels,
		BaseWidth:     cfg.BaseWidth,
		StyleEmbedDim: cfg.StyleEmbedDim,
	}

	gen, err := gan.NewGenerator(ganCfg, rng)
	if err != nil {
		return nil, errors.Wrap(err, "build generator")
	}
	disc, err := gan.NewDiscriminator(ganCfg, rng)
	if err != nil {
		return nil, errors.Wrap(err, "build discriminator")
	}

	genOpt, err := buildOptimizer(cfg.Optimizer, cfg.GeneratorLR, gen.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "generator optimizer")
	}
	discOpt, err := buildOptimizer(cfg.Optimizer, cfg.DiscriminatorLR, disc.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "discriminator optimizer")
	}

	hash, err := checkpoints.ArchitectureHash(gen.Config(), gen.Spec(), disc.Spec())
	if err != nil {
		return nil, errors.Wrap(err, "architecture hash")
	}

	lambda := cfg.LambdaStyle
	ratio := stats.ImbalanceRatio()
	if ratio > cfg.ImbalanceThreshold {
		lambda *= cfg.ImbalanceBoost
		log.WithFields(logrus.Fields{
			"imbalance_ratio": fmt.Sprintf("%.2f", ratio),
			"lambda_style":    lambda,
		}).Info("corpus imbalance above threshold, boosting style loss weight")
	}

	return &Trainer{
		cfg:         cfg,
		log:         log,
		rng:         rng,
		gen:         gen,
		disc:        disc,
		genOpt:      genOpt,
		discOpt:     discOpt,
		loader:      loader,
		history:     history,
		runID:       uuid.New().String(),
		archHash:    hash,
		lambdaStyle: lambda,
		datasetSize: datasetSize,
	}, nil
}

func buildOptimizer(kind string, lr float32, params []*layers.Parameter) (optimizer.Optimizer, error) {
	switch kind {
	case OptimizerAdam:
		c := optimizer.DefaultAdamConfig()
		c.LearningRate = lr
		return optimizer.NewAdamOptimizer(c, params)
	case OptimizerSGD:
		return optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: lr, Momentum: 0.9}, params)
	}
	return nil, errors.Errorf("unknown optimizer %q", kind)
}

// RunID identifies this training run.
func (t *Trainer) RunID() string { return t.runID }

// ArchHash fingerprints the model architecture of this run.
func (t *Trainer) ArchHash() string { return t.archHash }

// LambdaStyle reports the resolved style loss weight after any
// imbalance adjustment.
func (t *Trainer) LambdaStyle() float32 { return t.lambdaStyle }

// Epoch reports the next epoch index to run.
func (t *Trainer) Epoch() int { return t.epoch }

// Step reports the global step counter.
func (t *Trainer) Step() int { return t.step }

// Generator exposes the generator for sampling and final export.
func (t *Trainer) Generator() *gan.ConditionalGenerator { return t.gen }

// Discriminator exposes the discriminator, used in tests.
func (t *Trainer) Discriminator() *gan.ConditionalDiscriminator { return t.disc }

// CheckSaveDir refuses to run into a save directory left by an
// architecturally incompatible prior run, instead of deleting it or
// loading mismatched state.
func (t *Trainer) CheckSaveDir() error {
	prior, err := LoadRunRecord(t.cfg.SaveDir)
	if err != nil {
		return errors.Wrap(err, "inspect save directory")
	}
	if prior != nil && prior.ArchHash != t.archHash {
		return errors.Errorf(
			"save directory %s holds checkpoints from an incompatible architecture (recorded %s, current %s); choose another directory or remove it explicitly",
			t.cfg.SaveDir, prior.ArchHash[:12], t.archHash[:12])
	}
	return nil
}

// Resume loads training state from a checkpoint path. A missing file
// falls back to fresh weights with a warning; a file that exists but is
// unreadable or incompatible is a fatal error.
func (t *Trainer) Resume(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.log.WithField("path", path).Warn("resume checkpoint not found, starting from fresh weights")
		return nil
	}

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return errors.Wrap(err, "resume")
	}
	if ckpt.Kind != checkpoints.KindFull {
		return errors.Errorf("resume requires a full checkpoint, %s holds generator weights only", path)
	}
	if err := checkpoints.VerifyArchitecture(ckpt, t.archHash); err != nil {
		return errors.Wrap(err, "resume")
	}

	if err := checkpoints.LoadWeights(t.gen.StateParameters(), ckpt.Generator); err != nil {
		return errors.Wrap(err, "resume generator weights")
	}
	if err := checkpoints.LoadWeights(t.disc.StateParameters(), ckpt.Discriminator); err != nil {
		return errors.Wrap(err, "resume discriminator weights")
	}
	if err := t.genOpt.LoadState(*ckpt.GenOptimizer); err != nil {
		return errors.Wrap(err, "resume generator optimizer")
	}
	if err := t.discOpt.LoadState(*ckpt.DiscOptimizer); err != nil {
		return errors.Wrap(err, "resume discriminator optimizer")
	}

	t.epoch = ckpt.Epoch + 1
	t.step = ckpt.Step
	t.log.WithFields(logrus.Fields{
		"path":  path,
		"epoch": t.epoch,
		"step":  t.step,
	}).Info("resumed from checkpoint")
	return nil
}

// TrainStep runs one discriminator update followed by one generator
// update on the batch and returns both losses.
func (t *Trainer) TrainStep(batch *Batch) (dLoss, gLoss float32, err error) {
	batchSize := batch.Styles.Shape[0]

	// Discriminator step. Real gradients are accumulated before the
	// fake forward pass because each forward overwrites layer caches.
	t.disc.ZeroGrad()

	realLogits, realStyleLogits, err := t.disc.Forward(batch.Images, true)
	if err != nil {
		return 0, 0, errors.Wrap(err, "discriminator real forward")
	}
	realLoss, gradReal, err := BCEWithLogits(realLogits, 1)
	if err != nil {
		return 0, 0, err
	}
	styleLoss, gradStyle, err := SoftmaxCrossEntropy(realStyleLogits, batch.Styles)
	if err != nil {
		return 0, 0, err
	}
	if err := t.disc.Backward(gradReal, gradStyle); err != nil {
		return 0, 0, errors.Wrap(err, "discriminator real backward")
	}

	latent, err := tensor.RandomNormal([]int{batchSize, t.cfg.LatentDim}, 0, 1, t.rng, tensor.CPU)
	if err != nil {
		return 0, 0, err
	}
	fakeImages, err := t.gen.Forward(latent, batch.Styles, true)
	if err != nil {
		return 0, 0, errors.Wrap(err, "generator forward (detached)")
	}

	fakeLogits, _, err := t.disc.Forward(fakeImages, true)
	if err != nil {
		return 0, 0, errors.Wrap(err, "discriminator fake forward")
	}
	fakeLoss, gradFake, err := BCEWithLogits(fakeLogits, 0)
	if err != nil {
		return 0, 0, err
	}
	if err := t.disc.Backward(gradFake, nil); err != nil {
		return 0, 0, errors.Wrap(err, "discriminator fake backward")
	}

	dLoss = realLoss + fakeLoss + styleLoss
	if !isFinite(dLoss) {
		return dLoss, 0, errors.Wrapf(ErrNonFiniteLoss, "discriminator loss %f at step %d", dLoss, t.step)
	}
	if err := t.discOpt.Step(); err != nil {
		return 0, 0, errors.Wrap(err, "discriminator update")
	}

	// Generator step against the just-updated discriminator. The
	// discriminator's gradients are recomputed but not applied.
	t.gen.ZeroGrad()
	t.disc.ZeroGrad()

	latent, err = tensor.RandomNormal([]int{batchSize, t.cfg.LatentDim}, 0, 1, t.rng, tensor.CPU)
	if err != nil {
		return 0, 0, err
	}
	fakeImages, err = t.gen.Forward(latent, batch.Styles, true)
	if err != nil {
		return 0, 0, errors.Wrap(err, "generator forward")
	}
	genLogits, genStyleLogits, err := t.disc.Forward(fakeImages, true)
	if err != nil {
		return 0, 0, errors.Wrap(err, "discriminator forward (generator step)")
	}

	advLoss, gradAdv, err := BCEWithLogits(genLogits, 1)
	if err != nil {
		return 0, 0, err
	}
	genStyleLoss, gradGenStyle, err := SoftmaxCrossEntropy(genStyleLogits, batch.Styles)
	if err != nil {
		return 0, 0, err
	}
	gradGenStyle, err = tensor.Scale(gradGenStyle, t.lambdaStyle)
	if err != nil {
		return 0, 0, err
	}

	gradImages, err := t.disc.InputGradient(gradAdv, gradGenStyle)
	if err != nil {
		return 0, 0, errors.Wrap(err, "image gradient")
	}
	if err := t.gen.Backward(gradImages); err != nil {
		return 0, 0, errors.Wrap(err, "generator backward")
	}

	gLoss = advLoss + t.lambdaStyle*genStyleLoss
	t.lastStyleLoss = genStyleLoss
	if !isFinite(gLoss) {
		return dLoss, gLoss, errors.Wrapf(ErrNonFiniteLoss, "generator loss %f at step %d", gLoss, t.step)
	}
	if err := t.genOpt.Step(); err != nil {
		return 0, 0, errors.Wrap(err, "generator update")
	}

	t.step++
	return dLoss, gLoss, nil
}

// Run drives the full training loop from the current epoch through the
// configured epoch count.
func (t *Trainer) Run(ctx context.Context) error {
	stepsPerEpoch := t.datasetSize / t.cfg.BatchSize
	if stepsPerEpoch < 1 {
		stepsPerEpoch = 1
	}

	rec := &RunRecord{
		Config:      t.cfg,
		RunID:       t.runID,
		Device:      "cpu",
		DatasetSize: t.datasetSize,
		StartEpoch:  t.epoch,
		ArchHash:    t.archHash,
		Synthetic:   t.cfg.SyntheticMapping,
	}
	if err := SaveRunRecord(t.cfg.SaveDir, rec); err != nil {
		return err
	}
	if err := t.history.RecordRun(ctx, rec); err != nil {
		t.log.WithError(err).Warn("failed to record run in history")
	}

	t.log.WithFields(logrus.Fields{
		"run_id":       t.runID,
		"dataset_size": humanize.Comma(int64(t.datasetSize)),
		"epochs":       t.cfg.Epochs,
		"start_epoch":  t.epoch,
		"batch_size":   t.cfg.BatchSize,
	}).Info("training started")

	started := time.Now()
	for ; t.epoch < t.cfg.Epochs; t.epoch++ {
		for s := 0; s < stepsPerEpoch; s++ {
			batch, err := t.loader.Next(ctx)
			if err != nil {
				return errors.Wrap(err, "fetch batch")
			}

			dLoss, gLoss, err := t.TrainStep(batch)
			if err != nil {
				return err
			}

			if t.step%t.cfg.LogInterval == 0 {
				t.log.WithFields(logrus.Fields{
					"epoch":           t.epoch,
					"step":            t.step,
					"d_loss":          fmt.Sprintf("%.4f", dLoss),
					"g_loss":          fmt.Sprintf("%.4f", gLoss),
					"style_loss":      fmt.Sprintf("%.4f", t.lastStyleLoss),
					"skipped_samples": t.loader.SkippedSamples(),
					"elapsed":         humanize.RelTime(started, time.Now(), "", ""),
				}).Info("step")
				point := MetricPoint{
					Step:      t.step,
					Epoch:     t.epoch,
					DLoss:     dLoss,
					GLoss:     gLoss,
					StyleLoss: t.lastStyleLoss,
					Skipped:   t.loader.SkippedSamples(),
				}
				if err := t.history.RecordMetrics(ctx, t.runID, point); err != nil {
					t.log.WithError(err).Warn("failed to record metrics")
				}
			}

			if t.step%t.cfg.SaveInterval == 0 {
				if err := t.saveCheckpoint(); err != nil {
					return errors.Wrap(err, "periodic checkpoint")
				}
				t.saveSampleGrid()
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}

	if err := t.saveCheckpoint(); err != nil {
		return errors.Wrap(err, "final checkpoint")
	}
	if err := t.saveGeneratorArtifact(); err != nil {
		return errors.Wrap(err, "final generator export")
	}
	t.plotLossCurves(ctx)

	t.log.WithField("elapsed", time.Since(started).Round(time.Second)).Info("training complete")
	return nil
}

// saveCheckpoint writes a full checkpoint for the last completed step.
// Write failure is fatal for the run.
func (t *Trainer) saveCheckpoint() error {
	genState := t.genOpt.State()
	discState := t.discOpt.State()

	cfgJSON, err := json.Marshal(t.cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	ckpt := &checkpoints.Checkpoint{
		Kind:          checkpoints.KindFull,
		Epoch:         t.epoch,
		Step:          t.step,
		Generator:     checkpoints.ExtractWeights(t.gen.StateParameters()),
		Discriminator: checkpoints.ExtractWeights(t.disc.StateParameters()),
		GenOptimizer:  &genState,
		DiscOptimizer: &discState,
		Config:        cfgJSON,
		ArchHash:      t.archHash,
		Metadata: checkpoints.Metadata{
			RunID:     t.runID,
			Framework: "abstract-image-generator",
			Version:   "1.0",
			CreatedAt: time.Now().UTC(),
		},
	}

	path := filepath.Join(t.cfg.SaveDir, fmt.Sprintf("checkpoint_epoch_%03d.json", t.epoch))
	if err := checkpoints.Save(path, ckpt); err != nil {
		return err
	}
	t.log.WithFields(logrus.Fields{"path": path, "epoch": t.epoch, "step": t.step}).Info("checkpoint saved")
	return nil
}

// saveGeneratorArtifact writes the bare generator-weights file used by
// standalone image synthesis.
func (t *Trainer) saveGeneratorArtifact() error {
	ckpt := &checkpoints.Checkpoint{
		Kind:      checkpoints.KindGenerator,
		Epoch:     t.epoch,
		Generator: checkpoints.ExtractWeights(t.gen.StateParameters()),
		ArchHash:  t.archHash,
		Metadata: checkpoints.Metadata{
			RunID:     t.runID,
			Framework: "abstract-image-generator",
			Version:   "1.0",
			CreatedAt: time.Now().UTC(),
		},
	}
	return checkpoints.Save(filepath.Join(t.cfg.SaveDir, "generator_final.json"), ckpt)
}

// saveSampleGrid renders a few generator samples per style, one style
// per row. Failures are logged, never fatal.
func (t *Trainer) saveSampleGrid() {
	const perStyle = 4

	n := t.cfg.NumStyles * perStyle
	latent, err := tensor.RandomNormal([]int{n, t.cfg.LatentDim}, 0, 1, t.rng, tensor.CPU)
	if err != nil {
		t.log.WithError(err).Warn("sample grid skipped")
		return
	}

	styleIDs := make([]int32, n)
	for s := 0; s < t.cfg.NumStyles; s++ {
		for j := 0; j < perStyle; j++ {
			styleIDs[s*perStyle+j] = int32(s)
		}
	}
	styles, err := tensor.NewTensor([]int{n}, tensor.Int32, tensor.CPU, styleIDs)
	if err != nil {
		t.log.WithError(err).Warn("sample grid skipped")
		return
	}

	images, err := t.gen.Generate(latent, styles)
	if err != nil {
		t.log.WithError(err).Warn("sample grid skipped")
		return
	}

	path := filepath.Join(t.cfg.SaveDir, "samples", fmt.Sprintf("step_%06d.png", t.step))
	if err := preprocessing.SaveImageGrid(path, images, perStyle); err != nil {
		t.log.WithError(err).Warn("sample grid skipped")
		return
	}
	t.log.WithField("path", path).Info("sample grid saved")
}

func (t *Trainer) plotLossCurves(ctx context.Context) {
	if !t.history.Enabled() {
		return
	}
	points, err := t.history.Metrics(ctx, t.runID)
	if err != nil || len(points) == 0 {
		return
	}
	path := filepath.Join(t.cfg.SaveDir, "loss_curves.png")
	if err := SaveLossCurves(path, points); err != nil {
		t.log.WithError(err).Warn("loss plot skipped")
	}
}
