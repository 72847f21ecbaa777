// Package gan defines the conditional generator and discriminator pair
// used for style-conditioned image synthesis. Both networks are built
// from the executable layer kit and expose explicit forward/backward
// passes so the trainer can alternate their updates.
package gan

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/layers"
	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// Config describes the shared architecture of the generator and
// discriminator. It is immutable after construction and hashed into
// checkpoints for compatibility checks.
type Config struct {
	LatentDim     int `json:"latent_dim"`
	NumStyles     int `json:"num_styles"`
	ImageSize     int `json:"image_size"`
	ImageChannels int `json:"image_channels"`
	BaseWidth     int `json:"base_width"`
	StyleEmbedDim int `json:"style_embed_dim"`
}

// Validate checks that the configuration describes a buildable network.
// The upsampling path doubles resolution per stage from a 4x4 seed, so
// the image size must be a power of two of at least 8.
func (c Config) Validate() error {
	if c.LatentDim <= 0 {
		return fmt.Errorf("latent_dim must be positive, got %d", c.LatentDim)
	}
	if c.NumStyles <= 0 {
		return fmt.Errorf("num_styles must be positive, got %d", c.NumStyles)
	}
	if c.ImageChannels <= 0 {
		return fmt.Errorf("image_channels must be positive, got %d", c.ImageChannels)
	}
	if c.BaseWidth <= 0 {
		return fmt.Errorf("base_width must be positive, got %d", c.BaseWidth)
	}
	if c.StyleEmbedDim <= 0 {
		return fmt.Errorf("style_embed_dim must be positive, got %d", c.StyleEmbedDim)
	}
	if c.ImageSize < 8 || c.ImageSize&(c.ImageSize-1) != 0 {
		return fmt.Errorf("image_size must be a power of two >= 8, got %d", c.ImageSize)
	}
	return nil
}

// upsampleStages returns how many 2x upsampling stages are needed to go
// from the 4x4 seed to the configured image size.
func (c Config) upsampleStages() int {
	stages := 0
	for size := 4; size < c.ImageSize; size *= 2 {
		stages++
	}
	return stages
}

// channelWidth returns the feature width for an upsampling or
// downsampling stage, capped at 8x the base width.
func (c Config) channelWidth(stage int) int {
	mult := 1 << stage
	if mult > 8 {
		mult = 8
	}
	return c.BaseWidth * mult
}

// ConditionalGenerator synthesizes images from a latent vector and a
// style id. The style id is embedded and fused with the latent vector
// before the upsampling path; the final Tanh bounds output to [-1, 1].
type ConditionalGenerator struct {
	cfg Config

	styleEmbed *layers.EmbeddingLayer
	project    *layers.DenseLayer
	stack      []layers.Layer

	// latent width cached for gradient splitting in Backward
	lastLatent *tensor.Tensor
}

// NewGenerator builds the generator. All parameters are initialized from
// the provided generator handle.
func NewGenerator(cfg Config, rng *rand.Rand) (*ConditionalGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid generator config")
	}
	if rng == nil {
		return nil, errors.New("rng must not be nil")
	}

	g := &ConditionalGenerator{cfg: cfg}

	var err error
	g.styleEmbed, err = layers.NewEmbedding(cfg.NumStyles, cfg.StyleEmbedDim, "gen.style_embed", rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build style embedding")
	}

	stages := cfg.upsampleStages()
	seedWidth := cfg.channelWidth(stages - 1)

	g.project, err = layers.NewDense(cfg.LatentDim+cfg.StyleEmbedDim, seedWidth*4*4, true, "gen.project", rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build projection")
	}

	reshape, err := layers.NewReshape([]int{seedWidth, 4, 4}, "gen.reshape")
	if err != nil {
		return nil, errors.Wrap(err, "failed to build reshape")
	}
	g.stack = append(g.stack, reshape)

	inWidth := seedWidth
	for stage := stages - 1; stage >= 1; stage-- {
		outWidth := cfg.channelWidth(stage - 1)
		name := fmt.Sprintf("gen.up%d", stages-1-stage)

		deconv, err := layers.NewConvTranspose2D(inWidth, outWidth, 4, 2, 1, false, name+".deconv", rng)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build %s", name)
		}
		bn, err := layers.NewBatchNorm2D(outWidth, 1e-5, 0.1, name+".bn")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build %s batchnorm", name)
		}
		g.stack = append(g.stack, deconv, bn, layers.NewReLU(name+".relu"))
		inWidth = outWidth
	}

	final, err := layers.NewConvTranspose2D(inWidth, cfg.ImageChannels, 4, 2, 1, true, "gen.out.deconv", rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build output stage")
	}
	g.stack = append(g.stack, final, layers.NewTanh("gen.out.tanh"))

	return g, nil
}

// Config returns the architecture configuration.
func (g *ConditionalGenerator) Config() Config { return g.cfg }

// Parameters returns every learnable parameter of the generator.
func (g *ConditionalGenerator) Parameters() []*layers.Parameter {
	params := append([]*layers.Parameter{}, g.styleEmbed.Parameters()...)
	params = append(params, g.project.Parameters()...)
	for _, layer := range g.stack {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// StateParameters returns everything a checkpoint must carry to
// reproduce the generator: the learnable parameters plus the batch norm
// running statistics. Optimizers get Parameters, checkpoints get this.
func (g *ConditionalGenerator) StateParameters() []*layers.Parameter {
	params := g.Parameters()
	for _, layer := range g.stack {
		if bn, ok := layer.(*layers.BatchNorm2DLayer); ok {
			params = append(params, bn.StateParameters()...)
		}
	}
	return params
}

// Forward runs the generator. Latent shape is [batch, latent_dim] and
// styles is an Int32 tensor of shape [batch]. Training mode keeps the
// caches needed by Backward and uses batch statistics in normalization.
func (g *ConditionalGenerator) Forward(latent, styles *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(latent.Shape) != 2 || latent.Shape[1] != g.cfg.LatentDim {
		return nil, errors.Errorf("latent shape %v does not match [batch %d]", latent.Shape, g.cfg.LatentDim)
	}
	if len(styles.Shape) != 1 || styles.Shape[0] != latent.Shape[0] {
		return nil, errors.Errorf("styles shape %v does not pair with latent batch %d", styles.Shape, latent.Shape[0])
	}

	embedded, err := g.styleEmbed.Forward(styles, training)
	if err != nil {
		return nil, errors.Wrap(err, "style embedding failed")
	}

	fused, err := concatFeatures(latent, embedded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fuse latent and style")
	}

	x, err := g.project.Forward(fused, training)
	if err != nil {
		return nil, errors.Wrap(err, "projection failed")
	}

	for _, layer := range g.stack {
		x, err = layer.Forward(x, training)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s failed", layer.Name())
		}
	}

	g.lastLatent = latent
	return x, nil
}

// Generate runs the generator in inference mode: deterministic for
// identical weights, latent and style inputs.
func (g *ConditionalGenerator) Generate(latent, styles *tensor.Tensor) (*tensor.Tensor, error) {
	return g.Forward(latent, styles, false)
}

// Backward propagates the output gradient through the full stack,
// accumulating parameter gradients including the style embedding rows.
func (g *ConditionalGenerator) Backward(gradOut *tensor.Tensor) error {
	if g.lastLatent == nil {
		return errors.New("Backward called before Forward")
	}

	grad := gradOut
	var err error
	for i := len(g.stack) - 1; i >= 0; i-- {
		grad, err = g.stack[i].Backward(grad)
		if err != nil {
			return errors.Wrapf(err, "layer %s backward failed", g.stack[i].Name())
		}
	}

	grad, err = g.project.Backward(grad)
	if err != nil {
		return errors.Wrap(err, "projection backward failed")
	}

	_, embedGrad, err := splitFeatures(grad, g.cfg.LatentDim, g.cfg.StyleEmbedDim)
	if err != nil {
		return errors.Wrap(err, "failed to split fused gradient")
	}

	if _, err := g.styleEmbed.Backward(embedGrad); err != nil {
		return errors.Wrap(err, "style embedding backward failed")
	}

	return nil
}

// ZeroGrad clears accumulated gradients on every parameter.
func (g *ConditionalGenerator) ZeroGrad() {
	for _, p := range g.Parameters() {
		p.ZeroGrad()
	}
}

// Spec returns a compact architecture description used for checkpoint
// compatibility checks.
func (g *ConditionalGenerator) Spec() []layers.Spec {
	specs := []layers.Spec{
		{Type: "Embedding", Name: g.styleEmbed.Name(), Fields: map[string]int{
			"num_classes": g.cfg.NumStyles, "dim": g.cfg.StyleEmbedDim,
		}},
		{Type: "Dense", Name: g.project.Name()},
	}
	for _, layer := range g.stack {
		specs = append(specs, layers.Spec{Type: layer.Type().String(), Name: layer.Name()})
	}
	return specs
}

// concatFeatures joins two [batch, n] tensors along the feature axis.
func concatFeatures(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("cannot concatenate shapes %v and %v", a.Shape, b.Shape)
	}

	batch := a.Shape[0]
	aDim := a.Shape[1]
	bDim := b.Shape[1]

	aData, err := a.Float32Data()
	if err != nil {
		return nil, err
	}
	bData, err := b.Float32Data()
	if err != nil {
		return nil, err
	}

	out, err := tensor.Zeros([]int{batch, aDim + bDim}, tensor.Float32, a.Device)
	if err != nil {
		return nil, err
	}
	outData := out.Data.([]float32)

	for i := 0; i < batch; i++ {
		copy(outData[i*(aDim+bDim):], aData[i*aDim:(i+1)*aDim])
		copy(outData[i*(aDim+bDim)+aDim:], bData[i*bDim:(i+1)*bDim])
	}

	return out, nil
}

// splitFeatures is the inverse of concatFeatures for gradients.
func splitFeatures(t *tensor.Tensor, aDim, bDim int) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(t.Shape) != 2 || t.Shape[1] != aDim+bDim {
		return nil, nil, fmt.Errorf("cannot split shape %v into %d+%d features", t.Shape, aDim, bDim)
	}

	batch := t.Shape[0]
	data, err := t.Float32Data()
	if err != nil {
		return nil, nil, err
	}

	a, err := tensor.Zeros([]int{batch, aDim}, tensor.Float32, t.Device)
	if err != nil {
		return nil, nil, err
	}
	b, err := tensor.Zeros([]int{batch, bDim}, tensor.Float32, t.Device)
	if err != nil {
		return nil, nil, err
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	for i := 0; i < batch; i++ {
		copy(aData[i*aDim:(i+1)*aDim], data[i*(aDim+bDim):i*(aDim+bDim)+aDim])
		copy(bData[i*bDim:(i+1)*bDim], data[i*(aDim+bDim)+aDim:(i+1)*(aDim+bDim)])
	}

	return a, b, nil
}
