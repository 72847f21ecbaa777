package gan

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/layers"
	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

// ConditionalDiscriminator scores images for realism and classifies the
// style they express. The realism head outputs one logit per sample; the
// style head outputs one logit per style and supplies the
// style-discriminative signal used by the style-consistency loss.
type ConditionalDiscriminator struct {
	cfg Config

	body       []layers.Layer
	flatten    *layers.FlattenLayer
	realHead   *layers.DenseLayer
	styleHead  *layers.DenseLayer
	lastImages *tensor.Tensor
}

// NewDiscriminator builds the discriminator. The downsampling path halves
// resolution per stage until a 4x4 feature map feeds the two heads.
func NewDiscriminator(cfg Config, rng *rand.Rand) (*ConditionalDiscriminator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid discriminator config")
	}
	if rng == nil {
		return nil, errors.New("rng must not be nil")
	}

	d := &ConditionalDiscriminator{cfg: cfg}

	stages := cfg.upsampleStages()

	first, err := layers.NewConv2D(cfg.ImageChannels, cfg.BaseWidth, 4, 2, 1, true, "disc.down0.conv", rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build first stage")
	}
	d.body = append(d.body, first, layers.NewLeakyReLU(0.2, "disc.down0.lrelu"))

	inWidth := cfg.BaseWidth
	for stage := 1; stage < stages; stage++ {
		outWidth := cfg.channelWidth(stage)
		name := fmt.Sprintf("disc.down%d", stage)

		conv, err := layers.NewConv2D(inWidth, outWidth, 4, 2, 1, false, name+".conv", rng)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build %s", name)
		}
		bn, err := layers.NewBatchNorm2D(outWidth, 1e-5, 0.1, name+".bn")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build %s batchnorm", name)
		}
		d.body = append(d.body, conv, bn, layers.NewLeakyReLU(0.2, name+".lrelu"))
		inWidth = outWidth
	}

	d.flatten = layers.NewFlatten("disc.flatten")

	featDim := inWidth * 4 * 4
	d.realHead, err = layers.NewDense(featDim, 1, true, "disc.real_head", rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build realism head")
	}
	d.styleHead, err = layers.NewDense(featDim, cfg.NumStyles, true, "disc.style_head", rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build style head")
	}

	return d, nil
}

// Config returns the architecture configuration.
func (d *ConditionalDiscriminator) Config() Config { return d.cfg }

// Parameters returns every learnable parameter of the discriminator.
func (d *ConditionalDiscriminator) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, layer := range d.body {
		params = append(params, layer.Parameters()...)
	}
	params = append(params, d.realHead.Parameters()...)
	params = append(params, d.styleHead.Parameters()...)
	return params
}

// StateParameters returns the learnable parameters plus the batch norm
// running statistics, for checkpointing.
func (d *ConditionalDiscriminator) StateParameters() []*layers.Parameter {
	params := d.Parameters()
	for _, layer := range d.body {
		if bn, ok := layer.(*layers.BatchNorm2DLayer); ok {
			params = append(params, bn.StateParameters()...)
		}
	}
	return params
}

// Forward scores a batch of images. It returns realism logits of shape
// [batch, 1] and style logits of shape [batch, num_styles].
func (d *ConditionalDiscriminator) Forward(images *tensor.Tensor, training bool) (realLogits, styleLogits *tensor.Tensor, err error) {
	if len(images.Shape) != 4 || images.Shape[1] != d.cfg.ImageChannels ||
		images.Shape[2] != d.cfg.ImageSize || images.Shape[3] != d.cfg.ImageSize {
		return nil, nil, errors.Errorf("image shape %v does not match [batch %d %d %d]",
			images.Shape, d.cfg.ImageChannels, d.cfg.ImageSize, d.cfg.ImageSize)
	}

	x := images
	for _, layer := range d.body {
		x, err = layer.Forward(x, training)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "layer %s failed", layer.Name())
		}
	}

	features, err := d.flatten.Forward(x, training)
	if err != nil {
		return nil, nil, errors.Wrap(err, "flatten failed")
	}

	realLogits, err = d.realHead.Forward(features, training)
	if err != nil {
		return nil, nil, errors.Wrap(err, "realism head failed")
	}
	styleLogits, err = d.styleHead.Forward(features, training)
	if err != nil {
		return nil, nil, errors.Wrap(err, "style head failed")
	}

	d.lastImages = images
	return realLogits, styleLogits, nil
}

// Score evaluates images against their claimed styles in inference mode.
// It returns the realism probability and the log-probability the style
// head assigns to each claimed style.
func (d *ConditionalDiscriminator) Score(images, styles *tensor.Tensor) (realism []float32, styleLogProb []float32, err error) {
	if len(styles.Shape) != 1 || styles.Shape[0] != images.Shape[0] {
		return nil, nil, errors.Errorf("styles shape %v does not pair with image batch %d", styles.Shape, images.Shape[0])
	}

	realLogits, styleLogits, err := d.Forward(images, false)
	if err != nil {
		return nil, nil, err
	}

	ids, err := styles.Int32Data()
	if err != nil {
		return nil, nil, errors.Wrap(err, "styles must be Int32")
	}

	realData := realLogits.Data.([]float32)
	styleData := styleLogits.Data.([]float32)

	batch := images.Shape[0]
	k := d.cfg.NumStyles
	realism = make([]float32, batch)
	styleLogProb = make([]float32, batch)

	for b := 0; b < batch; b++ {
		realism[b] = float32(1.0 / (1.0 + math.Exp(-float64(realData[b]))))

		id := int(ids[b])
		if id < 0 || id >= k {
			return nil, nil, errors.Errorf("style id %d out of range [0, %d)", id, k)
		}

		row := styleData[b*k : (b+1)*k]
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxLogit))
		}
		styleLogProb[b] = row[id] - maxLogit - float32(math.Log(sumExp))
	}

	return realism, styleLogProb, nil
}

// Backward propagates head gradients through the shared body,
// accumulating parameter gradients. Either head gradient may be nil to
// skip that head's contribution.
func (d *ConditionalDiscriminator) Backward(gradReal, gradStyle *tensor.Tensor) error {
	_, err := d.InputGradient(gradReal, gradStyle)
	return err
}

// InputGradient runs the backward pass and returns the gradient with
// respect to the input images, needed when the generator step
// backpropagates through the discriminator.
func (d *ConditionalDiscriminator) InputGradient(gradReal, gradStyle *tensor.Tensor) (*tensor.Tensor, error) {
	if d.lastImages == nil {
		return nil, errors.New("InputGradient called before Forward")
	}
	if gradReal == nil && gradStyle == nil {
		return nil, errors.New("at least one head gradient is required")
	}

	var featGrad *tensor.Tensor

	if gradReal != nil {
		g, err := d.realHead.Backward(gradReal)
		if err != nil {
			return nil, errors.Wrap(err, "realism head backward failed")
		}
		featGrad = g
	}

	if gradStyle != nil {
		g, err := d.styleHead.Backward(gradStyle)
		if err != nil {
			return nil, errors.Wrap(err, "style head backward failed")
		}
		if featGrad == nil {
			featGrad = g
		} else {
			summed, err := tensor.Add(featGrad, g)
			if err != nil {
				return nil, errors.Wrap(err, "failed to sum head gradients")
			}
			featGrad = summed
		}
	}

	grad, err := d.flatten.Backward(featGrad)
	if err != nil {
		return nil, errors.Wrap(err, "flatten backward failed")
	}

	for i := len(d.body) - 1; i >= 0; i-- {
		grad, err = d.body[i].Backward(grad)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s backward failed", d.body[i].Name())
		}
	}

	return grad, nil
}

// ZeroGrad clears accumulated gradients on every parameter.
func (d *ConditionalDiscriminator) ZeroGrad() {
	for _, p := range d.Parameters() {
		p.ZeroGrad()
	}
}

// Spec returns a compact architecture description used for checkpoint
// compatibility checks.
func (d *ConditionalDiscriminator) Spec() []layers.Spec {
	var specs []layers.Spec
	for _, layer := range d.body {
		specs = append(specs, layers.Spec{Type: layer.Type().String(), Name: layer.Name()})
	}
	specs = append(specs,
		layers.Spec{Type: "Dense", Name: d.realHead.Name()},
		layers.Spec{Type: "Dense", Name: d.styleHead.Name(), Fields: map[string]int{"num_styles": d.cfg.NumStyles}},
	)
	return specs
}
