package gan

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

func testConfig() Config {
	return Config{
		LatentDim:     8,
		NumStyles:     3,
		ImageSize:     8,
		ImageChannels: 3,
		BaseWidth:     4,
		StyleEmbedDim: 4,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero latent", func(c *Config) { c.LatentDim = 0 }, true},
		{"zero styles", func(c *Config) { c.NumStyles = 0 }, true},
		{"non power of two", func(c *Config) { c.ImageSize = 48 }, true},
		{"too small", func(c *Config) { c.ImageSize = 4 }, true},
		{"large power of two", func(c *Config) { c.ImageSize = 64 }, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig()
			test.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != test.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestGeneratorOutputShapeAndBounds(t *testing.T) {
	cfg := testConfig()
	gen, err := NewGenerator(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}

	for style := 0; style < cfg.NumStyles; style++ {
		latent, _ := tensor.RandomNormal([]int{2, cfg.LatentDim}, 0, 1, rand.New(rand.NewSource(int64(style))), tensor.CPU)
		styles, _ := tensor.NewTensor([]int{2}, tensor.Int32, tensor.CPU, []int32{int32(style), int32(style)})

		output, err := gen.Generate(latent, styles)
		if err != nil {
			t.Fatalf("Generate failed for style %d: %v", style, err)
		}

		expected := []int{2, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize}
		if !reflect.DeepEqual(output.Shape, expected) {
			t.Fatalf("output shape = %v, expected %v", output.Shape, expected)
		}

		for i, v := range output.Data.([]float32) {
			if v < -1 || v > 1 {
				t.Fatalf("style %d output element %d = %f, outside [-1, 1]", style, i, v)
			}
		}
	}
}

func TestGeneratorInferenceDeterministic(t *testing.T) {
	cfg := testConfig()
	gen, err := NewGenerator(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}

	latent, _ := tensor.RandomNormal([]int{1, cfg.LatentDim}, 0, 1, rand.New(rand.NewSource(42)), tensor.CPU)
	styles, _ := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{1})

	first, err := gen.Generate(latent, styles)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := gen.Generate(latent, styles)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Error("inference output must be identical for identical inputs and weights")
	}
}

func TestGeneratorRejectsOutOfRangeStyle(t *testing.T) {
	cfg := testConfig()
	gen, err := NewGenerator(cfg, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}

	latent, _ := tensor.RandomNormal([]int{1, cfg.LatentDim}, 0, 1, rand.New(rand.NewSource(1)), tensor.CPU)
	styles, _ := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{int32(cfg.NumStyles)})

	if _, err := gen.Generate(latent, styles); err == nil {
		t.Error("expected error for out-of-range style id")
	}
}

func TestGeneratorBackwardAccumulatesGradients(t *testing.T) {
	cfg := testConfig()
	gen, err := NewGenerator(cfg, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}

	latent, _ := tensor.RandomNormal([]int{2, cfg.LatentDim}, 0, 1, rand.New(rand.NewSource(5)), tensor.CPU)
	styles, _ := tensor.NewTensor([]int{2}, tensor.Int32, tensor.CPU, []int32{0, 2})

	output, err := gen.Forward(latent, styles, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	gradOut, _ := tensor.Ones(output.Shape, tensor.Float32, tensor.CPU)
	gen.ZeroGrad()
	if err := gen.Backward(gradOut); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	nonZero := false
	for _, p := range gen.Parameters() {
		for _, g := range p.Grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
		if nonZero {
			break
		}
	}
	if !nonZero {
		t.Error("expected non-zero gradients after Backward")
	}

	// the embedding rows for the used styles must receive gradient
	embedParams := gen.styleEmbed.Parameters()[0]
	dim := cfg.StyleEmbedDim
	usedGrad := false
	for _, row := range []int{0, 2} {
		for i := 0; i < dim; i++ {
			if embedParams.Grad[row*dim+i] != 0 {
				usedGrad = true
			}
		}
	}
	if !usedGrad {
		t.Error("style embedding rows for conditioning styles received no gradient")
	}
}

func TestDiscriminatorForwardShapes(t *testing.T) {
	cfg := testConfig()
	disc, err := NewDiscriminator(cfg, rand.New(rand.NewSource(6)))
	if err != nil {
		t.Fatalf("NewDiscriminator failed: %v", err)
	}

	images, _ := tensor.RandomNormal([]int{2, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize}, 0, 0.5,
		rand.New(rand.NewSource(7)), tensor.CPU)

	realLogits, styleLogits, err := disc.Forward(images, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !reflect.DeepEqual(realLogits.Shape, []int{2, 1}) {
		t.Errorf("realism logits shape = %v, expected [2 1]", realLogits.Shape)
	}
	if !reflect.DeepEqual(styleLogits.Shape, []int{2, cfg.NumStyles}) {
		t.Errorf("style logits shape = %v, expected [2 %d]", styleLogits.Shape, cfg.NumStyles)
	}
}

func TestDiscriminatorScore(t *testing.T) {
	cfg := testConfig()
	disc, err := NewDiscriminator(cfg, rand.New(rand.NewSource(8)))
	if err != nil {
		t.Fatalf("NewDiscriminator failed: %v", err)
	}

	images, _ := tensor.RandomNormal([]int{2, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize}, 0, 0.5,
		rand.New(rand.NewSource(9)), tensor.CPU)
	styles, _ := tensor.NewTensor([]int{2}, tensor.Int32, tensor.CPU, []int32{0, 1})

	realism, styleLogProb, err := disc.Score(images, styles)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	for i, r := range realism {
		if r <= 0 || r >= 1 {
			t.Errorf("realism[%d] = %f, expected (0, 1)", i, r)
		}
	}
	for i, lp := range styleLogProb {
		if lp > 0 {
			t.Errorf("styleLogProb[%d] = %f, log-probabilities must be <= 0", i, lp)
		}
	}
}

func TestDiscriminatorBackwardAccumulatesGradients(t *testing.T) {
	cfg := testConfig()
	disc, err := NewDiscriminator(cfg, rand.New(rand.NewSource(10)))
	if err != nil {
		t.Fatalf("NewDiscriminator failed: %v", err)
	}

	images, _ := tensor.RandomNormal([]int{2, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize}, 0, 0.5,
		rand.New(rand.NewSource(11)), tensor.CPU)

	realLogits, styleLogits, err := disc.Forward(images, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	gradReal, _ := tensor.Ones(realLogits.Shape, tensor.Float32, tensor.CPU)
	gradStyle, _ := tensor.Ones(styleLogits.Shape, tensor.Float32, tensor.CPU)

	disc.ZeroGrad()
	if err := disc.Backward(gradReal, gradStyle); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	nonZero := false
	for _, p := range disc.Parameters() {
		for _, g := range p.Grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
		if nonZero {
			break
		}
	}
	if !nonZero {
		t.Error("expected non-zero gradients after Backward")
	}
}

func TestDiscriminatorInputGradientShape(t *testing.T) {
	cfg := testConfig()
	disc, err := NewDiscriminator(cfg, rand.New(rand.NewSource(12)))
	if err != nil {
		t.Fatalf("NewDiscriminator failed: %v", err)
	}

	images, _ := tensor.RandomNormal([]int{2, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize}, 0, 0.5,
		rand.New(rand.NewSource(13)), tensor.CPU)

	realLogits, _, err := disc.Forward(images, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	gradReal, _ := tensor.Ones(realLogits.Shape, tensor.Float32, tensor.CPU)
	disc.ZeroGrad()
	gradImages, err := disc.InputGradient(gradReal, nil)
	if err != nil {
		t.Fatalf("InputGradient failed: %v", err)
	}

	if !reflect.DeepEqual(gradImages.Shape, images.Shape) {
		t.Errorf("input gradient shape = %v, expected %v", gradImages.Shape, images.Shape)
	}
}
