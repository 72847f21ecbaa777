// Command generateart synthesizes images from a trained generator
// checkpoint, either a full training checkpoint or a bare
// generator-weights artifact.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/checkpoints"
	"github.com/Ashm1t/Abstract-Image-Generator/gan"
	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
	"github.com/Ashm1t/Abstract-Image-Generator/vision/preprocessing"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("generateart", flag.ExitOnError)
	checkpointPath := fs.String("checkpoint", "", "generator checkpoint, full or weights-only (required)")
	outDir := fs.String("out-dir", "generated", "output directory")
	style := fs.Int("style", -1, "style id to generate, -1 for every style")
	count := fs.Int("count", 4, "images per style")
	latentDim := fs.Int("latent-dim", 128, "latent vector dimensionality")
	numStyles := fs.Int("num-styles", 15, "number of style clusters")
	imageSize := fs.Int("image-size", 512, "output resolution (power of two)")
	baseWidth := fs.Int("base-width", 64, "base channel width")
	embedDim := fs.Int("style-embed-dim", 64, "style embedding dimensionality")
	seed := fs.Int64("seed", 0, "random seed, 0 for time-based")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *checkpointPath == "" {
		return fmt.Errorf("-checkpoint is required")
	}
	if *count <= 0 {
		return fmt.Errorf("-count must be positive")
	}

	cfg := gan.Config{
		LatentDim:     *latentDim,
		NumStyles:     *numStyles,
		ImageSize:     *imageSize,
		ImageChannels: 3,
		BaseWidth:     *baseWidth,
		StyleEmbedDim: *embedDim,
	}

	seedValue := *seed
	if seedValue == 0 {
		seedValue = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seedValue))

	gen, err := gan.NewGenerator(cfg, rng)
	if err != nil {
		return err
	}

	// Either checkpoint variant loads here; the file's kind tag (or
	// its structure, for untagged files) decides how it is read.
	ckpt, err := checkpoints.Load(*checkpointPath)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(gen.StateParameters(), ckpt.Generator); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"checkpoint": *checkpointPath,
		"kind":       ckpt.Kind,
		"epoch":      ckpt.Epoch,
	}).Info("generator loaded")

	styles := []int{*style}
	if *style < 0 {
		styles = make([]int, cfg.NumStyles)
		for s := range styles {
			styles[s] = s
		}
	} else if *style >= cfg.NumStyles {
		return fmt.Errorf("style %d outside [0, %d)", *style, cfg.NumStyles)
	}

	nrow := *count
	if nrow > 4 {
		nrow = 4
	}

	var combined []float32
	for _, s := range styles {
		latent, err := tensor.RandomNormal([]int{*count, cfg.LatentDim}, 0, 1, rng, tensor.CPU)
		if err != nil {
			return err
		}
		ids := make([]int32, *count)
		for i := range ids {
			ids[i] = int32(s)
		}
		styleTensor, err := tensor.NewTensor([]int{*count}, tensor.Int32, tensor.CPU, ids)
		if err != nil {
			return err
		}

		images, err := gen.Generate(latent, styleTensor)
		if err != nil {
			return err
		}

		path := filepath.Join(*outDir, fmt.Sprintf("style_%02d_samples.png", s))
		if err := preprocessing.SaveImageGrid(path, images, nrow); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"style": s, "path": path}).Info("grid written")

		if *style < 0 {
			data, err := images.Float32Data()
			if err != nil {
				return err
			}
			combined = append(combined, data...)
		}
	}

	// One row per style across the whole run, for side-by-side review.
	if *style < 0 {
		shape := []int{len(styles) * (*count), cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize}
		all, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, combined)
		if err != nil {
			return err
		}
		path := filepath.Join(*outDir, "all_styles_grid.png")
		if err := preprocessing.SaveImageGrid(path, all, *count); err != nil {
			return err
		}
		log.WithField("path", path).Info("combined grid written")
	}

	return nil
}
