// Command traingan trains the style-conditioned generator and
// discriminator pair over a clustered image corpus.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/cluster"
	"github.com/Ashm1t/Abstract-Image-Generator/training"
	"github.com/Ashm1t/Abstract-Image-Generator/vision/dataset"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := training.DefaultConfig()

	fs := flag.NewFlagSet("traingan", flag.ExitOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", "", "directory of corpus images (required)")
	fs.StringVar(&cfg.MappingPath, "mapping", "", "cluster mapping file (default <data-dir>/cluster_mapping.json)")
	fs.StringVar(&cfg.StatsPath, "stats", "", "cluster statistics file (optional)")
	fs.StringVar(&cfg.SaveDir, "save-dir", "runs", "directory for checkpoints and samples")
	fs.StringVar(&cfg.ResumePath, "resume", "", "checkpoint to resume from (optional)")
	fs.IntVar(&cfg.LatentDim, "latent-dim", cfg.LatentDim, "latent vector dimensionality")
	fs.IntVar(&cfg.NumStyles, "num-styles", cfg.NumStyles, "number of style clusters")
	fs.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "training resolution (power of two)")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "mini-batch size")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of training epochs")
	genLR := fs.Float64("lr-g", float64(cfg.GeneratorLR), "generator learning rate")
	discLR := fs.Float64("lr-d", float64(cfg.DiscriminatorLR), "discriminator learning rate")
	lambda := fs.Float64("lambda-style", float64(cfg.LambdaStyle), "style consistency loss weight")
	fs.IntVar(&cfg.LogInterval, "log-interval", cfg.LogInterval, "steps between metric lines")
	fs.IntVar(&cfg.SaveInterval, "save-interval", cfg.SaveInterval, "steps between checkpoints")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "data loading workers")
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "update rule for both networks (adam or sgd)")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "compute device selector")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.StringVar(&cfg.HistoryDB, "history-db", "", "sqlite run-history database (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.GeneratorLR = float32(*genLR)
	cfg.DiscriminatorLR = float32(*discLR)
	cfg.LambdaStyle = float32(*lambda)

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.DataDir == "" {
		return fmt.Errorf("-data-dir is required")
	}
	if info, err := os.Stat(cfg.DataDir); err != nil || !info.IsDir() {
		return fmt.Errorf("data directory %s does not exist", cfg.DataDir)
	}
	if cfg.MappingPath == "" {
		cfg.MappingPath = filepath.Join(cfg.DataDir, "cluster_mapping.json")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	device, err := training.ResolveDevice(cfg.Device)
	if err != nil {
		return err
	}
	cfg.Device = device

	rng := rand.New(rand.NewSource(cfg.Seed))

	// The mapping is real cluster data when present, synthesized only
	// as a loudly-flagged fallback for pipeline testing.
	mapping, err := cluster.LoadMapping(cfg.MappingPath, cfg.NumStyles, log)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return err
		}
		mapping, err = cluster.SynthesizeMapping(cfg.DataDir, cfg.MappingPath, cfg.NumStyles, rng, log)
		if err != nil {
			return err
		}
	}
	cfg.SyntheticMapping = mapping.Synthetic

	var stats *cluster.Statistics
	if cfg.StatsPath != "" {
		stats, err = cluster.LoadStatistics(cfg.StatsPath)
		if err != nil {
			return err
		}
	} else {
		stats = cluster.ComputeStatistics(mapping)
	}
	logCorpusStats(log, stats)

	ds, err := dataset.NewStyleImageDataset(cfg.DataDir, mapping, cfg.ImageSize, log)
	if err != nil {
		return err
	}

	sampler, err := dataset.NewWeightedStyleSampler(ds, cfg.NumStyles, dataset.SamplerConfig{
		Alpha:         cfg.SamplerAlpha,
		MaxStyleShare: cfg.SamplerMaxShare,
	}, rng)
	if err != nil {
		return err
	}

	loader, err := training.NewLoader(ds, sampler, training.LoaderConfig{
		BatchSize: cfg.BatchSize,
		ImageSize: cfg.ImageSize,
		Workers:   cfg.Workers,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history := training.OpenHistory(ctx, cfg.HistoryDB, log)
	defer history.Close()

	trainer, err := training.NewTrainer(cfg, loader, ds.Len(), stats, history, log, rng)
	if err != nil {
		return err
	}
	if err := trainer.CheckSaveDir(); err != nil {
		return err
	}
	if cfg.ResumePath != "" {
		if err := trainer.Resume(cfg.ResumePath); err != nil {
			return err
		}
	}

	if err := loader.Start(); err != nil {
		return err
	}
	defer loader.Stop()

	return trainer.Run(ctx)
}

func logCorpusStats(log *logrus.Logger, stats *cluster.Statistics) {
	total := 0
	smallest, largest := -1, 0
	for _, sc := range stats.Styles {
		total += sc.Count
		if smallest < 0 || sc.Count < smallest {
			smallest = sc.Count
		}
		if sc.Count > largest {
			largest = sc.Count
		}
	}
	if smallest < 0 {
		smallest = 0
	}
	log.WithFields(logrus.Fields{
		"total_images":     humanize.Comma(int64(total)),
		"styles":           len(stats.Styles),
		"smallest_cluster": smallest,
		"largest_cluster":  largest,
		"imbalance_ratio":  fmt.Sprintf("%.2f", stats.ImbalanceRatio()),
	}).Info("cluster statistics")
}
