package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/cluster"
	"github.com/Ashm1t/Abstract-Image-Generator/vision/dataset"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// writeStyleCorpus writes countsPerStyle[s] images for each style s,
// where every pixel of a style-s image has red channel s*60. The color
// encodes the style so pairing can be verified after batching.
func writeStyleCorpus(t *testing.T, countsPerStyle []int, size int) (string, *dataset.StyleImageDataset) {
	t.Helper()
	dataDir := t.TempDir()

	assignments := make(map[string]int)
	idx := 0
	for style, count := range countsPerStyle {
		for i := 0; i < count; i++ {
			name := fmt.Sprintf("img_%04d.png", idx)
			img := image.NewRGBA(image.Rect(0, 0, size, size))
			fill := color.RGBA{R: uint8(style * 60), G: 10, B: 10, A: 255}
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					img.SetRGBA(x, y, fill)
				}
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dataDir, name), buf.Bytes(), 0o644); err != nil {
				t.Fatal(err)
			}
			assignments[name] = style
			idx++
		}
	}

	mappingPath := filepath.Join(dataDir, "cluster_mapping.json")
	data, err := json.Marshal(assignments)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mappingPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	mapping, err := cluster.LoadMapping(mappingPath, len(countsPerStyle), quietLogger())
	if err != nil {
		t.Fatalf("LoadMapping failed: %v", err)
	}
	ds, err := dataset.NewStyleImageDataset(dataDir, mapping, size, quietLogger())
	if err != nil {
		t.Fatalf("NewStyleImageDataset failed: %v", err)
	}
	return dataDir, ds
}

func newTestLoader(t *testing.T, ds *dataset.StyleImageDataset, numStyles, batchSize, size int) *Loader {
	t.Helper()
	sampler, err := dataset.NewWeightedStyleSampler(ds, numStyles, dataset.DefaultSamplerConfig(), rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("NewWeightedStyleSampler failed: %v", err)
	}
	loader, err := NewLoader(ds, sampler, LoaderConfig{BatchSize: batchSize, ImageSize: size, Workers: 2}, quietLogger())
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return loader
}

func TestLoaderProducesPairedBatches(t *testing.T) {
	_, ds := writeStyleCorpus(t, []int{4, 4, 4}, 8)
	loader := newTestLoader(t, ds, 3, 4, 8)

	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for b := 0; b < 5; b++ {
		batch, err := loader.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}

		if batch.Images.Shape[0] != 4 || batch.Images.Shape[1] != 3 ||
			batch.Images.Shape[2] != 8 || batch.Images.Shape[3] != 8 {
			t.Fatalf("image batch shape = %v, expected [4 3 8 8]", batch.Images.Shape)
		}

		// Each image's red channel must match its paired style label:
		// style s encodes red s*60, normalized to s*60/127.5 - 1.
		images, _ := batch.Images.Float32Data()
		styles, _ := batch.Styles.Int32Data()
		plane := 8 * 8
		for i, style := range styles {
			got := images[i*3*plane]
			want := float32(style)*60/127.5 - 1
			if diff := got - want; diff > 0.05 || diff < -0.05 {
				t.Fatalf("batch %d sample %d: red %f does not match style %d (want %f)", b, i, got, style, want)
			}
		}
	}
}

func TestLoaderSkipsUnreadableSamples(t *testing.T) {
	dataDir, ds := writeStyleCorpus(t, []int{6}, 8)

	// Corrupt half the corpus after scanning.
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("img_%04d.png", i)
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte("junk"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	loader := newTestLoader(t, ds, 1, 4, 8)
	if err := loader.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loader.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for b := 0; b < 4; b++ {
		if _, err := loader.Next(ctx); err != nil {
			t.Fatalf("Next failed with unreadable files present: %v", err)
		}
	}
	if loader.SkippedSamples() == 0 {
		t.Error("expected skipped sample count to be observable")
	}
}

func TestLoaderValidation(t *testing.T) {
	_, ds := writeStyleCorpus(t, []int{2}, 8)
	sampler, err := dataset.NewWeightedStyleSampler(ds, 1, dataset.DefaultSamplerConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(nil, sampler, LoaderConfig{BatchSize: 1, ImageSize: 8}, quietLogger()); err == nil {
		t.Error("expected error for nil dataset")
	}
	if _, err := NewLoader(ds, nil, LoaderConfig{BatchSize: 1, ImageSize: 8}, quietLogger()); err == nil {
		t.Error("expected error for nil sampler")
	}
	if _, err := NewLoader(ds, sampler, LoaderConfig{BatchSize: 0, ImageSize: 8}, quietLogger()); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewLoader(ds, sampler, LoaderConfig{BatchSize: 1}, quietLogger()); err == nil {
		t.Error("expected error for zero image size")
	}
}

func TestLoaderStopIsIdempotent(t *testing.T) {
	_, ds := writeStyleCorpus(t, []int{2}, 8)
	loader := newTestLoader(t, ds, 1, 1, 8)

	if err := loader.Start(); err != nil {
		t.Fatal(err)
	}
	if err := loader.Start(); err == nil {
		t.Error("expected error for double Start")
	}
	loader.Stop()
	loader.Stop()
}
