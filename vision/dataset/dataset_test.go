package dataset

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/cluster"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// buildDataset writes count tiny PNGs per style and the matching
// mapping file, then loads both.
func buildDataset(t *testing.T, countsPerStyle []int, imageSize int) (*StyleImageDataset, string) {
	t.Helper()
	dataDir := t.TempDir()

	assignments := make(map[string]int)
	idx := 0
	for style, count := range countsPerStyle {
		for i := 0; i < count; i++ {
			name := filepath.Join(dataDir, fileName(idx))
			writePNG(t, name, 6, 6)
			assignments[fileName(idx)] = style
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
	ds, err := NewStyleImageDataset(dataDir, mapping, imageSize, quietLogger())
	if err != nil {
		t.Fatalf("NewStyleImageDataset failed: %v", err)
	}
	return ds, dataDir
}

func fileName(i int) string {
	return "img_" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + ".png"
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(30 * x), G: uint8(30 * y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDatasetScanAndGet(t *testing.T) {
	ds, _ := buildDataset(t, []int{2, 3}, 8)

	if ds.Len() != 5 {
		t.Fatalf("Len = %d, expected 5", ds.Len())
	}
	counts := ds.StyleCounts(2)
	if counts[0] != 2 || counts[1] != 3 {
		t.Errorf("StyleCounts = %v, expected [2 3]", counts)
	}

	sample, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sample.Image.Width != 8 || sample.Image.Height != 8 {
		t.Errorf("sample dims = %dx%d, expected 8x8", sample.Image.Width, sample.Image.Height)
	}
	if sample.StyleID < 0 || sample.StyleID >= 2 {
		t.Errorf("StyleID = %d, outside [0, 2)", sample.StyleID)
	}

	if _, err := ds.Get(99); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestDatasetSkipsUnmappedFiles(t *testing.T) {
	ds, dataDir := buildDataset(t, []int{2}, 8)

	// An extra image with no mapping entry must be skipped, not fatal.
	writePNG(t, filepath.Join(dataDir, "orphan.png"), 6, 6)

	mapping, err := cluster.LoadMapping(filepath.Join(dataDir, "cluster_mapping.json"), 1, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	rescanned, err := NewStyleImageDataset(dataDir, mapping, 8, quietLogger())
	if err != nil {
		t.Fatalf("NewStyleImageDataset failed: %v", err)
	}
	if rescanned.Len() != ds.Len() {
		t.Errorf("Len = %d, expected %d (orphan skipped)", rescanned.Len(), ds.Len())
	}
}

func TestDatasetGetReportsUnreadableFile(t *testing.T) {
	ds, dataDir := buildDataset(t, []int{2}, 8)

	// Corrupt the first image on disk; Get must fail, not panic.
	if err := os.WriteFile(filepath.Join(dataDir, fileName(0)), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.Get(0); err == nil {
		t.Error("expected decode error for corrupted image")
	}
}

func TestDatasetRejectsEmptyIntersection(t *testing.T) {
	dataDir := t.TempDir()
	writePNG(t, filepath.Join(dataDir, "a.png"), 6, 6)

	mappingPath := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(mappingPath, []byte(`{"other.png": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	mapping, err := cluster.LoadMapping(mappingPath, 1, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewStyleImageDataset(dataDir, mapping, 8, quietLogger()); err == nil {
		t.Error("expected error when no images are mapped")
	}
}

func TestSamplerBoostsRareStyles(t *testing.T) {
	// Style 1 holds 4% of the corpus raw. With alpha 0.5 its draw
	// probability must rise above the raw share but stay below the cap.
	ds, _ := buildDataset(t, []int{24, 1}, 8)

	cfg := SamplerConfig{Alpha: 0.5, MaxStyleShare: 0.5}
	sampler, err := NewWeightedStyleSampler(ds, 2, cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewWeightedStyleSampler failed: %v", err)
	}

	rawShare := 1.0 / 25.0
	boosted := sampler.StyleProbability(1)
	if boosted <= rawShare {
		t.Errorf("rare style probability %f not boosted above raw share %f", boosted, rawShare)
	}
	if boosted > 0.5 {
		t.Errorf("rare style probability %f exceeds cap 0.5", boosted)
	}

	// Empirical check over many draws.
	styles := ds.StyleIDs()
	hits := 0
	const draws = 5000
	for i := 0; i < draws; i++ {
		if styles[sampler.Next()] == 1 {
			hits++
		}
	}
	got := float64(hits) / draws
	if got < boosted-0.03 || got > boosted+0.03 {
		t.Errorf("empirical rare-style share %f, expected near %f", got, boosted)
	}
}

func TestSamplerAlphaExtremes(t *testing.T) {
	ds, _ := buildDataset(t, []int{9, 3}, 8)

	// Alpha 0 reproduces the corpus distribution.
	raw, err := NewWeightedStyleSampler(ds, 2, SamplerConfig{Alpha: 0}, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	if p := raw.StyleProbability(0); p < 0.74 || p > 0.76 {
		t.Errorf("alpha 0 style 0 probability = %f, expected 0.75", p)
	}

	// Alpha 1 equalizes styles.
	eq, err := NewWeightedStyleSampler(ds, 2, SamplerConfig{Alpha: 1}, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	if p := eq.StyleProbability(0); p < 0.49 || p > 0.51 {
		t.Errorf("alpha 1 style 0 probability = %f, expected 0.5", p)
	}
}

func TestSamplerShareCap(t *testing.T) {
	// With alpha 0 the large style would hold over 90% of draws; the
	// cap pins it at 0.6 and hands the excess to the small style.
	ds, _ := buildDataset(t, []int{2, 24}, 8)

	cfg := SamplerConfig{Alpha: 0, MaxStyleShare: 0.6}
	sampler, err := NewWeightedStyleSampler(ds, 2, cfg, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatal(err)
	}

	if p := sampler.StyleProbability(1); p > 0.6+1e-9 {
		t.Errorf("dominant style probability %f exceeds cap 0.6", p)
	}

	total := sampler.StyleProbability(0) + sampler.StyleProbability(1)
	if total < 0.999 || total > 1.001 {
		t.Errorf("probabilities sum to %f, expected 1.0", total)
	}
}

func TestSamplerValidation(t *testing.T) {
	ds, _ := buildDataset(t, []int{2}, 8)

	if _, err := NewWeightedStyleSampler(ds, 1, DefaultSamplerConfig(), nil); err == nil {
		t.Error("expected error for nil rng")
	}
	if _, err := NewWeightedStyleSampler(ds, 1, SamplerConfig{Alpha: 2}, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for alpha > 1")
	}
	if _, err := NewWeightedStyleSampler(ds, 1, SamplerConfig{MaxStyleShare: 1.5}, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for share cap > 1")
	}
}

func TestSamplerNextBatch(t *testing.T) {
	ds, _ := buildDataset(t, []int{3, 3}, 8)
	sampler, err := NewWeightedStyleSampler(ds, 2, DefaultSamplerConfig(), rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}

	batch := sampler.NextBatch(16)
	if len(batch) != 16 {
		t.Fatalf("batch size = %d, expected 16", len(batch))
	}
	for _, idx := range batch {
		if idx < 0 || idx >= ds.Len() {
			t.Errorf("index %d outside [0, %d)", idx, ds.Len())
		}
	}
}
