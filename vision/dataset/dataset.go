// Package dataset joins an image directory with a cluster mapping and
// feeds style-balanced samples to the trainer.
package dataset

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Ashm1t/Abstract-Image-Generator/cluster"
	"github.com/Ashm1t/Abstract-Image-Generator/vision/preprocessing"
)

// Sample is one training example: a decoded image and its style id.
type Sample struct {
	Image   *preprocessing.ProcessedImage
	StyleID int
	Path    string
}

// StyleImageDataset is the set of images in a directory that appear in
// the cluster mapping. Images are decoded lazily at sample time.
type StyleImageDataset struct {
	paths     []string
	styles    []int
	processor *preprocessing.ImageProcessor
	log       *logrus.Logger

	skipped int
}

// NewStyleImageDataset scans dataDir and keeps the files the mapping
// covers. Files present on disk but absent from the mapping are skipped
// with a warning; an empty intersection is an error.
func NewStyleImageDataset(dataDir string, mapping *cluster.Mapping, imageSize int, log *logrus.Logger) (*StyleImageDataset, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read data directory %s", dataDir)
	}

	ds := &StyleImageDataset{
		processor: preprocessing.NewImageProcessor(imageSize),
		log:       log,
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png":
		default:
			continue
		}

		style, ok := mapping.StyleOf(e.Name())
		if !ok {
			log.WithField("image", e.Name()).Warn("image has no cluster assignment, skipping")
			ds.skipped++
			continue
		}
		ds.paths = append(ds.paths, filepath.Join(dataDir, e.Name()))
		ds.styles = append(ds.styles, style)
	}

	if len(ds.paths) == 0 {
		return nil, errors.Errorf("no mapped images found in %s", dataDir)
	}

	log.WithFields(logrus.Fields{
		"dir":     dataDir,
		"images":  len(ds.paths),
		"skipped": ds.skipped,
	}).Info("dataset ready")

	return ds, nil
}

// Len reports the number of usable samples.
func (d *StyleImageDataset) Len() int { return len(d.paths) }

// StyleIDs returns the style id of every sample by index.
func (d *StyleImageDataset) StyleIDs() []int {
	return append([]int{}, d.styles...)
}

// StyleCounts tallies samples per style id.
func (d *StyleImageDataset) StyleCounts(numStyles int) []int {
	counts := make([]int, numStyles)
	for _, s := range d.styles {
		if s >= 0 && s < numStyles {
			counts[s]++
		}
	}
	return counts
}

// Get decodes the sample at index. Unreadable files return an error so
// the caller can skip them without aborting the run.
func (d *StyleImageDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.paths) {
		return nil, errors.Errorf("sample index %d out of range [0, %d)", index, len(d.paths))
	}

	img, err := d.processor.DecodeFile(d.paths[index])
	if err != nil {
		return nil, errors.Wrapf(err, "decode sample %s", d.paths[index])
	}
	return &Sample{Image: img, StyleID: d.styles[index], Path: d.paths[index]}, nil
}
