// Package cluster loads the style-cluster assignment produced by the
// external clustering step and derives the corpus statistics that drive
// imbalance-aware training.
package cluster

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mapping assigns each image identifier to a style id in [0, K). It is
// loaded once and treated as immutable for the duration of a run.
type Mapping struct {
	NumStyles int
	Synthetic bool

	assignments map[string]int
}

// LoadMapping reads a mapping file of {"image.jpg": styleID, ...}. Any
// style id outside [0, numStyles) is a configuration error, not a
// recoverable condition.
func LoadMapping(path string, numStyles int, log *logrus.Logger) (*Mapping, error) {
	if numStyles <= 0 {
		return nil, errors.Errorf("style count must be positive, got %d", numStyles)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read cluster mapping %s", path)
	}

	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse cluster mapping %s", path)
	}
	if len(raw) == 0 {
		return nil, errors.Errorf("cluster mapping %s is empty", path)
	}

	for name, id := range raw {
		if id < 0 || id >= numStyles {
			return nil, errors.Errorf("image %s has style id %d outside [0, %d)", name, id, numStyles)
		}
	}

	log.WithFields(logrus.Fields{
		"path":   path,
		"images": len(raw),
		"styles": numStyles,
	}).Info("loaded cluster mapping")

	return &Mapping{NumStyles: numStyles, assignments: raw}, nil
}

// SynthesizeMapping assigns uniform random styles to the images found in
// dataDir and persists the result to mappingPath. This exists only so
// the training pipeline can be exercised without real cluster data, and
// is loudly flagged as synthetic.
func SynthesizeMapping(dataDir, mappingPath string, numStyles int, rng *rand.Rand, log *logrus.Logger) (*Mapping, error) {
	if numStyles <= 0 {
		return nil, errors.Errorf("style count must be positive, got %d", numStyles)
	}
	if rng == nil {
		return nil, errors.New("rng must not be nil")
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read data directory %s", dataDir)
	}

	assignments := make(map[string]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png":
			assignments[e.Name()] = rng.Intn(numStyles)
		}
	}
	if len(assignments) == 0 {
		return nil, errors.Errorf("no images found in %s", dataDir)
	}

	data, err := json.MarshalIndent(assignments, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal synthetic mapping")
	}
	if err := os.WriteFile(mappingPath, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "write synthetic mapping %s", mappingPath)
	}

	log.WithFields(logrus.Fields{
		"path":   mappingPath,
		"images": len(assignments),
		"styles": numStyles,
	}).Warn("cluster mapping missing, synthesized uniform random assignment for pipeline testing")

	return &Mapping{NumStyles: numStyles, Synthetic: true, assignments: assignments}, nil
}

// StyleOf returns the style id for an image identifier.
func (m *Mapping) StyleOf(name string) (int, bool) {
	id, ok := m.assignments[name]
	return id, ok
}

// Len reports the number of mapped images.
func (m *Mapping) Len() int { return len(m.assignments) }

// Images returns the mapped image identifiers in sorted order.
func (m *Mapping) Images() []string {
	names := make([]string, 0, len(m.assignments))
	for name := range m.assignments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StyleCount holds the per-style share of the corpus.
type StyleCount struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Statistics is the per-style corpus breakdown. Its only consumer in
// training is the imbalance ratio.
type Statistics struct {
	Styles map[int]StyleCount
}

// ComputeStatistics derives per-style counts from a mapping.
func ComputeStatistics(m *Mapping) *Statistics {
	counts := make(map[int]int)
	for _, id := range m.assignments {
		counts[id]++
	}

	total := len(m.assignments)
	styles := make(map[int]StyleCount, len(counts))
	for id, n := range counts {
		styles[id] = StyleCount{Count: n, Percentage: 100 * float64(n) / float64(total)}
	}
	return &Statistics{Styles: styles}
}

// LoadStatistics reads a statistics file of {"0": {"count": N,
// "percentage": P}, ...}. The file is optional upstream; callers decide
// what a missing file means.
func LoadStatistics(path string) (*Statistics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read cluster statistics %s", path)
	}

	var raw map[string]StyleCount
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse cluster statistics %s", path)
	}

	styles := make(map[int]StyleCount, len(raw))
	for key, sc := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Errorf("cluster statistics %s has non-integer style key %q", path, key)
		}
		styles[id] = sc
	}
	return &Statistics{Styles: styles}, nil
}

// ImbalanceRatio is max(count)/min(count) across styles. A uniform
// corpus reports 1.0; an empty statistics set reports 1.0 so the style
// loss weight is left untouched.
func (s *Statistics) ImbalanceRatio() float64 {
	if s == nil || len(s.Styles) == 0 {
		return 1.0
	}

	min, max := -1, -1
	for _, sc := range s.Styles {
		if sc.Count <= 0 {
			continue
		}
		if min < 0 || sc.Count < min {
			min = sc.Count
		}
		if sc.Count > max {
			max = sc.Count
		}
	}
	if min <= 0 {
		return 1.0
	}
	return float64(max) / float64(min)
}

// Counts returns per-style counts indexed by style id, zero for styles
// never seen.
func (s *Statistics) Counts(numStyles int) []int {
	counts := make([]int, numStyles)
	if s == nil {
		return counts
	}
	for id, sc := range s.Styles {
		if id >= 0 && id < numStyles {
			counts[id] = sc.Count
		}
	}
	return counts
}
