// SPDX-License-Identifier: GPL-2.0-only

package command

import (
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/efficientgo/core/errors"
)

const (
	SamplesDir    = "samples"
	DetectionsDir = "detections"

	sampleLayout    = "20060102_150405"
	detectionLayout = "2006-01-02_15_04_05"
)

// Store writes captured images below a root directory. Returned paths are
// slash-separated and relative to the root.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) write(rel string, data []byte) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for %s", rel)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", rel)
	}
	return rel, nil
}

// SaveSample stores a raw capture as samples/IMG_<yyyyMMdd_HHmmss>.jpg.
func (s *Store) SaveSample(data []byte, at time.Time) (string, error) {
	return s.write(path.Join(SamplesDir, "IMG_"+at.Format(sampleLayout)+".jpg"), data)
}

// SaveDetection stores an annotated image as detections/<yyyy-MM-dd_HH_mm_ss>.jpg.
func (s *Store) SaveDetection(data []byte, at time.Time) (string, error) {
	return s.write(path.Join(DetectionsDir, at.Format(detectionLayout)+".jpg"), data)
}
