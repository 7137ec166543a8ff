// SPDX-License-Identifier: GPL-2.0-only

package inference

import (
	"github.com/efficientgo/core/errors"
)

// ErrInference wraps every failure of the inference engine.
var ErrInference = errors.New("inference failed")

// BoundingBox is a pixel rectangle in the coordinates of Result.Frame.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Detection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"value"`
	Box        BoundingBox `json:"box"`
}

// Result is the raw output of one classification: the detections and the
// frame they refer to, i.e. the input image cropped and scaled to the model
// input size.
type Result struct {
	Detections []Detection
	Frame      []byte
}

// DetectionResult is what a run of the inference pipeline produces: the
// detections and the frame with every box drawn on it.
type DetectionResult struct {
	Detections []Detection
	Image      []byte
}

// Labels returns the detected labels in detection order.
func (r DetectionResult) Labels() []string {
	labels := make([]string, 0, len(r.Detections))
	for _, d := range r.Detections {
		labels = append(labels, d.Label)
	}
	return labels
}
