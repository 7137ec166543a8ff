// SPDX-License-Identifier: GPL-2.0-only

// Package imaging wraps the OpenCV operations used on captured frames.
package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/MatthiasValvekens/visionai-capture/inference"
	"github.com/efficientgo/core/errors"
	"gocv.io/x/gocv"
)

var boxColor = color.RGBA{R: 255, G: 0, B: 0, A: 0}

func decode(img []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return mat, errors.Wrap(err, "failed to decode image")
	}
	if mat.Empty() {
		_ = mat.Close()
		return mat, errors.New("decoded image is empty")
	}
	return mat, nil
}

func encode(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode image")
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Validate reports whether img decodes to a non-empty image.
func Validate(img []byte) error {
	mat, err := decode(img)
	if err != nil {
		return err
	}
	return mat.Close()
}

// cropRect returns the largest centered rectangle of a cols x rows image
// that has the aspect ratio of width x height.
func cropRect(cols, rows, width, height int) image.Rectangle {
	if width <= 0 || height <= 0 {
		return image.Rect(0, 0, cols, rows)
	}
	cw, ch := cols, cols*height/width
	if ch > rows {
		cw, ch = rows*width/height, rows
	}
	x := (cols - cw) / 2
	y := (rows - ch) / 2
	return image.Rect(x, y, x+cw, y+ch)
}

// Prepare crops img to the model aspect ratio, scales it to width x height
// and returns the model features along with the scaled frame as JPEG.
// Every pixel becomes one feature 0xRRGGBB; with a single channel the
// luminance is repeated in all three bytes.
func Prepare(img []byte, width, height, channels int) ([]float64, []byte, error) {
	mat, err := decode(img)
	if err != nil {
		return nil, nil, err
	}
	defer mat.Close()

	region := mat.Region(cropRect(mat.Cols(), mat.Rows(), width, height))
	defer region.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(region, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	rgb := gocv.NewMat()
	defer rgb.Close()
	if err := gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB); err != nil {
		return nil, nil, errors.Wrap(err, "failed to convert image to RGB")
	}

	pix := rgb.ToBytes()
	features := make([]float64, 0, width*height)
	for i := 0; i+2 < len(pix); i += 3 {
		r, g, b := uint32(pix[i]), uint32(pix[i+1]), uint32(pix[i+2])
		if channels == 1 {
			l := (299*r + 587*g + 114*b) / 1000
			r, g, b = l, l, l
		}
		features = append(features, float64(r<<16|g<<8|b))
	}

	frame, err := encode(resized)
	if err != nil {
		return nil, nil, err
	}
	return features, frame, nil
}

// Annotate draws a labelled rectangle for every detection onto img.
func Annotate(img []byte, detections []inference.Detection) ([]byte, error) {
	mat, err := decode(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	for _, d := range detections {
		rect := image.Rect(d.Box.X, d.Box.Y, d.Box.X+d.Box.Width, d.Box.Y+d.Box.Height)
		if err := gocv.Rectangle(&mat, rect, boxColor, 1); err != nil {
			return nil, errors.Wrap(err, "failed to draw rectangle")
		}
		label := fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
		if err := gocv.PutText(&mat, label, image.Pt(d.Box.X, max(d.Box.Y-3, 8)), gocv.FontHersheySimplex, 0.3, boxColor, 1); err != nil {
			return nil, errors.Wrap(err, "failed to draw text")
		}
	}
	return encode(mat)
}

// Annotator adapts Annotate to the command package.
type Annotator struct{}

func (Annotator) Annotate(img []byte, detections []inference.Detection) ([]byte, error) {
	return Annotate(img, detections)
}

// Preparer adapts Prepare to the inference runner.
type Preparer struct{}

func (Preparer) Prepare(img []byte, width, height, channels int) ([]float64, []byte, error) {
	return Prepare(img, width, height, channels)
}
