package imaging

import (
	"image"
	"testing"

	"github.com/MatthiasValvekens/visionai-capture/inference"
	"github.com/efficientgo/core/testutil"
	"gocv.io/x/gocv"
)

// solidJPEG returns a rows x cols JPEG filled with one BGR color.
func solidJPEG(t *testing.T, rows, cols int, b, g, r float64) []byte {
	t.Helper()
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), rows, cols, gocv.MatTypeCV8UC3)
	defer mat.Close()
	data, err := encode(mat)
	testutil.Ok(t, err)
	return data
}

func near(got, want uint32) bool {
	if got > want {
		return got-want <= 8
	}
	return want-got <= 8
}

func TestCropRect(t *testing.T) {
	for _, tc := range []struct {
		name          string
		cols, rows    int
		width, height int
		want          image.Rectangle
	}{
		{name: "square from landscape", cols: 240, rows: 160, width: 96, height: 96, want: image.Rect(40, 0, 200, 160)},
		{name: "square from portrait", cols: 160, rows: 240, width: 96, height: 96, want: image.Rect(0, 40, 160, 200)},
		{name: "same aspect", cols: 320, rows: 240, width: 160, height: 120, want: image.Rect(0, 0, 320, 240)},
		{name: "no model size", cols: 320, rows: 240, want: image.Rect(0, 0, 320, 240)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testutil.Equals(t, tc.want, cropRect(tc.cols, tc.rows, tc.width, tc.height))
		})
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	testutil.NotOk(t, Validate([]byte("definitely not a jpeg")))
}

func TestPrepare(t *testing.T) {
	img := solidJPEG(t, 160, 240, 0, 0, 255)
	testutil.Ok(t, Validate(img))

	features, frame, err := Prepare(img, 96, 96, 3)
	testutil.Ok(t, err)
	testutil.Equals(t, 96*96, len(features))
	px := uint32(features[len(features)/2])
	r, g, b := px>>16&0xff, px>>8&0xff, px&0xff
	testutil.Assert(t, near(r, 255) && near(g, 0) && near(b, 0), "unexpected pixel %06x", px)

	scaled, err := decode(frame)
	testutil.Ok(t, err)
	defer scaled.Close()
	testutil.Equals(t, 96, scaled.Cols())
	testutil.Equals(t, 96, scaled.Rows())
}

func TestPrepareGrayscale(t *testing.T) {
	img := solidJPEG(t, 120, 120, 40, 200, 90)
	features, _, err := Prepare(img, 48, 48, 1)
	testutil.Ok(t, err)
	for _, f := range features {
		px := uint32(f)
		testutil.Assert(t, px>>16&0xff == px>>8&0xff && px>>8&0xff == px&0xff, "pixel %06x is not gray", px)
	}
}

func TestAnnotateKeepsSize(t *testing.T) {
	img := solidJPEG(t, 96, 96, 255, 255, 255)
	out, err := Annotate(img, []inference.Detection{
		{Label: "leaf_rust", Confidence: 0.87, Box: inference.BoundingBox{X: 10, Y: 12, Width: 30, Height: 20}},
	})
	testutil.Ok(t, err)
	mat, err := decode(out)
	testutil.Ok(t, err)
	defer mat.Close()
	testutil.Equals(t, 96, mat.Cols())
	testutil.Equals(t, 96, mat.Rows())
}
